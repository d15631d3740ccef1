package update

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/version"
)

func TestResolveChannel(t *testing.T) {
	tests := []struct {
		channel, current, want string
	}{
		{"auto", "dev-3f2a91c", "dev"},
		{"auto", "1.2.3", "stable"},
		{"dev", "1.2.3", "dev"},
		{"stable", "dev-3f2a91c", "stable"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ResolveChannel(tc.channel, tc.current),
			"channel=%s current=%s", tc.channel, tc.current)
	}
}

func TestPickRelease(t *testing.T) {
	rels := []release{
		{TagName: "v1.3.0-rc.1", Prerelease: true},
		{TagName: "v1.4.0", Draft: true},
		{TagName: "v1.2.0"},
		{TagName: "v1.1.0-beta.2", Prerelease: true},
		{TagName: "v1.1.0"},
		{TagName: "v1.0.0"},
	}

	tests := []struct {
		name    string
		channel string
		current string
		want    string // expected tag, empty means no pick
	}{
		{"stable newer exists", "stable", "1.1.0", "v1.2.0"},
		{"stable already newest", "stable", "1.2.0", ""},
		{"stable ignores drafts and prereleases", "stable", "1.3.0", ""},
		{"stable from dev build falls back to tag difference", "stable", "dev-3f2a91c", "v1.2.0"},
		{"dev newest prerelease", "dev", "1.1.0-beta.2", "v1.3.0-rc.1"},
		{"dev skips its own tag", "dev", "1.3.0-rc.1", "v1.1.0-beta.2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := pickRelease(rels, tc.channel, tc.current)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.TagName)
		})
	}
}

func TestPickReleaseDevWithoutPrereleases(t *testing.T) {
	rels := []release{{TagName: "v1.2.0"}, {TagName: "v1.1.0"}}
	assert.Nil(t, pickRelease(rels, "dev", "1.0.0"))
}

func makeTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func makeArchive(t *testing.T, name string, files map[string][]byte) []byte {
	t.Helper()
	if strings.HasSuffix(name, ".zip") {
		return makeZip(t, files)
	}
	return makeTarGz(t, files)
}

func TestExtractMembersAllowList(t *testing.T) {
	archive := makeTarGz(t, map[string][]byte{
		"firefrp-server-release/firefrp-server": []byte("new binary"),
		"firefrp-server-release/config.json":    []byte("{}"),
		"firefrp-server-release/data/keys.json": []byte("[]"),
		"firefrp-server-release/bin/frps":       []byte("frps"),
	})

	got, err := extractMembers(archive, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("new binary"), got["firefrp-server"])
}

func TestExtractMembersZip(t *testing.T) {
	archive := makeZip(t, map[string][]byte{
		"firefrp-server-release/firefrp-server.exe": []byte("exe bytes"),
		"firefrp-server-release/README.md":          []byte("doc"),
	})

	got, err := extractMembers(archive, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("exe bytes"), got["firefrp-server.exe"])
}

// setVersion swaps the build version for the duration of one test.
func setVersion(t *testing.T, v string) {
	t.Helper()
	old := version.Version
	version.Version = v
	t.Cleanup(func() { version.Version = old })
}

func liveBinaryName() string {
	if runtime.GOOS == "windows" {
		return "firefrp-server.exe"
	}
	return "firefrp-server"
}

type updaterFixture struct {
	u       *Updater
	dataDir string
	binDir  string
	binPath string
}

func newUpdaterFixture(t *testing.T, channel string) *updaterFixture {
	t.Helper()
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	binDir := filepath.Join(root, "live")
	require.NoError(t, os.MkdirAll(binDir, 0o755))

	binPath := filepath.Join(binDir, liveBinaryName())
	require.NoError(t, os.WriteFile(binPath, []byte("old binary"), 0o755))

	cfg, err := config.Load(filepath.Join(root, "config.json"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cfg.SetUpdateChannel(channel))

	u := New(Options{Config: cfg, DataDir: dataDir, Logger: zap.NewNop()})
	u.execPath = func() (string, error) { return binPath, nil }
	return &updaterFixture{u: u, dataDir: dataDir, binDir: binDir, binPath: binPath}
}

func TestRunInstallsAndWritesMarker(t *testing.T) {
	setVersion(t, "1.0.0")
	f := newUpdaterFixture(t, "stable")

	// A config.json beside the live binary must survive the swap.
	cfgPath := filepath.Join(f.binDir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("keep me"), 0o600))

	archive := makeArchive(t, assetName(), map[string][]byte{
		"firefrp-server-release/" + liveBinaryName(): []byte("new binary"),
		"firefrp-server-release/config.json":         []byte("{}"),
	})

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		rels := []release{{
			TagName: "v1.1.0",
			Assets:  []asset{{Name: assetName(), URL: srv.URL + "/asset"}},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(rels))
	})
	mux.HandleFunc("/asset", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()
	f.u.feedURL = srv.URL + "/releases"

	var msgs []string
	updated, err := f.u.Run(context.Background(), func(s string) { msgs = append(msgs, s) })
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := os.ReadFile(f.binPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("new binary"), got)

	keep, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(keep))

	marker, err := os.ReadFile(filepath.Join(f.dataDir, MarkerName))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", strings.TrimSpace(string(marker)))

	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "1.1.0")
	assert.Contains(t, msgs[1], "已更新到 1.1.0")
}

func TestRunUpToDate(t *testing.T) {
	setVersion(t, "1.1.0")
	f := newUpdaterFixture(t, "stable")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rels := []release{{TagName: "v1.1.0"}, {TagName: "v1.0.0"}}
		require.NoError(t, json.NewEncoder(w).Encode(rels))
	}))
	defer srv.Close()
	f.u.feedURL = srv.URL

	var msgs []string
	updated, err := f.u.Run(context.Background(), func(s string) { msgs = append(msgs, s) })
	require.NoError(t, err)
	assert.False(t, updated)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "已是最新版本")

	got, err := os.ReadFile(f.binPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("old binary"), got)
	_, err = os.Stat(filepath.Join(f.dataDir, MarkerName))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMissingPlatformAsset(t *testing.T) {
	setVersion(t, "1.0.0")
	f := newUpdaterFixture(t, "stable")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rels := []release{{
			TagName: "v1.1.0",
			Assets:  []asset{{Name: "firefrp-server-plan9-mips.tar.gz", URL: "http://0.0.0.0/none"}},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(rels))
	}))
	defer srv.Close()
	f.u.feedURL = srv.URL

	var msgs []string
	updated, err := f.u.Run(context.Background(), func(s string) { msgs = append(msgs, s) })
	require.NoError(t, err)
	assert.False(t, updated)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "未提供")
}

func TestFeedRequestCarriesToken(t *testing.T) {
	setVersion(t, "1.0.0")
	root := t.TempDir()
	cfgPath := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte(`{"updates":{"channel":"stable","githubToken":"gh-secret"}}`), 0o600))
	cfg, err := config.Load(cfgPath, zap.NewNop())
	require.NoError(t, err)

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	u := New(Options{Config: cfg, DataDir: root, Logger: zap.NewNop()})
	u.feedURL = srv.URL
	updated, err := u.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, "Bearer gh-secret", auth)
}

func TestConsumeMarker(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	v, ok := ConsumeMarker(dir, "1.1.0", log)
	assert.False(t, ok)
	assert.Empty(t, v)

	p := filepath.Join(dir, MarkerName)
	require.NoError(t, os.WriteFile(p, []byte("1.1.0\n"), 0o600))
	v, ok = ConsumeMarker(dir, "1.1.0", log)
	assert.True(t, ok)
	assert.Equal(t, "1.1.0", v)
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err), "matching marker must be deleted")

	require.NoError(t, os.WriteFile(p, []byte("0.9.0"), 0o600))
	v, ok = ConsumeMarker(dir, "1.1.0", log)
	assert.False(t, ok)
	assert.Empty(t, v)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err), "stale marker must be deleted")
}
