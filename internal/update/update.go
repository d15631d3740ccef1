// Package update checks the project's GitHub release feed for a newer
// server build, downloads the platform archive, and swaps the binary in
// place. The process then exits so the external supervisor restarts into
// the new version; a marker file lets the next startup announce the result.
package update

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/version"
)

// DefaultFeedURL is the GitHub releases listing for this project.
const DefaultFeedURL = "https://api.github.com/repos/lieyanc/FireFrp/releases"

// MarkerName is the post-update marker written into the data directory.
const MarkerName = ".just_updated"

const (
	feedTimeout     = 15 * time.Second
	downloadTimeout = 120 * time.Second
	maxFeedBytes    = 4 << 20
)

// replaceable lists the archive members the updater may install, matched by
// base name. Everything else in the archive is ignored; config.json, data/
// and bin/ are never written.
var replaceable = map[string]bool{
	"firefrp-server":     true,
	"firefrp-server.exe": true,
}

// ResolveChannel maps the configured channel to the effective one: auto
// follows the running build, so dev builds track dev and tagged releases
// track stable.
func ResolveChannel(channel, current string) string {
	if channel != "auto" {
		return channel
	}
	if version.IsDev(current) {
		return "dev"
	}
	return "stable"
}

// release is the subset of the GitHub release object the updater reads.
type release struct {
	TagName    string  `json:"tag_name"`
	Prerelease bool    `json:"prerelease"`
	Draft      bool    `json:"draft"`
	Assets     []asset `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// Options wires an Updater.
type Options struct {
	Config  *config.Config
	DataDir string
	Logger  *zap.Logger
}

// Updater implements the self-update flow.
//
// The zero value is not usable — create instances with New.
type Updater struct {
	cfg     *config.Config
	dataDir string
	log     *zap.Logger

	// Overridable in tests.
	feedURL  string
	execPath func() (string, error)

	client *http.Client
}

// New creates the updater.
func New(opts Options) *Updater {
	return &Updater{
		cfg:      opts.Config,
		dataDir:  opts.DataDir,
		log:      opts.Logger.Named("update"),
		feedURL:  DefaultFeedURL,
		execPath: os.Executable,
		client:   &http.Client{},
	}
}

// Run performs one update check and, when a newer release matches the
// effective channel, installs it. It returns true when the binary was
// replaced and the process should exit so the supervisor restarts it.
// Progress strings go to notify; failures are returned, not notified.
func (u *Updater) Run(ctx context.Context, notify func(string)) (bool, error) {
	if notify == nil {
		notify = func(string) {}
	}
	current := version.Version
	channel := ResolveChannel(u.cfg.UpdateChannel(), current)
	u.log.Info("checking for updates",
		zap.String("channel", channel), zap.String("current", current))

	rels, err := u.fetchReleases(ctx)
	if err != nil {
		return false, err
	}

	rel := pickRelease(rels, channel, current)
	if rel == nil {
		notify(fmt.Sprintf("已是最新版本（%s 通道，当前 %s）", channel, current))
		return false, nil
	}

	want := assetName()
	a, ok := lo.Find(rel.Assets, func(a asset) bool { return a.Name == want })
	if !ok {
		u.log.Warn("release has no asset for this platform",
			zap.String("tag", rel.TagName), zap.String("asset", want))
		notify(fmt.Sprintf("新版本 %s 未提供 %s/%s 的安装包", rel.TagName, runtime.GOOS, runtime.GOARCH))
		return false, nil
	}

	next := strings.TrimPrefix(rel.TagName, "v")
	notify(fmt.Sprintf("发现新版本 %s，开始下载", next))
	u.log.Info("downloading release",
		zap.String("tag", rel.TagName), zap.String("url", a.URL))

	archive, err := u.download(ctx, a.URL)
	if err != nil {
		return false, err
	}

	n, err := u.install(archive, want)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("update: archive %s holds no installable file", want)
	}

	if err := u.writeMarker(next); err != nil {
		return false, err
	}
	u.log.Info("update installed", zap.String("version", next))
	notify(fmt.Sprintf("已更新到 %s，服务即将重启", next))
	return true, nil
}

func (u *Updater) fetchReleases(ctx context.Context) ([]release, error) {
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("update: build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", version.UserAgent())
	if tok := u.cfg.Get().Updates.GithubToken; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: query release feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update: release feed returned %s", resp.Status)
	}

	var rels []release
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&rels); err != nil {
		return nil, fmt.Errorf("update: decode release feed: %w", err)
	}
	return rels, nil
}

// pickRelease chooses the release to install, or nil when none qualifies.
// The stable channel wants the highest non-prerelease version strictly newer
// than current; dev wants the newest prerelease with a different tag (the
// feed is newest-first). A current version that does not parse as semver
// falls back to tag difference on the stable channel too.
func pickRelease(rels []release, channel, current string) *release {
	cur := strings.TrimPrefix(current, "v")

	if channel == "dev" {
		for i := range rels {
			r := &rels[i]
			if r.Draft || !r.Prerelease {
				continue
			}
			if strings.TrimPrefix(r.TagName, "v") != cur {
				return r
			}
		}
		return nil
	}

	curV, curErr := semver.NewVersion(cur)
	var (
		best  *release
		bestV *semver.Version
	)
	for i := range rels {
		r := &rels[i]
		if r.Draft || r.Prerelease {
			continue
		}
		tag := strings.TrimPrefix(r.TagName, "v")
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if curErr == nil && !v.GreaterThan(curV) {
			continue
		}
		if curErr != nil && tag == cur {
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = r, v
		}
	}
	return best
}

// assetName is the platform archive published with each release.
func assetName() string {
	ext := "tar.gz"
	if runtime.GOOS == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("firefrp-server-%s-%s.%s", runtime.GOOS, runtime.GOARCH, ext)
}

func (u *Updater) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("update: build download request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update: GET %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("update: read archive: %w", err)
	}
	return data, nil
}

// install extracts the allow-listed members and renames each one into place
// next to the running executable. It returns how many files were replaced.
func (u *Updater) install(archive []byte, archiveName string) (int, error) {
	exe, err := u.execPath()
	if err != nil {
		return 0, fmt.Errorf("update: locate executable: %w", err)
	}
	destDir := filepath.Dir(exe)

	members, err := extractMembers(archive, strings.HasSuffix(archiveName, ".zip"))
	if err != nil {
		return 0, err
	}

	n := 0
	for name, data := range members {
		target := filepath.Join(destDir, name)
		if err := installFile(target, data); err != nil {
			return n, err
		}
		u.log.Info("replaced file", zap.String("path", target))
		n++
	}
	return n, nil
}

// extractMembers returns the allow-listed files found in the archive, keyed
// by base name. Directory prefixes inside the archive are discarded.
func extractMembers(data []byte, isZip bool) (map[string][]byte, error) {
	out := map[string][]byte{}

	if isZip {
		r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("update: open zip: %w", err)
		}
		for _, f := range r.File {
			base := path.Base(filepath.ToSlash(f.Name))
			if !replaceable[base] || f.FileInfo().IsDir() {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("update: open %s: %w", f.Name, err)
			}
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("update: read %s: %w", f.Name, err)
			}
			out[base] = b
		}
		return out, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("update: open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("update: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		base := path.Base(filepath.ToSlash(hdr.Name))
		if !replaceable[base] {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("update: read %s: %w", hdr.Name, err)
		}
		out[base] = b
	}
	return out, nil
}

// installFile writes data beside target and renames it into place, so a
// crash mid-write never leaves a truncated binary behind.
func installFile(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".new-*")
	if err != nil {
		return fmt.Errorf("update: create temp file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("update: close %s: %w", target, err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return fmt.Errorf("update: chmod %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("update: install %s: %w", target, err)
	}
	ok = true
	return nil
}

// writeMarker records the freshly installed version for the next startup.
func (u *Updater) writeMarker(installed string) error {
	p := filepath.Join(u.dataDir, MarkerName)
	if err := os.WriteFile(p, []byte(installed+"\n"), 0o600); err != nil {
		return fmt.Errorf("update: write marker: %w", err)
	}
	return nil
}

// ConsumeMarker reads and deletes the post-update marker. It returns the
// recorded version and true when it matches the running build, meaning the
// process has just come up from a successful update. A marker for any other
// version is stale (the swap never took effect) and is discarded.
func ConsumeMarker(dataDir, current string, log *zap.Logger) (string, bool) {
	p := filepath.Join(dataDir, MarkerName)
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		log.Warn("unreadable update marker", zap.String("path", p), zap.Error(err))
		return "", false
	}
	_ = os.Remove(p)

	marked := strings.TrimSpace(string(raw))
	if marked != strings.TrimPrefix(current, "v") {
		log.Info("stale update marker discarded",
			zap.String("marker", marked), zap.String("running", current))
		return "", false
	}
	return marked, true
}
