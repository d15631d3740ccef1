package frps

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveURL(t *testing.T) {
	url := archiveURL("0.53.2")
	want := fmt.Sprintf("https://github.com/fatedier/frp/releases/download/v0.53.2/frp_0.53.2_%s_%s.",
		runtime.GOOS, runtime.GOARCH)
	assert.True(t, len(url) > len(want) && url[:len(want)] == want, "url = %s", url)
	if runtime.GOOS == "windows" {
		assert.Equal(t, want+"zip", url)
	} else {
		assert.Equal(t, want+"tar.gz", url)
	}
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

func TestExtractFromTarGz(t *testing.T) {
	archive := makeTarGz(t, map[string][]byte{
		"frp_0.53.2_linux_amd64/LICENSE": []byte("license text"),
		"frp_0.53.2_linux_amd64/frps":    []byte("frps binary bytes"),
		"frp_0.53.2_linux_amd64/frpc":    []byte("frpc binary bytes"),
	})

	got, err := extractFromTarGz(archive, "frp_0.53.2_linux_amd64/frps")
	require.NoError(t, err)
	assert.Equal(t, []byte("frps binary bytes"), got)

	_, err = extractFromTarGz(archive, "frp_0.53.2_linux_amd64/frps.exe")
	assert.ErrorContains(t, err, "not found")
}

func TestExtractFromZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"frp_0.53.2_windows_amd64/frps.exe": []byte("exe bytes"),
		"frp_0.53.2_windows_amd64/frpc.exe": []byte("other exe"),
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	got, err := extractFromZip(buf.Bytes(), "frp_0.53.2_windows_amd64/frps.exe")
	require.NoError(t, err)
	assert.Equal(t, []byte("exe bytes"), got)

	_, err = extractFromZip(buf.Bytes(), "frp_0.53.2_windows_amd64/frps")
	assert.ErrorContains(t, err, "not found")
}

func TestInstallExecutableLeavesNoTempOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frps")
	require.NoError(t, installExecutable(path, []byte("bin")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "frps", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
