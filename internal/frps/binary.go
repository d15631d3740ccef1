package frps

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	downloadTimeout = 120 * time.Second
	versionTimeout  = 5 * time.Second
)

// EnsureBinary makes sure binDir holds an frps binary of exactly the wanted
// release, downloading and installing the official archive when the binary
// is absent or reports a different version. It returns the binary path.
func EnsureBinary(ctx context.Context, binDir, version string, log *zap.Logger) (string, error) {
	path := filepath.Join(binDir, binaryName())

	if cur, err := binaryVersion(ctx, path); err == nil {
		if cur == version {
			return path, nil
		}
		log.Info("frps binary version mismatch, reprovisioning",
			zap.String("installed", cur), zap.String("wanted", version))
	}

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", fmt.Errorf("frps: create bin dir: %w", err)
	}

	url := archiveURL(version)
	log.Info("downloading frps", zap.String("version", version), zap.String("url", url))
	data, err := fetch(ctx, url)
	if err != nil {
		return "", err
	}

	member := archiveDir(version) + "/" + binaryName()
	var bin []byte
	if strings.HasSuffix(url, ".zip") {
		bin, err = extractFromZip(data, member)
	} else {
		bin, err = extractFromTarGz(data, member)
	}
	if err != nil {
		return "", fmt.Errorf("frps: extract %s: %w", member, err)
	}

	if err := installExecutable(path, bin); err != nil {
		return "", err
	}

	cur, err := binaryVersion(ctx, path)
	if err != nil {
		return "", fmt.Errorf("frps: verify installed binary: %w", err)
	}
	if cur != version {
		return "", fmt.Errorf("frps: installed binary reports %q, wanted %q", cur, version)
	}
	log.Info("frps binary installed", zap.String("path", path), zap.String("version", version))
	return path, nil
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "frps.exe"
	}
	return "frps"
}

// archiveDir is the top-level directory inside the release archive.
func archiveDir(version string) string {
	return fmt.Sprintf("frp_%s_%s_%s", version, runtime.GOOS, runtime.GOARCH)
}

func archiveURL(version string) string {
	ext := "tar.gz"
	if runtime.GOOS == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("https://github.com/fatedier/frp/releases/download/v%s/%s.%s",
		version, archiveDir(version), ext)
}

// binaryVersion runs `frps --version` and returns the reported release.
func binaryVersion(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("frps: run %s --version: %w", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// fetch downloads url and returns the raw bytes.
func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("frps: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("frps: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("frps: GET %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("frps: read download body: %w", err)
	}
	return data, nil
}

// extractFromZip finds a file by exact path inside a zip archive and returns
// its contents. Path separators are normalised before comparison.
func extractFromZip(data []byte, target string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	target = filepath.ToSlash(target)
	for _, f := range r.File {
		if filepath.ToSlash(f.Name) == target {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("file %q not found in zip; available: %s", target, zipNames(r))
}

func zipNames(r *zip.Reader) string {
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return strings.Join(names, ", ")
}

// extractFromTarGz finds a file by exact path inside a gzipped tarball and
// returns its contents.
func extractFromTarGz(data []byte, target string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := filepath.ToSlash(hdr.Name)
		if name == target && hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
		names = append(names, hdr.Name)
	}
	return nil, fmt.Errorf("file %q not found in tarball; available: %s", target, strings.Join(names, ", "))
}

// installExecutable writes data next to the final path and renames it into
// place, so a crash mid-write never leaves a truncated binary behind.
func installExecutable(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("frps: create temp binary: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("frps: write binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("frps: close binary: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return fmt.Errorf("frps: chmod binary: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("frps: install binary: %w", err)
	}
	ok = true
	return nil
}
