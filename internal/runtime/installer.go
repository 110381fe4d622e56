package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/store"
)

// RecommendedVersion is the agentd release this build of Berth ships
// against. checkForUpdate compares the installed version to this; querying
// a live release index is the UI's concern.
const RecommendedVersion = "0.9.4"

// DefaultDownloadBaseURL is the release host for agentd binaries.
const DefaultDownloadBaseURL = "https://releases.berth.dev/agentd"

const downloadTimeout = 5 * time.Minute

// Progress reports download progress in bytes. total is -1 when the server
// does not announce a content length.
type Progress func(written, total int64)

// UpdateInfo is the result of an update check.
type UpdateInfo struct {
	HasUpdate      bool
	CurrentVersion string
	LatestVersion  string
}

// Installer downloads and versions the agentd binary under ~/.berth/bin.
type Installer struct {
	paths   config.Paths
	store   *store.Store
	client  *http.Client
	baseURL string
}

// NewInstaller creates an Installer rooted at the given paths.
func NewInstaller(paths config.Paths, st *store.Store) *Installer {
	return &Installer{
		paths:   paths,
		store:   st,
		client:  &http.Client{}, // follows redirects by default
		baseURL: DefaultDownloadBaseURL,
	}
}

// Installed reports whether the agentd binary exists on disk.
func (in *Installer) Installed() bool {
	info, err := os.Stat(in.paths.RuntimeBinaryPath())
	return err == nil && !info.IsDir()
}

// InstalledVersion returns the persisted version of the installed binary,
// or empty when none is recorded.
func (in *Installer) InstalledVersion(ctx context.Context) string {
	v, err := in.store.Setting(ctx, store.SettingRuntimeVersion)
	if err != nil {
		return ""
	}
	return v
}

// CheckForUpdate compares the installed version against the recommended one.
func (in *Installer) CheckForUpdate(ctx context.Context) UpdateInfo {
	current := in.InstalledVersion(ctx)
	return UpdateInfo{
		HasUpdate:      current != RecommendedVersion,
		CurrentVersion: current,
		LatestVersion:  RecommendedVersion,
	}
}

// Install downloads the given agentd version (RecommendedVersion when
// empty), replacing any existing binary atomically. The binary is streamed
// to a temp file in the destination directory so the rename never crosses
// filesystems; on any failure the temp file is removed and the previous
// binary stays untouched.
func (in *Installer) Install(ctx context.Context, version string, progress Progress) error {
	if version == "" {
		version = RecommendedVersion
	}

	url, err := downloadURL(in.baseURL, version, goruntime.GOOS, goruntime.GOARCH)
	if err != nil {
		return err
	}

	destPath := in.paths.RuntimeBinaryPath()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("runtime: create bin directory: %w", err)
	}

	log.Printf("[Runtime] Downloading agentd v%s for %s/%s", version, goruntime.GOOS, goruntime.GOARCH)

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("runtime: create download request: %w", err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime: download agentd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime: download agentd: HTTP %d from %s", resp.StatusCode, url)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".agentd.download.*")
	if err != nil {
		return fmt.Errorf("runtime: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}

	total := resp.ContentLength
	writer := io.Writer(tmpFile)
	if progress != nil {
		writer = io.MultiWriter(tmpFile, &progressWriter{total: total, report: progress})
	}
	if _, err := io.Copy(writer, resp.Body); err != nil {
		cleanup()
		return fmt.Errorf("runtime: stream download: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runtime: close temp file: %w", err)
	}

	if goruntime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0o755); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("runtime: chmod binary: %w", err)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runtime: install binary: %w", err)
	}

	if err := in.store.SetSetting(ctx, store.SettingRuntimeVersion, version); err != nil {
		return fmt.Errorf("runtime: persist installed version: %w", err)
	}

	log.Printf("[Runtime] agentd v%s installed to %s", version, destPath)
	return nil
}

// downloadURL resolves the platform/arch-specific release artifact URL,
// e.g. https://releases.berth.dev/agentd/v0.9.4/agentd-darwin-arm64.
func downloadURL(baseURL, version, goos, goarch string) (string, error) {
	switch goos {
	case "darwin", "linux", "windows":
	default:
		return "", fmt.Errorf("runtime: unsupported OS: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("runtime: unsupported architecture: %s", goarch)
	}

	name := fmt.Sprintf("agentd-%s-%s", goos, goarch)
	if goos == "windows" {
		name += ".exe"
	}
	return fmt.Sprintf("%s/v%s/%s", baseURL, version, name), nil
}

type progressWriter struct {
	total   int64
	written int64
	report  Progress
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.written += int64(len(p))
	pw.report(pw.written, pw.total)
	return len(p), nil
}
