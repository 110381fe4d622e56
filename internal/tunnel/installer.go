package tunnel

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
)

// DefaultDownloadBaseURL is the cloudflared release host.
const DefaultDownloadBaseURL = "https://github.com/cloudflare/cloudflared/releases/latest/download"

const downloadTimeout = 5 * time.Minute

// installer downloads cloudflared on first use, with the same
// write-temp-then-rename discipline as the runtime installer.
type installer struct {
	paths   config.Paths
	client  *http.Client
	baseURL string
}

func newInstaller(paths config.Paths) *installer {
	return &installer{
		paths:   paths,
		client:  &http.Client{},
		baseURL: DefaultDownloadBaseURL,
	}
}

// ensureInstalled returns the cloudflared binary path, downloading it if
// absent.
func (in *installer) ensureInstalled(ctx context.Context) (string, error) {
	binPath := in.paths.TunnelBinaryPath()
	if info, err := os.Stat(binPath); err == nil && !info.IsDir() {
		return binPath, nil
	}

	url, err := downloadURL(in.baseURL, goruntime.GOOS, goruntime.GOARCH)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return "", fmt.Errorf("tunnel: create bin directory: %w", err)
	}

	log.Printf("[Tunnel] Downloading cloudflared for %s/%s", goruntime.GOOS, goruntime.GOARCH)

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("tunnel: create download request: %w", err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tunnel: download cloudflared: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tunnel: download cloudflared: HTTP %d from %s", resp.StatusCode, url)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(binPath), ".cloudflared.download.*")
	if err != nil {
		return "", fmt.Errorf("tunnel: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("tunnel: stream download: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("tunnel: close temp file: %w", err)
	}

	if goruntime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0o755); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("tunnel: chmod binary: %w", err)
		}
	}

	if err := os.Rename(tmpPath, binPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("tunnel: install binary: %w", err)
	}

	log.Printf("[Tunnel] cloudflared installed to %s", binPath)
	return binPath, nil
}

func downloadURL(baseURL, goos, goarch string) (string, error) {
	switch goos {
	case "darwin", "linux":
	case "windows":
		return fmt.Sprintf("%s/cloudflared-windows-%s.exe", baseURL, goarch), nil
	default:
		return "", fmt.Errorf("tunnel: unsupported OS: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("tunnel: unsupported architecture: %s", goarch)
	}
	return fmt.Sprintf("%s/cloudflared-%s-%s", baseURL, goos, goarch), nil
}
