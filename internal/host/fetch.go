package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DownloadTimeout is the default timeout for package downloads.
// Packages can be large, so this is generous.
const DownloadTimeout = 300 * time.Second

// HTTPFetcher downloads package URLs to temporary files under Dir.
type HTTPFetcher struct {
	Client *http.Client
	// Dir receives the temporary download files; os.TempDir when empty.
	Dir string
}

// NewHTTPFetcher returns a fetcher with the default download timeout.
func NewHTTPFetcher(dir string) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Timeout: DownloadTimeout},
		Dir:    dir,
	}
}

// Download fetches url into a temporary file and returns its path. The
// caller owns the file and removes it when done. No partial file is
// left behind on failure.
func (f *HTTPFetcher) Download(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("download url cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DownloadTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: bad status: %s", url, resp.Status)
	}

	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	out, err := os.CreateTemp(dir, "uparun-download-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to save download %s: %w", url, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to close download file: %w", err)
	}
	return out.Name(), nil
}
