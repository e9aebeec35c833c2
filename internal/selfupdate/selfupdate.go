// Package selfupdate keeps the agent binary current from its GitHub
// releases. The check runs as the first step of every update routine;
// failures are logged and skipped, never fatal.
package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/update-agent-project/uparun/internal/version"
)

// Sentinel errors for self-update operations.
var (
	ErrInvalidRepo    = errors.New("repository must be in format 'owner/repo'")
	ErrNoRelease      = errors.New("no release found")
	ErrAssetNotFound  = errors.New("release asset not found")
	ErrAlreadyCurrent = errors.New("already running the latest version")
)

// Release describes an available agent release.
type Release struct {
	Version  string
	AssetURL string
	AssetID  int64
}

// Updater checks and applies agent self-updates.
type Updater struct {
	client         *github.Client
	owner, repo    string
	currentVersion string
	assetName      string
	httpClient     *http.Client
	log            *slog.Logger
}

// New creates an Updater for the agent repository. Token may be empty
// for public repositories.
func New(token, repository, currentVersion, assetName string, log *slog.Logger) (*Updater, error) {
	owner, repo, err := parseRepository(repository)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if assetName == "" {
		assetName = DefaultAssetName()
	}

	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &Updater{
		client:         client,
		owner:          owner,
		repo:           repo,
		currentVersion: currentVersion,
		assetName:      assetName,
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
		log:            log,
	}, nil
}

// WithGitHubClient swaps the underlying API client, used by tests to
// point at a local server.
func (u *Updater) WithGitHubClient(client *github.Client) *Updater {
	u.client = client
	return u
}

// Check returns the latest release newer than the running build, or
// ErrAlreadyCurrent.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	release, resp, err := u.client.Repositories.GetLatestRelease(ctx, u.owner, u.repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNoRelease
		}
		return nil, fmt.Errorf("failed to get latest release: %w", err)
	}

	tag := strings.TrimPrefix(release.GetTagName(), "v")
	if tag == "" {
		return nil, ErrNoRelease
	}
	if version.Compare(u.currentVersion, tag) >= 0 {
		return nil, ErrAlreadyCurrent
	}

	for _, asset := range release.Assets {
		if asset.GetName() == u.assetName {
			return &Release{
				Version:  tag,
				AssetURL: asset.GetBrowserDownloadURL(),
				AssetID:  asset.GetID(),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in release %s", ErrAssetNotFound, u.assetName, tag)
}

// Apply downloads the release asset and swaps it over the running
// binary. The old binary is renamed aside first and restored if the
// swap fails.
func (u *Updater) Apply(ctx context.Context, release *Release) error {
	if release == nil || release.AssetURL == "" {
		return errors.New("release has no asset URL")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate running binary: %w", err)
	}

	tmp, err := u.download(ctx, release.AssetURL, exe)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	aside := exe + ".old"
	if err := os.Rename(exe, aside); err != nil {
		return fmt.Errorf("failed to set aside current binary: %w", err)
	}
	if err := os.Rename(tmp, exe); err != nil {
		if rbErr := os.Rename(aside, exe); rbErr != nil {
			return fmt.Errorf("self-update failed and rollback failed: %v: %w", err, rbErr)
		}
		return fmt.Errorf("failed to install new binary: %w", err)
	}
	if err := os.Remove(aside); err != nil {
		u.log.Warn("failed to remove old binary", "path", aside, "error", err)
	}

	u.log.Info("agent self-updated", "version", release.Version)
	return nil
}

// download writes the asset next to the target binary so the final
// rename stays on one filesystem.
func (u *Updater) download(ctx context.Context, url, exe string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download release asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asset download returned status %d", resp.StatusCode)
	}

	tmp := exe + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create temp binary: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write temp binary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close temp binary: %w", err)
	}
	return tmp, nil
}

func parseRepository(repository string) (owner, repo string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repository)
	}
	return parts[0], parts[1], nil
}
