// Package installer performs the download, extract, swap and verify
// sequence for a single artifact, with rename-aside rollback.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/update-agent-project/uparun/internal/host"
)

var (
	// ErrNoArtifactRoot is returned when the extracted archive
	// contains nothing that looks like the artifact.
	ErrNoArtifactRoot = errors.New("no artifact root found in archive")
	// ErrVerifyFailed is returned when the swapped-in directory is
	// missing its entry file; the original is rolled back.
	ErrVerifyFailed = errors.New("installed artifact failed verification")
	// ErrChecksumMismatch is returned when the downloaded archive does
	// not match the manifest checksum.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
)

// Verifier checks a downloaded archive against a detached signature.
// Wired to the PGP keyring when signature verification is configured.
type Verifier interface {
	VerifyFile(ctx context.Context, path, signatureURL string) error
}

// Scanner checks a downloaded archive for malware before extraction.
type Scanner interface {
	ScanFile(ctx context.Context, path string) error
}

// BackupFunc archives the live directory before it is touched.
type BackupFunc func(kind host.Kind, slug, sourceDir string) error

// Request describes one install.
type Request struct {
	Identifier   string
	Slug         string
	DisplayName  string
	Kind         host.Kind
	PackageURL   string
	Checksum     string
	SignatureURL string
}

// Installer executes install requests.
type Installer struct {
	fetcher   host.Fetcher
	extractor host.Extractor
	pluginDir string
	themeDir  string
	backup    BackupFunc
	verifier  Verifier
	scanner   Scanner
	log       *slog.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithBackup registers the pre-install backup hook.
func WithBackup(fn BackupFunc) Option {
	return func(i *Installer) { i.backup = fn }
}

// WithVerifier enables detached-signature verification of downloaded
// archives that carry a signature URL.
func WithVerifier(v Verifier) Option {
	return func(i *Installer) { i.verifier = v }
}

// WithScanner enables malware scanning of downloaded archives before
// they are extracted.
func WithScanner(s Scanner) Option {
	return func(i *Installer) { i.scanner = s }
}

// WithLogger sets the installer logger.
func WithLogger(log *slog.Logger) Option {
	return func(i *Installer) { i.log = log }
}

// New creates an Installer.
func New(fetcher host.Fetcher, extractor host.Extractor, pluginDir, themeDir string, opts ...Option) *Installer {
	i := &Installer{
		fetcher:   fetcher,
		extractor: extractor,
		pluginDir: pluginDir,
		themeDir:  themeDir,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install downloads, verifies and swaps in the package. The previous
// live directory is renamed aside before the swap and restored if the
// new content fails verification, so the site is never left without
// the artifact.
func (i *Installer) Install(ctx context.Context, req Request) error {
	if req.PackageURL == "" {
		return errors.New("request has no package URL")
	}

	archive, err := i.fetcher.Download(ctx, req.PackageURL)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.Remove(archive)

	if req.Checksum != "" {
		if err := verifyChecksum(archive, req.Checksum); err != nil {
			return err
		}
	}
	if i.verifier != nil && req.SignatureURL != "" {
		if err := i.verifier.VerifyFile(ctx, archive, req.SignatureURL); err != nil {
			return fmt.Errorf("signature verification failed: %w", err)
		}
	}
	if i.scanner != nil {
		if err := i.scanner.ScanFile(ctx, archive); err != nil {
			return fmt.Errorf("malware scan failed: %w", err)
		}
	}

	scratch, err := os.MkdirTemp("", "uparun-install-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := i.extractor.Extract(archive, scratch); err != nil {
		return fmt.Errorf("extract failed: %w", err)
	}

	root, entryFile, err := locateRoot(scratch, req)
	if err != nil {
		return err
	}

	liveDir := filepath.Join(i.liveRoot(req.Kind), req.Slug)

	if i.backup != nil {
		if _, statErr := os.Stat(liveDir); statErr == nil {
			if err := i.backup(req.Kind, req.Slug, liveDir); err != nil {
				return fmt.Errorf("pre-install backup failed: %w", err)
			}
		}
	}

	aside := ""
	if _, err := os.Stat(liveDir); err == nil {
		aside = liveDir + ".old-" + time.Now().Format("20060102-150405")
		if err := os.Rename(liveDir, aside); err != nil {
			return fmt.Errorf("failed to set aside live directory: %w", err)
		}
	}

	if err := host.MoveDir(root, liveDir); err != nil {
		i.rollback(liveDir, aside, req.Slug)
		return fmt.Errorf("failed to move new content into place: %w", err)
	}

	if err := i.verify(liveDir, entryFile); err != nil {
		i.rollback(liveDir, aside, req.Slug)
		return err
	}

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			i.log.Warn("failed to remove set-aside directory", "path", aside, "error", err)
		}
	}

	i.log.Info("installed package", "identifier", req.Identifier, "slug", req.Slug, "kind", req.Kind)
	return nil
}

// rollback removes whatever partial content landed at liveDir and
// renames the set-aside original back into place.
func (i *Installer) rollback(liveDir, aside, slug string) {
	if err := os.RemoveAll(liveDir); err != nil {
		i.log.Error("rollback could not remove partial content", "path", liveDir, "error", err)
	}
	if aside == "" {
		return
	}
	if err := os.Rename(aside, liveDir); err != nil {
		i.log.Error("rollback could not restore original directory",
			"slug", slug, "aside", aside, "error", err)
		return
	}
	i.log.Warn("install rolled back", "slug", slug)
}

// verify checks the swapped-in directory contains the expected entry
// file.
func (i *Installer) verify(liveDir, entryFile string) error {
	if _, err := os.Stat(liveDir); err != nil {
		return fmt.Errorf("%w: target missing", ErrVerifyFailed)
	}
	if entryFile != "" {
		if _, err := os.Stat(filepath.Join(liveDir, entryFile)); err != nil {
			return fmt.Errorf("%w: entry file %s missing", ErrVerifyFailed, entryFile)
		}
	}
	return nil
}

func (i *Installer) liveRoot(kind host.Kind) string {
	if kind == host.KindTheme {
		return i.themeDir
	}
	return i.pluginDir
}

// locateRoot finds the artifact root inside the extracted tree.
// Archives vary in whether they wrap content in a version-suffixed
// folder, so the scan prefers a directory whose declaration file
// states the expected display name, then falls back to the first
// directory, then to a loose file matching the expected basename.
func locateRoot(scratch string, req Request) (root, entryFile string, err error) {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return "", "", fmt.Errorf("failed to read extraction: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(scratch, e.Name()))
		}
	}

	// Files at the top level mean a flat archive.
	if len(dirs) == 0 {
		for _, e := range entries {
			if !e.IsDir() {
				return scratch, "", nil
			}
		}
		return "", "", ErrNoArtifactRoot
	}

	if req.DisplayName != "" {
		for _, dir := range dirs {
			if entry := declarationEntry(dir, req.Kind, req.DisplayName); entry != "" {
				return dir, entry, nil
			}
		}
	}

	// Fall back to a directory matching the slug, then the first one.
	for _, dir := range dirs {
		if filepath.Base(dir) == req.Slug {
			return dir, "", nil
		}
	}
	return dirs[0], "", nil
}

// declarationEntry returns the relative entry file inside dir whose
// declared name matches, or empty.
func declarationEntry(dir string, kind host.Kind, displayName string) string {
	if kind == host.KindTheme {
		style := filepath.Join(dir, "style.css")
		if host.DeclaredName(style) == displayName {
			return "style.css"
		}
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".php") {
			continue
		}
		if host.DeclaredName(filepath.Join(dir, e.Name())) == displayName {
			return e.Name()
		}
	}
	return ""
}

// verifyChecksum compares the file's sha256 against the expected hex
// digest.
func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash archive: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: got %s", ErrChecksumMismatch, got)
	}
	return nil
}

// FixExtractedRoot renames an extraction result to the expected
// slug-named folder. Some upstream archives extract with a
// version-suffixed top folder; the rename chain falls back to
// delete-target-and-retry, then to copy plus delete.
func FixExtractedRoot(extracted, expected string) error {
	if extracted == expected {
		return nil
	}
	if err := os.Rename(extracted, expected); err == nil {
		return nil
	}
	if err := os.RemoveAll(expected); err != nil {
		return fmt.Errorf("failed to clear rename target: %w", err)
	}
	if err := os.Rename(extracted, expected); err == nil {
		return nil
	}
	if err := host.CopyDir(extracted, expected); err != nil {
		return fmt.Errorf("failed to copy extraction into place: %w", err)
	}
	if err := os.RemoveAll(extracted); err != nil {
		return fmt.Errorf("failed to remove extraction source: %w", err)
	}
	return nil
}
