// Package backup snapshots installed artifacts into per-slug zip
// archives and restores them through a staged, rollback-safe swap.
package backup

import (
	"archive/zip"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/update-agent-project/uparun/internal/host"
)

var (
	// ErrBackupNotFound is returned when a named backup archive does
	// not exist.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrInvalidFilename rejects restore/delete requests whose
	// filename escapes the backup directory.
	ErrInvalidFilename = errors.New("invalid backup filename")
)

// Record describes one backup archive. One backup exists per slug;
// creating a new one overwrites the previous.
type Record struct {
	Filename  string    `json:"filename"`
	Slug      string    `json:"slug"`
	Kind      host.Kind `json:"kind"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the backup directory.
type Manager struct {
	backupDir string
	pluginDir string
	themeDir  string
	inventory host.Inventory
	log       *slog.Logger
}

// NewManager creates a backup manager. The backup directory is created
// on first use, together with access-denial marker files.
func NewManager(backupDir, pluginDir, themeDir string, inv host.Inventory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backupDir: backupDir,
		pluginDir: pluginDir,
		themeDir:  themeDir,
		inventory: inv,
		log:       log,
	}
}

// ensureDir creates the backup directory and writes the deny markers
// the first time through.
func (m *Manager) ensureDir() error {
	if _, err := os.Stat(m.backupDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(m.backupDir, 0750); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	markers := map[string]string{
		"index.html": "",
		".htaccess":  "Deny from all\n",
	}
	for name, content := range markers {
		path := filepath.Join(m.backupDir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write marker %s: %w", name, err)
		}
	}
	return nil
}

// Backup archives sourceDir into <slug>.zip, replacing any previous
// backup for the slug. Called immediately before an install touches
// the slug's live files.
func (m *Manager) Backup(kind host.Kind, slug, sourceDir string) (Record, error) {
	if err := m.ensureDir(); err != nil {
		return Record{}, err
	}
	if _, err := os.Stat(sourceDir); err != nil {
		return Record{}, fmt.Errorf("backup source missing: %w", err)
	}

	dst := filepath.Join(m.backupDir, slug+".zip")
	tmp := dst + ".tmp"
	if err := host.ZipDir(sourceDir, tmp); err != nil {
		os.Remove(tmp)
		return Record{}, fmt.Errorf("failed to archive %s: %w", slug, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return Record{}, fmt.Errorf("failed to finalize backup: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat backup: %w", err)
	}

	m.log.Info("created backup", "slug", slug, "kind", kind, "size", info.Size())
	return Record{
		Filename:  filepath.Base(dst),
		Slug:      slug,
		Kind:      kind,
		Size:      info.Size(),
		SizeHuman: formatBytes(info.Size()),
		CreatedAt: info.ModTime(),
	}, nil
}

// List enumerates the backup directory. Kind is inferred from the
// currently installed artifacts, falling back to peeking inside the
// archive for a theme stylesheet.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		slug := strings.TrimSuffix(e.Name(), ".zip")
		records = append(records, Record{
			Filename:  e.Name(),
			Slug:      slug,
			Kind:      m.inferKind(slug, filepath.Join(m.backupDir, e.Name())),
			Size:      info.Size(),
			SizeHuman: formatBytes(info.Size()),
			CreatedAt: info.ModTime(),
		})
	}
	return records, nil
}

func (m *Manager) inferKind(slug, archivePath string) host.Kind {
	if _, err := os.Stat(filepath.Join(m.pluginDir, slug)); err == nil {
		return host.KindPlugin
	}
	if _, err := os.Stat(filepath.Join(m.themeDir, slug)); err == nil {
		return host.KindTheme
	}
	if archiveHasStylesheet(archivePath) {
		return host.KindTheme
	}
	return host.KindPlugin
}

// archiveHasStylesheet reports whether the archive contains a
// top-level or once-nested style.css.
func archiveHasStylesheet(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()
	for _, f := range r.File {
		name := filepath.ToSlash(f.Name)
		if name == "style.css" || strings.Count(name, "/") == 1 && strings.HasSuffix(name, "/style.css") {
			return true
		}
	}
	return false
}

// Restore extracts the named backup over the artifact's live
// directory. The archive is fully extracted and validated in a
// staging directory first; the live directory is renamed aside to a
// timestamped trash path rather than deleted, and only purged once
// the staged content is confirmed in place. A failed move renames the
// trash path back.
func (m *Manager) Restore(filename string) error {
	archive, slug, err := m.archivePath(filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(archive); err != nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, filename)
	}

	kind := m.inferKind(slug, archive)
	liveDir := filepath.Join(m.liveRoot(kind), slug)

	wasActive, identifier, displayName := m.activeState(kind, slug)

	staging, err := os.MkdirTemp("", "uparun-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := (host.ZipExtractor{}).Extract(archive, staging); err != nil {
		return fmt.Errorf("failed to extract backup: %w", err)
	}

	root, err := normalizeRoot(staging)
	if err != nil {
		return err
	}

	trash := ""
	if _, err := os.Stat(liveDir); err == nil {
		trash = liveDir + ".trash-" + time.Now().Format("20060102-150405")
		if err := os.Rename(liveDir, trash); err != nil {
			return fmt.Errorf("failed to set aside live directory: %w", err)
		}
	}

	if err := host.MoveDir(root, liveDir); err != nil {
		if trash != "" {
			if rbErr := os.Rename(trash, liveDir); rbErr != nil {
				m.log.Error("restore left artifact without live files",
					"slug", slug, "trash", trash, "error", rbErr)
				return fmt.Errorf("restore failed and rollback failed: %v (original at %s): %w", err, trash, rbErr)
			}
		}
		return fmt.Errorf("failed to move restored content into place: %w", err)
	}

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			m.log.Warn("failed to purge trash path after restore", "path", trash, "error", err)
		}
	}

	if wasActive {
		m.reactivate(liveDir, identifier, displayName)
	}

	m.log.Info("restored backup", "slug", slug, "kind", kind)
	return nil
}

// activeState captures whether the slug's plugin was active before the
// restore, plus the handles needed to reactivate it afterwards.
func (m *Manager) activeState(kind host.Kind, slug string) (active bool, identifier, displayName string) {
	if kind != host.KindPlugin || m.inventory == nil {
		return false, "", ""
	}
	plugins, err := m.inventory.Plugins()
	if err != nil {
		return false, "", ""
	}
	for _, p := range plugins {
		if p.Directory == slug {
			return p.Active, p.Identifier, p.Name
		}
	}
	return false, "", ""
}

// reactivate re-enables a restored plugin, trying the original
// identifier first and falling back to scanning the restored
// directory for a declaration file with the same display name. Errors
// are swallowed; reactivation failure never fails the restore.
func (m *Manager) reactivate(liveDir, identifier, displayName string) {
	if m.inventory == nil {
		return
	}
	if identifier != "" {
		if err := m.inventory.Activate(identifier); err == nil {
			return
		}
	}
	if displayName == "" {
		return
	}
	entries, err := os.ReadDir(liveDir)
	if err != nil {
		return
	}
	slug := filepath.Base(liveDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".php") {
			continue
		}
		if host.DeclaredName(filepath.Join(liveDir, e.Name())) == displayName {
			id := slug + "/" + e.Name()
			if err := m.inventory.Activate(id); err != nil {
				m.log.Warn("failed to reactivate restored plugin", "identifier", id, "error", err)
			}
			return
		}
	}
}

// Delete removes a backup archive.
func (m *Manager) Delete(filename string) error {
	archive, _, err := m.archivePath(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(archive); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, filename)
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	m.log.Info("deleted backup", "filename", filename)
	return nil
}

// DeleteForArtifact removes the backup belonging to a slug, if any.
// Called when the live artifact itself is deleted so orphaned backups
// don't accumulate.
func (m *Manager) DeleteForArtifact(slug string) {
	if err := m.Delete(slug + ".zip"); err != nil && !errors.Is(err, ErrBackupNotFound) {
		m.log.Warn("failed to delete orphaned backup", "slug", slug, "error", err)
	}
}

// archivePath validates the filename and returns the archive path and
// its slug.
func (m *Manager) archivePath(filename string) (path, slug string, err error) {
	if filename == "" || filename != filepath.Base(filename) || !strings.HasSuffix(filename, ".zip") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return filepath.Join(m.backupDir, filename), strings.TrimSuffix(filename, ".zip"), nil
}

func (m *Manager) liveRoot(kind host.Kind) string {
	if kind == host.KindTheme {
		return m.themeDir
	}
	return m.pluginDir
}

// normalizeRoot resolves the staged extraction to the directory that
// should become the live directory. A flat archive (files at top
// level) uses the staging dir itself; a nested archive (single
// wrapping directory) uses that directory.
func normalizeRoot(staging string) (string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", fmt.Errorf("failed to read staging directory: %w", err)
	}
	if len(entries) == 0 {
		return "", errors.New("backup archive is empty")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), nil
	}
	return staging, nil
}

// formatBytes renders a size in binary units for listings.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
