package backup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/update-agent-project/uparun/internal/host"
)

type fixture struct {
	mgr       *Manager
	inventory *host.Dir
	pluginDir string
	themeDir  string
	backupDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		pluginDir: filepath.Join(root, "plugins"),
		themeDir:  filepath.Join(root, "themes"),
		backupDir: filepath.Join(root, "backups"),
	}
	for _, d := range []string{f.pluginDir, f.themeDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	f.inventory = &host.Dir{
		PluginDir:  f.pluginDir,
		ThemeDir:   f.themeDir,
		ActiveFile: filepath.Join(root, "active.json"),
	}
	f.mgr = NewManager(f.backupDir, f.pluginDir, f.themeDir, f.inventory, nil)
	return f
}

func (f *fixture) writePlugin(t *testing.T, slug, name string, active bool) {
	t.Helper()
	dir := filepath.Join(f.pluginDir, slug)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "<?php\n/*\nPlugin Name: " + name + "\nVersion: 1.0.0\n*/\n"
	if err := os.WriteFile(filepath.Join(dir, slug+".php"), []byte(content), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	if active {
		if err := f.inventory.Activate(slug + "/" + slug + ".php"); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
}

func TestBackupCreatesArchiveAndMarkers(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)

	rec, err := f.mgr.Backup(host.KindPlugin, "acme-tools", filepath.Join(f.pluginDir, "acme-tools"))
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if rec.Filename != "acme-tools.zip" || rec.Size == 0 {
		t.Errorf("unexpected record: %+v", rec)
	}

	for _, marker := range []string{"index.html", ".htaccess"} {
		if _, err := os.Stat(filepath.Join(f.backupDir, marker)); err != nil {
			t.Errorf("marker %s missing: %v", marker, err)
		}
	}
}

func TestBackupOverwritesPrevious(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)
	src := filepath.Join(f.pluginDir, "acme-tools")

	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", src); err != nil {
		t.Fatalf("first Backup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "extra.php"), []byte("more"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", src); err != nil {
		t.Fatalf("second Backup: %v", err)
	}

	records, err := f.mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (one backup per slug)", len(records))
	}
}

func TestListInfersKind(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)

	themeDir := filepath.Join(f.themeDir, "aurora")
	if err := os.MkdirAll(themeDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(themeDir, "style.css"), []byte("/*\nTheme Name: Aurora\n*/"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", filepath.Join(f.pluginDir, "acme-tools")); err != nil {
		t.Fatalf("Backup plugin: %v", err)
	}
	if _, err := f.mgr.Backup(host.KindTheme, "aurora", themeDir); err != nil {
		t.Fatalf("Backup theme: %v", err)
	}

	// Delete the live theme so kind inference must peek inside the archive.
	if err := os.RemoveAll(themeDir); err != nil {
		t.Fatalf("remove: %v", err)
	}

	records, err := f.mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	kinds := map[string]host.Kind{}
	for _, r := range records {
		kinds[r.Slug] = r.Kind
	}
	if kinds["acme-tools"] != host.KindPlugin {
		t.Errorf("acme-tools kind = %v", kinds["acme-tools"])
	}
	if kinds["aurora"] != host.KindTheme {
		t.Errorf("aurora kind = %v (archive peek failed)", kinds["aurora"])
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", true)
	live := filepath.Join(f.pluginDir, "acme-tools")

	original, err := os.ReadFile(filepath.Join(live, "acme-tools.php"))
	if err != nil {
		t.Fatalf("read original: %v", err)
	}

	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", live); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Simulate a bad upgrade wiping the live directory.
	if err := os.RemoveAll(live); err != nil {
		t.Fatalf("remove live dir: %v", err)
	}

	if err := f.mgr.Restore("acme-tools.zip"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := os.ReadFile(filepath.Join(live, "acme-tools.php"))
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(restored) != string(original) {
		t.Error("restored content differs from original")
	}

	plugins, err := f.inventory.Plugins()
	if err != nil {
		t.Fatalf("Plugins: %v", err)
	}
	if len(plugins) != 1 || !plugins[0].Active {
		t.Errorf("restored plugin not active: %+v", plugins)
	}
}

func TestRestoreReplacesLiveDirectory(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)
	live := filepath.Join(f.pluginDir, "acme-tools")

	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", live); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Corrupt the live copy after the backup.
	if err := os.WriteFile(filepath.Join(live, "acme-tools.php"), []byte("broken"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := f.mgr.Restore("acme-tools.zip"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(live, "acme-tools.php"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) == "broken" {
		t.Error("live directory not replaced by restore")
	}

	// No trash path left behind.
	entries, _ := os.ReadDir(f.pluginDir)
	for _, e := range entries {
		if e.Name() != "acme-tools" {
			t.Errorf("leftover entry in plugin dir: %s", e.Name())
		}
	}
}

func TestRestoreMissingBackup(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Restore("ghost.zip")
	if !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("err = %v, want ErrBackupNotFound", err)
	}
}

func TestRestoreRejectsTraversalFilename(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Restore("../../etc/passwd.zip")
	if !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("err = %v, want ErrInvalidFilename", err)
	}
}

func TestRestoreCorruptArchiveLeavesLiveIntact(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)
	live := filepath.Join(f.pluginDir, "acme-tools")

	if err := os.MkdirAll(f.backupDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.backupDir, "acme-tools.zip"), []byte("not a zip"), 0644); err != nil {
		t.Fatalf("write corrupt archive: %v", err)
	}

	if err := f.mgr.Restore("acme-tools.zip"); err == nil {
		t.Fatal("Restore of corrupt archive should fail")
	}

	if _, err := os.Stat(filepath.Join(live, "acme-tools.php")); err != nil {
		t.Errorf("live directory touched by failed restore: %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.writePlugin(t, "acme-tools", "Acme Tools", false)

	if _, err := f.mgr.Backup(host.KindPlugin, "acme-tools", filepath.Join(f.pluginDir, "acme-tools")); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := f.mgr.Delete("acme-tools.zip"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.mgr.Delete("acme-tools.zip"); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("second Delete err = %v, want ErrBackupNotFound", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.size); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.size, got, tt.want)
		}
	}
}
