package routine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/update-agent-project/uparun/internal/backup"
	"github.com/update-agent-project/uparun/internal/config"
	"github.com/update-agent-project/uparun/internal/feed"
	"github.com/update-agent-project/uparun/internal/host"
	"github.com/update-agent-project/uparun/internal/injector"
	"github.com/update-agent-project/uparun/internal/installer"
	"github.com/update-agent-project/uparun/internal/storage"
)

type env struct {
	orch    *Orchestrator
	cfg     *config.Config
	store   *storage.DB
	master  *masterStub
	plugins string
}

// masterStub records sync posts and serves a canned poll response.
type masterStub struct {
	server   *httptest.Server
	synced   []*Report
	syncResp string
	pollResp string
}

func newMasterStub(t *testing.T) *masterStub {
	t.Helper()
	m := &masterStub{syncResp: `{"success": true}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		var report Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			t.Errorf("bad sync body: %v", err)
		}
		m.synced = append(m.synced, &report)
		_, _ = w.Write([]byte(m.syncResp))
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		if m.pollResp == "" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(m.pollResp))
	})
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// newEnv builds a full pipeline over temp directories with one
// installed plugin at version 1.5.0 and a feed offering 2.0.0.
func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()

	pluginDir := filepath.Join(root, "plugins")
	themeDir := filepath.Join(root, "themes")
	langDir := filepath.Join(root, "languages")
	for _, d := range []string{pluginDir, themeDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	// Installed plugin.
	liveDir := filepath.Join(pluginDir, "acme-tools")
	if err := os.MkdirAll(liveDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	header := "<?php\n/*\nPlugin Name: Acme Tools\nVersion: 1.5.0\n*/\n"
	if err := os.WriteFile(filepath.Join(liveDir, "acme-tools.php"), []byte(header), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	// Update package archive.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("acme-tools/acme-tools.php")
	_, _ = w.Write([]byte("<?php\n/*\nPlugin Name: Acme Tools\nVersion: 2.0.0\n*/\n"))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip: %v", err)
	}
	archive := buf.Bytes()

	mux := http.NewServeMux()
	mux.HandleFunc("/feed/plugins.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"slug": "acme-tools", "version": "2.0.0", "download_url": "` +
			"http://" + r.Host + `/pkg/acme.zip"}]`))
	})
	mux.HandleFunc("/pkg/acme.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	fileServer := httptest.NewServer(mux)
	t.Cleanup(fileServer.Close)

	master := newMasterStub(t)

	cfg := &config.Config{}
	cfg.Agent.Active = true
	cfg.Agent.SiteURL = "https://site.example"
	cfg.Agent.SiteName = "Example Site"
	cfg.Agent.MasterURL = master.server.URL
	cfg.Agent.Token = "shared-secret"
	cfg.Feeds.PluginsURL = fileServer.URL + "/feed/plugins.json"
	cfg.Paths.PluginDir = pluginDir
	cfg.Paths.ThemeDir = themeDir
	cfg.Paths.LangDir = langDir
	cfg.Paths.BackupDir = filepath.Join(root, "backups")

	inventory := &host.Dir{
		PluginDir:        pluginDir,
		ThemeDir:         themeDir,
		ActiveFile:       filepath.Join(root, "active.json"),
		TranslationsFile: filepath.Join(root, "translations.json"),
	}
	fetcher := host.NewHTTPFetcher(filepath.Join(root, "work"))
	extractor := host.ZipExtractor{}
	backups := backup.NewManager(cfg.Paths.BackupDir, pluginDir, themeDir, inventory, nil)
	inst := installer.New(fetcher, extractor, pluginDir, themeDir,
		installer.WithBackup(func(kind host.Kind, slug, src string) error {
			_, err := backups.Backup(kind, slug, src)
			return err
		}))

	db, err := storage.InitDB(storage.Config{DatabasePath: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	masterClient := NewMasterClient(master.server.URL, cfg.Agent.Token, cfg.Agent.SiteURL, nil)
	orch := New(cfg, feed.NewClient(), injector.New(nil), inst, backups,
		inventory, fetcher, extractor, db, nil, masterClient, "1.0.0", nil)

	return &env{orch: orch, cfg: cfg, store: db, master: master, plugins: pluginDir}
}

func TestRunInstallsPrivateRepoUpdate(t *testing.T) {
	e := newEnv(t)

	result, err := e.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("got %d items, want 1: %+v", len(result.Items), result.Items)
	}
	item := result.Items[0]
	if !item.Success || item.Origin != injector.OriginPrivateRepo || item.NewVersion != "2.0.0" {
		t.Errorf("unexpected item: %+v", item)
	}

	// New version on disk.
	data, err := os.ReadFile(filepath.Join(e.plugins, "acme-tools", "acme-tools.php"))
	if err != nil {
		t.Fatalf("read installed plugin: %v", err)
	}
	if !bytes.Contains(data, []byte("Version: 2.0.0")) {
		t.Error("plugin not upgraded on disk")
	}

	// Pre-install backup exists and report reflects state.
	if _, err := os.Stat(filepath.Join(e.cfg.Paths.BackupDir, "acme-tools.zip")); err != nil {
		t.Errorf("pre-install backup missing: %v", err)
	}
	if result.Report == nil || len(result.Report.Backups) != 1 {
		t.Errorf("report missing backup inventory: %+v", result.Report)
	}
}

func TestRunSyncPushesReportAndPersistsInjected(t *testing.T) {
	e := newEnv(t)
	e.master.syncResp = `{
		"success": true,
		"config": {"scan_interval": "30m"},
		"injected_updates_plugins": {
			"acme-tools/acme-tools.php": {"new_version": "3.0.0", "package_url": "https://master/acme.zip"}
		}
	}`

	_, err := e.orch.Run(context.Background(), Options{Sync: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(e.master.synced) != 1 {
		t.Fatalf("master received %d reports, want 1", len(e.master.synced))
	}
	report := e.master.synced[0]
	if report.SiteURL != "https://site.example" || report.AgentVersion != "1.0.0" {
		t.Errorf("unexpected report: %+v", report)
	}

	var injected map[string]InjectedUpdateSpec
	if err := e.store.GetSettingJSON(storage.KeyInjectedPlugins, &injected); err != nil {
		t.Fatalf("injected updates not persisted: %v", err)
	}
	if injected["acme-tools/acme-tools.php"].NewVersion != "3.0.0" {
		t.Errorf("unexpected injected updates: %+v", injected)
	}
	if _, err := e.store.GetSetting(storage.KeyLastSync); err != nil {
		t.Errorf("last sync not recorded: %v", err)
	}
}

func TestHandlePollUpdateRequested(t *testing.T) {
	e := newEnv(t)
	e.master.pollResp = `{"update_requested": true, "update_options": {"clear_cache": true}}`

	result, err := e.orch.HandlePoll(context.Background())
	if err != nil {
		t.Fatalf("HandlePoll: %v", err)
	}
	if len(result.Items) != 1 || !result.Items[0].Success {
		t.Errorf("poll-triggered update did not run: %+v", result.Items)
	}
	if len(e.master.synced) != 1 {
		t.Errorf("poll-triggered update did not sync back")
	}
}

func TestHandlePollPushRequested(t *testing.T) {
	e := newEnv(t)
	e.master.pollResp = `{"push_requested": true}`

	result, err := e.orch.HandlePoll(context.Background())
	if err != nil {
		t.Fatalf("HandlePoll: %v", err)
	}
	if result.Report == nil {
		t.Error("push did not build a report")
	}
	if len(e.master.synced) != 1 {
		t.Error("push did not reach master")
	}
	// Push alone must not install anything.
	if len(result.Items) != 0 {
		t.Errorf("push installed items: %+v", result.Items)
	}
}

func TestCachedReport(t *testing.T) {
	e := newEnv(t)

	first, err := e.orch.BuildReport(context.Background())
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	cached, err := e.orch.CachedReport(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("CachedReport: %v", err)
	}
	if !cached.GeneratedAt.Equal(first.GeneratedAt) {
		t.Error("fresh snapshot not served from cache")
	}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte("body"), 1700000000, "secret")
	if sig != Sign([]byte("body"), 1700000000, "secret") {
		t.Error("signature not deterministic")
	}
	if sig == Sign([]byte("bodyX"), 1700000000, "secret") {
		t.Error("body tamper did not change signature")
	}
	if sig == Sign([]byte("body"), 1700000001, "secret") {
		t.Error("timestamp change did not change signature")
	}
	if sig == Sign([]byte("body"), 1700000000, "other") {
		t.Error("key change did not change signature")
	}
}
