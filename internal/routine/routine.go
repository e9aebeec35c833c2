// Package routine orchestrates the end-to-end update run: cache
// refresh, candidate resolution, plugin/theme/translation installs and
// the report push to the master. Stages run sequentially; a stage
// failure terminates the run but already-applied stages are not rolled
// back, only reported.
package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/update-agent-project/uparun/internal/backup"
	"github.com/update-agent-project/uparun/internal/config"
	"github.com/update-agent-project/uparun/internal/feed"
	"github.com/update-agent-project/uparun/internal/host"
	"github.com/update-agent-project/uparun/internal/injector"
	"github.com/update-agent-project/uparun/internal/installer"
	"github.com/update-agent-project/uparun/internal/resolver"
	"github.com/update-agent-project/uparun/internal/selfupdate"
	"github.com/update-agent-project/uparun/internal/storage"
)

// Stage names the phases of one routine run.
type Stage string

const (
	StageIdle                   Stage = "idle"
	StageSelfUpdate             Stage = "self-update"
	StageClearingCache          Stage = "clearing-cache"
	StageResolvingUpdates       Stage = "resolving-updates"
	StageInstallingPlugins      Stage = "installing-plugins"
	StageInstallingThemes       Stage = "installing-themes"
	StageInstallingTranslations Stage = "installing-translations"
	StageSyncing                Stage = "syncing"
)

// StageError wraps a failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options selects what one run does.
type Options struct {
	ClearCache         bool
	UpdateTranslations bool
	Sync               bool
}

// ItemResult records the outcome of one candidate install.
type ItemResult struct {
	Identifier string          `json:"identifier"`
	Kind       host.Kind       `json:"kind"`
	OldVersion string          `json:"old_version"`
	NewVersion string          `json:"new_version"`
	Origin     injector.Origin `json:"origin"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// Result aggregates one routine run. Partial success is normal: the
// run reports per-item failures without undoing earlier items.
type Result struct {
	Items                 []ItemResult `json:"items"`
	TranslationsInstalled int          `json:"translations_installed"`
	SelfUpdated           bool         `json:"self_updated"`
	Report                *Report      `json:"report,omitempty"`
}

// Summary renders the short result line stored on the job record.
func (r *Result) Summary() string {
	ok, failed := 0, 0
	for _, item := range r.Items {
		if item.Success {
			ok++
		} else {
			failed++
		}
	}
	s := fmt.Sprintf("%d updated, %d failed", ok, failed)
	if r.TranslationsInstalled > 0 {
		s += fmt.Sprintf(", %d translations", r.TranslationsInstalled)
	}
	return s
}

// Orchestrator wires the components of one site's update pipeline.
type Orchestrator struct {
	cfg          *config.Config
	feeds        *feed.Client
	inject       *injector.Injector
	inst         *installer.Installer
	backups      *backup.Manager
	inventory    host.Inventory
	fetcher      host.Fetcher
	extractor    host.Extractor
	store        storage.Store
	updater      *selfupdate.Updater
	master       *MasterClient
	agentVersion string
	log          *slog.Logger
}

// New creates an Orchestrator. updater and master may be nil when
// self-update or a master endpoint is not configured.
func New(
	cfg *config.Config,
	feeds *feed.Client,
	inject *injector.Injector,
	inst *installer.Installer,
	backups *backup.Manager,
	inventory host.Inventory,
	fetcher host.Fetcher,
	extractor host.Extractor,
	store storage.Store,
	updater *selfupdate.Updater,
	master *MasterClient,
	agentVersion string,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		feeds:        feeds,
		inject:       inject,
		inst:         inst,
		backups:      backups,
		inventory:    inventory,
		fetcher:      fetcher,
		extractor:    extractor,
		store:        store,
		updater:      updater,
		master:       master,
		agentVersion: agentVersion,
		log:          log,
	}
}

// Run executes the full routine. The returned Result carries whatever
// completed even when err is a StageError.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}

	// The agent updates itself before touching the site.
	if o.updater != nil {
		result.SelfUpdated = o.trySelfUpdate(ctx)
	}

	if opts.ClearCache {
		o.refreshFeeds(ctx)
	}

	candidates, err := o.resolveCandidates(ctx)
	if err != nil {
		return result, &StageError{Stage: StageResolvingUpdates, Err: err}
	}

	result.Items = append(result.Items, o.installPass(ctx, candidates, host.KindPlugin)...)
	result.Items = append(result.Items, o.installPass(ctx, candidates, host.KindTheme)...)

	if opts.UpdateTranslations {
		n, err := o.installTranslations(ctx)
		result.TranslationsInstalled = n
		if err != nil {
			return result, &StageError{Stage: StageInstallingTranslations, Err: err}
		}
	}

	report, err := o.BuildReport(ctx)
	if err != nil {
		return result, &StageError{Stage: StageSyncing, Err: err}
	}
	result.Report = report

	if opts.Sync && o.master != nil {
		if err := o.syncToMaster(ctx, report); err != nil {
			return result, &StageError{Stage: StageSyncing, Err: err}
		}
	}

	return result, nil
}

// trySelfUpdate checks for and applies an agent update. Failures are
// logged and skipped; the routine continues on the current build.
func (o *Orchestrator) trySelfUpdate(ctx context.Context) bool {
	release, err := o.updater.Check(ctx)
	if err != nil {
		if !errors.Is(err, selfupdate.ErrAlreadyCurrent) && !errors.Is(err, selfupdate.ErrNoRelease) {
			o.log.Warn("self-update check failed", "error", err)
		}
		return false
	}
	if err := o.updater.Apply(ctx, release); err != nil {
		o.log.Warn("self-update failed", "version", release.Version, "error", err)
		return false
	}
	return true
}

// refreshFeeds re-fetches both feeds under the safe-refresh policy.
// Failures keep serving cached data, so they are logged, not fatal.
func (o *Orchestrator) refreshFeeds(ctx context.Context) {
	for _, url := range []string{o.cfg.Feeds.PluginsURL, o.cfg.Feeds.ThemesURL} {
		if url == "" {
			continue
		}
		if _, err := o.feeds.Refresh(ctx, url); err != nil {
			o.log.Warn("feed refresh failed", "url", url, "error", err)
		}
	}
}

// resolveCandidates gathers the work list from all three sources.
func (o *Orchestrator) resolveCandidates(ctx context.Context) ([]injector.Candidate, error) {
	plugins, err := o.inventory.Plugins()
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	themes, err := o.inventory.Themes()
	if err != nil {
		return nil, fmt.Errorf("failed to list themes: %w", err)
	}

	var candidates []injector.Candidate
	passes := []struct {
		kind      host.Kind
		feedURL   string
		installed []host.Artifact
		storeKey  string
	}{
		{host.KindPlugin, o.cfg.Feeds.PluginsURL, plugins, storage.KeyInjectedPlugins},
		{host.KindTheme, o.cfg.Feeds.ThemesURL, themes, storage.KeyInjectedThemes},
	}

	for _, pass := range passes {
		var manifest []feed.ManifestEntry
		if pass.feedURL != "" {
			manifest, err = o.feeds.Fetch(ctx, pass.feedURL)
			if err != nil {
				// Soft degrade: private updates unavailable this run.
				o.log.Warn("feed unavailable", "kind", pass.kind, "error", err)
			}
		}

		native, err := o.inventory.NativeUpdates(pass.kind)
		if err != nil {
			return nil, fmt.Errorf("failed to read native updates: %w", err)
		}

		injected := o.loadInjected(pass.storeKey)
		candidates = append(candidates,
			o.inject.BuildCandidates(manifest, pass.installed, native, injected, o.cfg.Aliases)...)
	}
	return candidates, nil
}

// loadInjected reads master-pushed updates persisted by a prior sync.
func (o *Orchestrator) loadInjected(key string) []injector.InjectedUpdate {
	if o.store == nil {
		return nil
	}
	var specs map[string]InjectedUpdateSpec
	if err := o.store.GetSettingJSON(key, &specs); err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			o.log.Warn("failed to load injected updates", "key", key, "error", err)
		}
		return nil
	}
	out := make([]injector.InjectedUpdate, 0, len(specs))
	for id, spec := range specs {
		out = append(out, injector.InjectedUpdate{
			Identifier: id,
			NewVersion: spec.NewVersion,
			PackageURL: spec.PackageURL,
		})
	}
	return out
}

// installPass installs every installable candidate of one kind.
// Per-item failures are recorded and the pass continues.
func (o *Orchestrator) installPass(ctx context.Context, candidates []injector.Candidate, kind host.Kind) []ItemResult {
	var items []ItemResult
	for _, c := range candidates {
		if c.Kind != kind || !c.Installable() {
			continue
		}
		item := ItemResult{
			Identifier: c.Identifier,
			Kind:       c.Kind,
			OldVersion: c.CurrentVersion,
			NewVersion: c.NewVersion,
			Origin:     c.Origin,
		}
		err := o.inst.Install(ctx, installer.Request{
			Identifier:   c.Identifier,
			Slug:         resolver.Directory(c.Identifier),
			DisplayName:  c.DisplayName,
			Kind:         c.Kind,
			PackageURL:   c.PackageURL,
			Checksum:     c.Checksum,
			SignatureURL: c.SignatureURL,
		})
		if err != nil {
			item.Error = err.Error()
			o.log.Error("install failed", "identifier", c.Identifier, "error", err)
		} else {
			item.Success = true
		}
		items = append(items, item)
	}
	return items
}

// installTranslations downloads and extracts pending language packs
// under the configured language directory.
func (o *Orchestrator) installTranslations(ctx context.Context) (int, error) {
	updates, err := o.inventory.TranslationUpdates()
	if err != nil {
		return 0, fmt.Errorf("failed to list translation updates: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if o.cfg.Paths.LangDir == "" {
		return 0, errors.New("no language directory configured")
	}
	if err := os.MkdirAll(o.cfg.Paths.LangDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create language directory: %w", err)
	}

	installed := 0
	for _, u := range updates {
		if u.PackageURL == "" {
			continue
		}
		archive, err := o.fetcher.Download(ctx, u.PackageURL)
		if err != nil {
			o.log.Warn("translation download failed", "slug", u.Slug, "error", err)
			continue
		}
		err = o.extractor.Extract(archive, o.cfg.Paths.LangDir)
		os.Remove(archive)
		if err != nil {
			o.log.Warn("translation extract failed", "slug", u.Slug, "error", err)
			continue
		}
		installed++
	}
	return installed, nil
}

// BuildReport assembles a fresh site snapshot and caches it for the
// status endpoint.
func (o *Orchestrator) BuildReport(ctx context.Context) (*Report, error) {
	plugins, err := o.inventory.Plugins()
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	themes, err := o.inventory.Themes()
	if err != nil {
		return nil, fmt.Errorf("failed to list themes: %w", err)
	}
	candidates, err := o.resolveCandidates(ctx)
	if err != nil {
		return nil, err
	}
	translations, err := o.inventory.TranslationUpdates()
	if err != nil {
		return nil, fmt.Errorf("failed to list translation updates: %w", err)
	}
	backups, err := o.backups.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	report := BuildReport(
		o.cfg.Agent.SiteURL, o.cfg.Agent.SiteName, o.agentVersion,
		plugins, themes, candidates, len(translations), backups)

	if o.store != nil {
		if data, err := json.Marshal(report); err == nil {
			if err := o.store.SaveSnapshot(string(data)); err != nil {
				o.log.Warn("failed to cache status snapshot", "error", err)
			}
		}
	}
	return report, nil
}

// CachedReport returns the stored snapshot when it is younger than
// maxAge; otherwise it rebuilds and re-caches.
func (o *Orchestrator) CachedReport(ctx context.Context, maxAge time.Duration) (*Report, error) {
	if o.store != nil {
		snapshot, cachedAt, err := o.store.GetSnapshot()
		if err == nil && time.Since(cachedAt) < maxAge {
			var report Report
			if err := json.Unmarshal([]byte(snapshot), &report); err == nil {
				return &report, nil
			}
		}
	}
	return o.BuildReport(ctx)
}

// syncToMaster pushes the report and persists what the master sends
// back for the next run.
func (o *Orchestrator) syncToMaster(ctx context.Context, report *Report) error {
	resp, err := o.master.Sync(ctx, report)
	if err != nil {
		return err
	}
	if o.store == nil {
		return nil
	}

	if len(resp.Config) > 0 {
		if err := o.store.SetSettingJSON(storage.KeyMasterConfig, resp.Config); err != nil {
			o.log.Warn("failed to persist master config", "error", err)
		}
	}
	if len(resp.InjectedPlugins) > 0 {
		if err := o.store.SetSettingJSON(storage.KeyInjectedPlugins, resp.InjectedPlugins); err != nil {
			o.log.Warn("failed to persist injected plugin updates", "error", err)
		}
	}
	if len(resp.InjectedThemes) > 0 {
		if err := o.store.SetSettingJSON(storage.KeyInjectedThemes, resp.InjectedThemes); err != nil {
			o.log.Warn("failed to persist injected theme updates", "error", err)
		}
	}
	if err := o.store.SetSetting(storage.KeyLastSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
		o.log.Warn("failed to record sync time", "error", err)
	}
	return nil
}

// HandlePoll asks the master for pending requests and acts on them.
func (o *Orchestrator) HandlePoll(ctx context.Context) (*Result, error) {
	if o.master == nil {
		return nil, errors.New("no master URL configured")
	}
	poll, err := o.master.Poll(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}

	if poll.RestoreRequested && poll.RestoreData.Filename != "" {
		if err := o.backups.Restore(poll.RestoreData.Filename); err != nil {
			return result, fmt.Errorf("requested restore failed: %w", err)
		}
	}

	switch {
	case poll.UpdateRequested:
		return o.Run(ctx, Options{
			ClearCache:         poll.UpdateOptions.ClearCache,
			UpdateTranslations: poll.UpdateOptions.UpdateTranslations,
			Sync:               true,
		})
	case poll.PushRequested:
		report, err := o.BuildReport(ctx)
		if err != nil {
			return result, err
		}
		result.Report = report
		return result, o.syncToMaster(ctx, report)
	}
	return result, nil
}

// ClearCaches refreshes the feed caches in place.
func (o *Orchestrator) ClearCaches(ctx context.Context) {
	o.refreshFeeds(ctx)
}
