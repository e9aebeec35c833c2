// Package cli provides the agent's command-line interface. It wires
// the configuration into the update pipeline and exposes serve, update,
// status, backup and cache commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/update-agent-project/uparun/internal/backup"
	"github.com/update-agent-project/uparun/internal/config"
	"github.com/update-agent-project/uparun/internal/feed"
	"github.com/update-agent-project/uparun/internal/gpg"
	"github.com/update-agent-project/uparun/internal/host"
	"github.com/update-agent-project/uparun/internal/injector"
	"github.com/update-agent-project/uparun/internal/installer"
	"github.com/update-agent-project/uparun/internal/jobs"
	"github.com/update-agent-project/uparun/internal/logger"
	"github.com/update-agent-project/uparun/internal/routine"
	"github.com/update-agent-project/uparun/internal/scan"
	"github.com/update-agent-project/uparun/internal/selfupdate"
	"github.com/update-agent-project/uparun/internal/server"
	"github.com/update-agent-project/uparun/internal/storage"
)

// Version is the agent build version, overridden at link time.
var Version = "1.0.0"

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:     "agent-cli",
		Usage:    "Site update agent: private-repo and master-driven plugin/theme updates",
		Version:  Version,
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "agent.yaml",
				Usage:   "path to agent configuration file",
				EnvVars: []string{"UPARUN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "",
				Usage:   "override configured log level (debug, info, warn, error)",
				EnvVars: []string{"UPARUN_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			updateCommand(),
			statusCommand(),
			backupsCommand(),
			clearCacheCommand(),
			initCommand(),
		},
	}
}

// agent bundles the wired components behind one Close.
type agent struct {
	cfg     *config.Config
	orch    *routine.Orchestrator
	queue   *jobs.Queue
	backups *backup.Manager
	store   *storage.DB
	log     *slog.Logger
}

func (a *agent) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close database", "error", err)
		}
	}
}

// buildAgent loads configuration and wires the full pipeline.
func buildAgent(c *cli.Context) (*agent, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.Log.Level
	if override := c.String("log-level"); override != "" {
		level = override
	}
	log, err := logger.New(level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	db, err := storage.InitDB(storage.Config{
		DatabasePath: cfg.Storage.DatabasePath,
		LogLevel:     cfg.Storage.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	inventory := &host.Dir{
		PluginDir:         cfg.Paths.PluginDir,
		ThemeDir:          cfg.Paths.ThemeDir,
		ActiveFile:        cfg.Paths.WorkDir + "/active.json",
		PluginUpdatesFile: cfg.Paths.WorkDir + "/plugin-updates.json",
		ThemeUpdatesFile:  cfg.Paths.WorkDir + "/theme-updates.json",
		TranslationsFile:  cfg.Paths.WorkDir + "/translations.json",
		Log:               log,
	}
	fetcher := host.NewHTTPFetcher(cfg.Paths.WorkDir)
	extractor := host.ZipExtractor{}

	backups := backup.NewManager(cfg.Paths.BackupDir, cfg.Paths.PluginDir, cfg.Paths.ThemeDir, inventory, log)

	installOpts := []installer.Option{
		installer.WithLogger(log),
		installer.WithBackup(func(kind host.Kind, slug, src string) error {
			_, err := backups.Backup(kind, slug, src)
			return err
		}),
	}
	if cfg.Verification.GPG.Enabled {
		keyring, err := gpg.NewKeyRingFromFile(cfg.Verification.GPG.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		installOpts = append(installOpts, installer.WithVerifier(keyring))
	}
	if cfg.Verification.ClamAV.Enabled {
		installOpts = append(installOpts,
			installer.WithScanner(scan.NewScanner(nil, cfg.Verification.ClamAV.Image, log)))
	}
	inst := installer.New(fetcher, extractor, cfg.Paths.PluginDir, cfg.Paths.ThemeDir, installOpts...)

	feeds := feed.NewClient(
		feed.WithTTL(cfg.Feeds.GetCacheTTL()),
		feed.WithTimeout(cfg.Feeds.GetFetchTimeout()),
		feed.WithRequiresClamp(cfg.Feeds.RequiresCeiling, cfg.Feeds.RequiresFloor),
		feed.WithLogger(log),
	)

	var updater *selfupdate.Updater
	if cfg.SelfUpdate.Enabled {
		updater, err = selfupdate.New(cfg.SelfUpdate.GitHubToken, cfg.SelfUpdate.Repository,
			Version, cfg.SelfUpdate.AssetName, log)
		if err != nil {
			return nil, fmt.Errorf("invalid self-update configuration: %w", err)
		}
	}

	var master *routine.MasterClient
	if cfg.Agent.MasterURL != "" {
		master = routine.NewMasterClient(cfg.Agent.MasterURL, cfg.Agent.Token, cfg.Agent.SiteURL, log)
	}

	orch := routine.New(cfg, feeds, injector.New(log), inst, backups,
		inventory, fetcher, extractor, db, updater, master, Version, log)

	queue := jobs.NewQueue(db, cfg.Paths.LockFile,
		func(ctx context.Context, job *storage.Job) (string, error) {
			result, err := orch.Run(ctx, routine.Options{
				ClearCache:         job.ClearCache,
				UpdateTranslations: job.UpdateTranslations,
				Sync:               master != nil,
			})
			if err != nil {
				return "", err
			}
			return result.Summary(), nil
		}, log)

	return &agent{cfg: cfg, orch: orch, queue: queue, backups: backups, store: db, log: log}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the agent HTTP server and poll loop",
		Action: func(c *cli.Context) error {
			a, err := buildAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.queue.Start(ctx)
			defer a.queue.Stop()

			go a.pollLoop(ctx)

			srv := server.New(a.cfg, a.orch, a.queue, a.backups, a.log)
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

// pollLoop asks the master for pending requests on the configured
// interval.
func (a *agent) pollLoop(ctx context.Context) {
	if a.cfg.Agent.MasterURL == "" {
		return
	}
	ticker := time.NewTicker(a.cfg.Agent.GetPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.orch.HandlePoll(ctx); err != nil {
				a.log.Warn("poll failed", "error", err)
			}
		}
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Run the full update routine once",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "clear-cache", Usage: "refresh feed caches before resolving"},
			&cli.BoolFlag{Name: "translations", Usage: "also install pending translation updates"},
			&cli.BoolFlag{Name: "sync", Usage: "push the report to the master afterwards"},
		},
		Action: func(c *cli.Context) error {
			a, err := buildAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.Run(c.Context, routine.Options{
				ClearCache:         c.Bool("clear-cache"),
				UpdateTranslations: c.Bool("translations"),
				Sync:               c.Bool("sync"),
			})
			if result != nil {
				printJSON(result)
			}
			return err
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the current site snapshot",
		Action: func(c *cli.Context) error {
			a, err := buildAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.BuildReport(c.Context)
			if err != nil {
				return err
			}
			printJSON(report)
			return nil
		},
	}
}

func backupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "backups",
		Usage: "Manage artifact backups",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List backup archives",
				Action: func(c *cli.Context) error {
					a, err := buildAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					records, err := a.backups.List()
					if err != nil {
						return err
					}
					printJSON(records)
					return nil
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore a backup archive over the live artifact",
				ArgsUsage: "<filename>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one backup filename")
					}
					a, err := buildAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()
					return a.backups.Restore(c.Args().First())
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a backup archive",
				ArgsUsage: "<filename>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one backup filename")
					}
					a, err := buildAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()
					return a.backups.Delete(c.Args().First())
				},
			},
		},
	}
}

func clearCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-cache",
		Usage: "Refresh the repository feed caches in place",
		Action: func(c *cli.Context) error {
			a, err := buildAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()
			a.orch.ClearCaches(c.Context)
			fmt.Println("repository caches refreshed")
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Value: ".",
				Usage: "base directory for agent paths",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite existing %s", path)
			}
			cfg := config.DefaultConfig(c.String("dir"))
			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
