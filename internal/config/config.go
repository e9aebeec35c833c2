// Package config provides configuration management for the site update
// agent. It handles the YAML agent configuration including feed URLs,
// master connection settings, filesystem paths and verification options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration validation
var (
	ErrVersionRequired   = errors.New("version is required")
	ErrSiteURLRequired   = errors.New("agent site_url is required")
	ErrPluginDirRequired = errors.New("paths plugin_dir is required")
	ErrThemeDirRequired  = errors.New("paths theme_dir is required")
	ErrBackupDirRequired = errors.New("paths backup_dir is required")
	ErrDatabaseRequired  = errors.New("storage database_path is required")
	ErrKeyFileRequired   = errors.New("gpg public_key_file is required when gpg verification is enabled")
	ErrRepoRequired      = errors.New("selfupdate repository is required when selfupdate is enabled")
)

// Environment variables that override file-based secrets.
const (
	EnvToken       = "UPARUN_TOKEN"
	EnvGitHubToken = "UPARUN_GITHUB_TOKEN"
)

// Config represents the top-level configuration structure.
type Config struct {
	Version      string            `yaml:"version"`
	Metadata     Metadata          `yaml:"metadata"`
	Agent        AgentConfig       `yaml:"agent"`
	Feeds        FeedConfig        `yaml:"feeds"`
	Paths        PathConfig        `yaml:"paths"`
	Storage      StorageConfig     `yaml:"storage"`
	Verification Verification      `yaml:"verification"`
	SelfUpdate   SelfUpdateConfig  `yaml:"selfupdate"`
	Aliases      map[string]string `yaml:"aliases"` // feed slug -> installed identifier
	Log          LogConfig         `yaml:"log"`
}

// Metadata represents metadata about the configuration.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AgentConfig represents the agent's identity and master connection.
type AgentConfig struct {
	Active       bool   `yaml:"active"`
	SiteURL      string `yaml:"site_url"`
	SiteName     string `yaml:"site_name"`
	MasterURL    string `yaml:"master_url"`
	Token        string `yaml:"token"` // shared secret; overridable via UPARUN_TOKEN
	ListenAddr   string `yaml:"listen_addr"`
	PollInterval string `yaml:"poll_interval"`
	ScanInterval string `yaml:"scan_interval"`
}

// FeedConfig represents the private repository feeds.
type FeedConfig struct {
	PluginsURL      string `yaml:"plugins_url"`
	ThemesURL       string `yaml:"themes_url"`
	CacheTTL        string `yaml:"cache_ttl"`
	FetchTimeout    string `yaml:"fetch_timeout"`
	RequiresCeiling string `yaml:"requires_ceiling"` // manifest "requires" above this is clamped
	RequiresFloor   string `yaml:"requires_floor"`   // ...down to this value
}

// PathConfig represents the filesystem layout the agent manages.
type PathConfig struct {
	PluginDir string `yaml:"plugin_dir"`
	ThemeDir  string `yaml:"theme_dir"`
	LangDir   string `yaml:"lang_dir"`
	BackupDir string `yaml:"backup_dir"`
	WorkDir   string `yaml:"work_dir"`  // scratch space for downloads and staging
	LockFile  string `yaml:"lock_file"` // advisory routine lock
}

// StorageConfig represents persistence configuration.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"` // silent, error, warn, info
}

// Verification represents package verification configuration.
type Verification struct {
	GPG    GPGVerification `yaml:"gpg"`
	ClamAV ClamAVScan      `yaml:"clamav"`
}

// ClamAVScan represents malware scanning of downloaded packages.
type ClamAVScan struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"` // container image, defaults to clamav/clamav:stable
}

// GPGVerification represents detached-signature verification of
// downloaded packages.
type GPGVerification struct {
	Enabled       bool   `yaml:"enabled"`
	PublicKeyFile string `yaml:"public_key_file"`
}

// SelfUpdateConfig represents agent self-update via GitHub releases.
type SelfUpdateConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Repository  string `yaml:"repository"`   // "owner/repo"
	GitHubToken string `yaml:"github_token"` // overridable via UPARUN_GITHUB_TOKEN
	AssetName   string `yaml:"asset_name"`   // release asset to install
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GetPollInterval parses and returns the master poll interval.
func (a *AgentConfig) GetPollInterval() time.Duration {
	return parseDurationOr(a.PollInterval, 5*time.Minute)
}

// GetScanInterval parses and returns the status scan interval.
func (a *AgentConfig) GetScanInterval() time.Duration {
	return parseDurationOr(a.ScanInterval, time.Hour)
}

// GetCacheTTL parses and returns the feed cache TTL.
func (f *FeedConfig) GetCacheTTL() time.Duration {
	return parseDurationOr(f.CacheTTL, time.Hour)
}

// GetFetchTimeout parses and returns the feed fetch timeout.
func (f *FeedConfig) GetFetchTimeout() time.Duration {
	return parseDurationOr(f.FetchTimeout, 15*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LoadConfig loads and parses the agent configuration from a YAML file.
// Secrets present in the environment override file values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	config.applyEnvOverrides()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Agent.Token = v
	}
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.SelfUpdate.GitHubToken = v
	}
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return ErrVersionRequired
	}
	if c.Agent.SiteURL == "" {
		return ErrSiteURLRequired
	}
	if c.Paths.PluginDir == "" {
		return ErrPluginDirRequired
	}
	if c.Paths.ThemeDir == "" {
		return ErrThemeDirRequired
	}
	if c.Paths.BackupDir == "" {
		return ErrBackupDirRequired
	}
	if c.Storage.DatabasePath == "" {
		return ErrDatabaseRequired
	}
	if c.Verification.GPG.Enabled && c.Verification.GPG.PublicKeyFile == "" {
		return ErrKeyFileRequired
	}
	if c.SelfUpdate.Enabled && c.SelfUpdate.Repository == "" {
		return ErrRepoRequired
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults for a
// standard site layout rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Version: "1.0",
		Metadata: Metadata{
			Name:        "site update agent",
			Description: "remote plugin/theme update agent",
		},
		Agent: AgentConfig{
			Active:       true,
			SiteURL:      "http://localhost",
			ListenAddr:   ":8090",
			PollInterval: "5m",
			ScanInterval: "1h",
		},
		Feeds: FeedConfig{
			CacheTTL:        "1h",
			FetchTimeout:    "15s",
			RequiresCeiling: "7.0",
			RequiresFloor:   "5.0",
		},
		Paths: PathConfig{
			PluginDir: dir + "/plugins",
			ThemeDir:  dir + "/themes",
			LangDir:   dir + "/languages",
			BackupDir: dir + "/backups",
			WorkDir:   dir + "/work",
			LockFile:  dir + "/work/routine.lock",
		},
		Storage: StorageConfig{
			DatabasePath: dir + "/agent.db",
			LogLevel:     "silent",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
