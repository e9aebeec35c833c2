// Package storage persists update jobs, master-pushed settings and the
// cached status snapshot using GORM and SQLite.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors following Dave Cheney's principle: define errors as values
var (
	ErrNilJob      = errors.New("job cannot be nil")
	ErrJobNotFound = errors.New("job not found")
	ErrKeyNotFound = errors.New("setting not found")
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobError     = "error"
)

// Job records one queued or executed update routine run.
type Job struct {
	ID string `gorm:"primaryKey;type:varchar(36)"`

	// Requested options
	ClearCache         bool `gorm:"not null;default:false"`
	UpdateTranslations bool `gorm:"not null;default:false"`

	Status        string `gorm:"not null;index"`
	ResultSummary string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`

	StartedAt  *time.Time
	FinishedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Setting is a key/value row for master-pushed configuration, injected
// update maps and sync bookkeeping. Values are stored as strings;
// structured values are JSON.
type Setting struct {
	Key       string `gorm:"primaryKey;type:varchar(128)"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Well-known setting keys.
const (
	KeyInjectedPlugins = "injected_updates_plugins"
	KeyInjectedThemes  = "injected_updates_themes"
	KeyMasterConfig    = "master_config"
	KeyLastSync        = "last_sync"
)

// StatusCache holds the last generated site snapshot for fast status
// reads.
type StatusCache struct {
	ID        uint   `gorm:"primaryKey"`
	Snapshot  string `gorm:"type:text"`
	CachedAt  time.Time
	UpdatedAt time.Time
}

// Store defines the persistence operations the agent needs.
type Store interface {
	Close() error

	CreateJob(*Job) error
	GetJob(id string) (*Job, error)
	UpdateJob(*Job) error
	ListJobs(limit int) ([]*Job, error)

	SetSetting(key, value string) error
	GetSetting(key string) (string, error)
	SetSettingJSON(key string, v any) error
	GetSettingJSON(key string, v any) error

	SaveSnapshot(snapshot string) error
	GetSnapshot() (string, time.Time, error)
}

// DB wraps gorm.DB with agent persistence operations.
type DB struct {
	db *gorm.DB
}

// Config holds database configuration.
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations.
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Job{}, &Setting{}, &StatusCache{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (d *DB) CreateJob(job *Job) error {
	if job == nil {
		return ErrNilJob
	}
	if err := d.db.Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (d *DB) GetJob(id string) (*Job, error) {
	var job Job
	err := d.db.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob saves the job's current state.
func (d *DB) UpdateJob(job *Job) error {
	if job == nil {
		return ErrNilJob
	}
	if err := d.db.Save(job).Error; err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// ListJobs returns the most recent jobs, newest first.
func (d *DB) ListJobs(limit int) ([]*Job, error) {
	var jobs []*Job
	q := d.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// SetSetting upserts a key/value pair.
func (d *DB) SetSetting(key, value string) error {
	setting := Setting{Key: key, Value: value}
	if err := d.db.Save(&setting).Error; err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// GetSetting retrieves a setting value.
func (d *DB) GetSetting(key string) (string, error) {
	var setting Setting
	err := d.db.Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return setting.Value, nil
}

// SetSettingJSON marshals v and stores it under key.
func (d *DB) SetSettingJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return d.SetSetting(key, string(data))
}

// GetSettingJSON unmarshals the setting stored under key into v.
func (d *DB) GetSettingJSON(key string, v any) error {
	value, err := d.GetSetting(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("failed to unmarshal setting %s: %w", key, err)
	}
	return nil
}

// SaveSnapshot stores the current site snapshot, replacing the
// previous one.
func (d *DB) SaveSnapshot(snapshot string) error {
	row := StatusCache{ID: 1, Snapshot: snapshot, CachedAt: time.Now()}
	if err := d.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot and when it was taken.
func (d *DB) GetSnapshot() (string, time.Time, error) {
	var row StatusCache
	err := d.db.First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", time.Time{}, ErrKeyNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return row.Snapshot, row.CachedAt, nil
}
