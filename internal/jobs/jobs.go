// Package jobs runs update routines through a queue with a
// single-flight guard: one routine in flight per site, enforced by an
// in-process mutex plus a file lock against concurrent agent
// processes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/update-agent-project/uparun/internal/storage"
)

// ErrBusy is returned when a routine is already in flight. The running
// job's ID accompanies it so the caller can report deterministically.
var ErrBusy = errors.New("update routine already running")

// staleLockTTL is how old a lock file may be before it is considered
// abandoned and broken.
const staleLockTTL = 15 * time.Minute

// Options are the caller-requested routine options.
type Options struct {
	ClearCache         bool
	UpdateTranslations bool
}

// Runner executes one routine run and returns a summary.
type Runner func(ctx context.Context, job *storage.Job) (summary string, err error)

// Queue owns the worker goroutine and the locks.
type Queue struct {
	store    storage.Store
	runner   Runner
	lockPath string
	log      *slog.Logger

	mu        sync.Mutex
	runningID string

	pending chan *storage.Job
	done    chan struct{}
}

// NewQueue creates a queue. Start must be called before Trigger.
func NewQueue(store storage.Store, lockPath string, runner Runner, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store:    store,
		runner:   runner,
		lockPath: lockPath,
		log:      log,
		pending:  make(chan *storage.Job, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Stop waits for the worker to drain and exit. Callers must cancel the
// context passed to Start first.
func (q *Queue) Stop() {
	close(q.pending)
	<-q.done
}

// Trigger enqueues a new routine run. If one is already in flight the
// running job's ID is returned with ErrBusy.
func (q *Queue) Trigger(opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.runningID != "" {
		return q.runningID, ErrBusy
	}

	job := &storage.Job{
		ID:                 uuid.NewString(),
		ClearCache:         opts.ClearCache,
		UpdateTranslations: opts.UpdateTranslations,
		Status:             storage.JobPending,
	}
	if err := q.store.CreateJob(job); err != nil {
		return "", err
	}

	select {
	case q.pending <- job:
		q.runningID = job.ID
		return job.ID, nil
	default:
		return "", fmt.Errorf("job queue full")
	}
}

// Running returns the in-flight job ID, if any.
func (q *Queue) Running() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningID
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for job := range q.pending {
		q.execute(ctx, job)
		q.mu.Lock()
		q.runningID = ""
		q.mu.Unlock()
	}
}

func (q *Queue) execute(ctx context.Context, job *storage.Job) {
	now := time.Now()
	job.Status = storage.JobRunning
	job.StartedAt = &now
	if err := q.store.UpdateJob(job); err != nil {
		q.log.Error("failed to mark job running", "job", job.ID, "error", err)
	}

	summary, err := q.withFileLock(func() (string, error) {
		return q.runner(ctx, job)
	})

	finished := time.Now()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = storage.JobError
		job.ErrorMessage = err.Error()
		q.log.Error("update routine failed", "job", job.ID, "error", err)
	} else {
		job.Status = storage.JobCompleted
		job.ResultSummary = summary
		q.log.Info("update routine completed", "job", job.ID)
	}
	if err := q.store.UpdateJob(job); err != nil {
		q.log.Error("failed to persist job result", "job", job.ID, "error", err)
	}
}

// withFileLock holds the advisory file lock for the duration of fn.
// A lock file older than the stale TTL is treated as abandoned by a
// dead process and broken.
func (q *Queue) withFileLock(fn func() (string, error)) (string, error) {
	fl := flock.New(q.lockPath)

	locked, err := fl.TryLock()
	if err != nil {
		return "", fmt.Errorf("failed to acquire routine lock: %w", err)
	}
	if !locked {
		if !q.breakStaleLock() {
			return "", fmt.Errorf("%w: lock held at %s", ErrBusy, q.lockPath)
		}
		locked, err = fl.TryLock()
		if err != nil || !locked {
			return "", fmt.Errorf("failed to re-acquire routine lock: %v", err)
		}
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			q.log.Warn("failed to release routine lock", "error", err)
		}
	}()

	// Touch the lock file so its age reflects this run.
	now := time.Now()
	if err := os.Chtimes(q.lockPath, now, now); err != nil {
		q.log.Debug("failed to touch lock file", "error", err)
	}

	return fn()
}

// breakStaleLock removes the lock file when it is older than the TTL.
func (q *Queue) breakStaleLock() bool {
	info, err := os.Stat(q.lockPath)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < staleLockTTL {
		return false
	}
	q.log.Warn("breaking stale routine lock", "path", q.lockPath, "age", time.Since(info.ModTime()))
	return os.Remove(q.lockPath) == nil
}
