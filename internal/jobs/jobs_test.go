package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/update-agent-project/uparun/internal/storage"
)

func newTestQueue(t *testing.T, runner Runner) (*Queue, storage.Store) {
	t.Helper()
	db, err := storage.InitDB(storage.Config{DatabasePath: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	lockPath := filepath.Join(t.TempDir(), "routine.lock")
	q := NewQueue(db, lockPath, runner, nil)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, db
}

func waitForJob(t *testing.T, store storage.Store, id string) *storage.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == storage.JobCompleted || job.Status == storage.JobError {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return nil
}

func TestTriggerRunsJob(t *testing.T) {
	q, store := newTestQueue(t, func(ctx context.Context, job *storage.Job) (string, error) {
		return "1 plugin updated", nil
	})

	id, err := q.Trigger(Options{ClearCache: true})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	job := waitForJob(t, store, id)
	if job.Status != storage.JobCompleted || job.ResultSummary != "1 plugin updated" {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("timestamps not recorded")
	}
	if !job.ClearCache {
		t.Error("requested options not persisted")
	}
}

func TestTriggerRecordsFailure(t *testing.T) {
	q, store := newTestQueue(t, func(ctx context.Context, job *storage.Job) (string, error) {
		return "", errors.New("install stage failed")
	})

	id, err := q.Trigger(Options{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	job := waitForJob(t, store, id)
	if job.Status != storage.JobError || job.ErrorMessage != "install stage failed" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestTriggerWhileRunningReturnsBusy(t *testing.T) {
	release := make(chan struct{})
	q, store := newTestQueue(t, func(ctx context.Context, job *storage.Job) (string, error) {
		<-release
		return "done", nil
	})

	first, err := q.Trigger(Options{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Wait until the worker picks the job up.
	deadline := time.Now().Add(time.Second)
	for q.Running() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	id, err := q.Trigger(Options{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if id != first {
		t.Errorf("busy response returned %q, want running job %q", id, first)
	}

	close(release)
	waitForJob(t, store, first)

	// A later trigger succeeds once the routine is done.
	if _, err := q.Trigger(Options{}); err != nil {
		t.Errorf("Trigger after completion: %v", err)
	}
}

func TestBreakStaleLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "routine.lock")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatalf("write lock file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock file: %v", err)
	}

	q := NewQueue(nil, lockPath, nil, nil)
	if !q.breakStaleLock() {
		t.Error("hour-old lock should be broken")
	}

	// A fresh lock file must be left alone.
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatalf("write lock file: %v", err)
	}
	if q.breakStaleLock() {
		t.Error("fresh lock must not be broken")
	}
}
