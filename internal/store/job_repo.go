package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds retries of one job.
const DefaultJobMaxAttempts = 5

// Job represents a durable unit of deferred work.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, its ID is returned instead.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob records errMsg and requeues at nextRunAt until MaxAttempts is reached.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error
	CancelJob(ctx context.Context, id string) error
	// RequeueStaleRunningJobs resets jobs running since before staleBefore.
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*Job, error)
}

// DocumentJobRepo implements JobRepo on a DocumentStore.
type DocumentJobRepo struct {
	docs DocumentStore
	mu   sync.Mutex // serialises claim and dedupe checks within the process
}

var _ JobRepo = (*DocumentJobRepo)(nil)

// NewDocumentJobRepo creates a job repository backed by docs.
func NewDocumentJobRepo(docs DocumentStore) *DocumentJobRepo {
	return &DocumentJobRepo{docs: docs}
}

func (r *DocumentJobRepo) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dedupeKey != "" {
		existing, err := QueryJSON[Job](ctx, r.docs, CollJobs, Filter{"dedupe_key": dedupeKey})
		if err != nil {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
		for _, j := range existing {
			if j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				slog.Debug("DocumentJobRepo.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", j.ID)
				return j.ID, nil
			}
		}
	}

	now := time.Now()
	job := Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := CreateJSON(ctx, r.docs, CollJobs, job.ID, job); err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("DocumentJobRepo.EnqueueJob", "id", job.ID, "kind", kind, "runAt", runAt)
	return job.ID, nil
}

func (r *DocumentJobRepo) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued, err := QueryJSON[Job](ctx, r.docs, CollJobs, Filter{"status": string(JobStatusQueued)})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	due := queued[:0]
	for _, j := range queued {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &now
		due[i].UpdatedAt = now
		if err := PutJSON(ctx, r.docs, CollJobs, due[i].ID, due[i]); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
	}
	return due, nil
}

func (r *DocumentJobRepo) CompleteJob(ctx context.Context, id string) error {
	return r.update(ctx, id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (r *DocumentJobRepo) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return r.update(ctx, id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (r *DocumentJobRepo) CancelJob(ctx context.Context, id string) error {
	return r.update(ctx, id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (r *DocumentJobRepo) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running, err := QueryJSON[Job](ctx, r.docs, CollJobs, Filter{"status": string(JobStatusRunning)})
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs query failed: %w", err)
	}
	n := 0
	for _, j := range running {
		if j.LockedAt != nil && j.LockedAt.After(staleBefore) {
			continue
		}
		j.Status = JobStatusQueued
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
		if err := PutJSON(ctx, r.docs, CollJobs, j.ID, j); err != nil {
			return n, fmt.Errorf("requeue job %s failed: %w", j.ID, err)
		}
		n++
	}
	return n, nil
}

func (r *DocumentJobRepo) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := GetJSON[Job](ctx, r.docs, CollJobs, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (r *DocumentJobRepo) update(ctx context.Context, id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, err := GetJSON[Job](ctx, r.docs, CollJobs, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	fn(&j)
	j.UpdatedAt = time.Now()
	return PutJSON(ctx, r.docs, CollJobs, id, j)
}
