package job

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle stage of a submitted job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned when no status record exists for a job id.
var ErrNotFound = errors.New("job not found")

// Record is the short-lived status record returned by the status endpoint.
type Record struct {
	JobID       string      `json:"jobId"`
	Status      Status      `json:"status"`
	Operations  []Operation `json:"operations"`
	Results     *Result     `json:"results,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (r *Record) IsDone() bool {
	return r.Status != StatusProcessing
}

// Store keeps status records for a bounded time.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	Close() error
}
