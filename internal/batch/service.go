package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/metrics"
)

// Submitter dispatches one job and waits for its outcome
type Submitter interface {
	Submit(ctx context.Context, j *job.Job) (*job.Result, error)
}

// Service accepts file jobs and processes them in the background
type Service struct {
	logger  *slog.Logger
	breaker *breaker.Breaker
	pool    Submitter
	store   job.Store
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// ErrStopped is returned by Submit once Stop has been called
var ErrStopped = errors.New("batch service stopped")

// NewService creates a batch job service
func NewService(logger *slog.Logger, b *breaker.Breaker, pool Submitter, store job.Store, m *metrics.Metrics) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:  logger,
		breaker: b,
		pool:    pool,
		store:   store,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit records a new job as processing and starts it. The returned record
// carries the job id the caller polls with.
func (s *Service) Submit(ctx context.Context, ops []job.Operation, audio []byte, opts job.Options) (*job.Record, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("at least one operation is required")
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("audio payload is empty")
	}
	// The stopped check and wg.Add share the lock with Stop so no job
	// starts after Stop begins waiting
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	j := job.New(ops, audio, opts)
	rec := &job.Record{
		JobID:      j.ID,
		Status:     job.StatusProcessing,
		Operations: ops,
		CreatedAt:  j.CreatedAt,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("store job %s: %w", j.ID, err)
	}

	s.logger.Info("Job accepted",
		slog.String("job_id", j.ID),
		slog.Any("operations", ops),
		slog.Int("bytes", len(audio)))

	go func() {
		defer s.wg.Done()
		s.process(j, rec)
	}()

	return rec, nil
}

// Run sends one job through the breaker. While the breaker rejects, the
// fallback result is returned with degraded set and no worker is contacted.
func (s *Service) Run(ctx context.Context, j *job.Job) (*job.Result, bool, error) {
	result, degraded, err := breaker.Execute(ctx, s.breaker,
		func(ctx context.Context) (*job.Result, error) {
			return s.pool.Submit(ctx, j)
		},
		func() *job.Result {
			return job.Fallback(j.ID)
		})

	if degraded && s.metrics != nil {
		s.metrics.RecordBreakerRejection(s.breaker.Name())
		s.metrics.RecordDegraded()
	}
	return result, degraded, err
}

func (s *Service) process(j *job.Job, rec *job.Record) {
	result, degraded, err := s.Run(s.ctx, j)

	done := time.Now()
	final := &job.Record{
		JobID:       rec.JobID,
		Operations:  rec.Operations,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: &done,
	}

	switch {
	case err != nil:
		final.Status = job.StatusFailed
		final.Error = err.Error()
		s.logger.Warn("Job failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	case degraded:
		final.Status = job.StatusDegraded
		final.Results = result
		s.logger.Warn("Job served from fallback", slog.String("job_id", j.ID))
	default:
		final.Status = job.StatusCompleted
		final.Results = result
		s.logger.Info("Job completed",
			slog.String("job_id", j.ID),
			slog.Duration("elapsed", done.Sub(rec.CreatedAt)))
	}

	// Store writes outlive a stopping service
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, final); err != nil {
		s.logger.Error("Failed to store job status",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
}

// Status returns the current record of a job
func (s *Service) Status(ctx context.Context, jobID string) (*job.Record, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return rec, nil
}

// Stop cancels in-flight jobs and waits for their records to be written
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
