package batch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// failingWorker answers every job with an error and counts what it receives
type failingWorker struct {
	out  chan worker.Message
	mu   sync.Mutex
	jobs int
	once sync.Once
}

func newFailingWorker() *failingWorker {
	return &failingWorker{out: make(chan worker.Message, 16)}
}

func (w *failingWorker) ID() string { return "failing" }

func (w *failingWorker) Post(msg worker.Message) error {
	w.mu.Lock()
	w.jobs++
	w.mu.Unlock()
	w.out <- worker.Message{Type: worker.MsgJobError, JobID: msg.JobID, Error: "synthetic failure"}
	return nil
}

func (w *failingWorker) Messages() <-chan worker.Message { return w.out }

func (w *failingWorker) Stop() { w.once.Do(func() { close(w.out) }) }

func (w *failingWorker) received() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobs
}

type stubSubmitter struct {
	result *job.Result
	err    error
	delay  time.Duration
}

func (s *stubSubmitter) Submit(ctx context.Context, j *job.Job) (*job.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	r.JobID = j.ID
	return &r, nil
}

func newJob() *job.Job {
	return job.New([]job.Operation{job.OpTranscribe}, []byte{1, 2, 3, 4}, job.Options{})
}

func TestBreakerOpensAndServesFallbackWithoutDispatch(t *testing.T) {
	w := newFailingWorker()
	pool := worker.NewPool([]worker.Worker{w}, worker.PoolConfig{}, testLogger(), nil)
	defer pool.Stop()

	b := breaker.New(breaker.Config{Name: "jobs", Threshold: 3, ResetTimeout: time.Minute}, testLogger())
	store := job.NewMemoryStore(time.Minute)
	defer store.Close()

	svc := NewService(testLogger(), b, pool, store, nil)
	defer svc.Stop()

	for i := 0; i < 3; i++ {
		_, degraded, err := svc.Run(context.Background(), newJob())
		var jobErr *worker.JobError
		if !errors.As(err, &jobErr) {
			t.Fatalf("Run %d: expected JobError, got %v", i, err)
		}
		if degraded {
			t.Fatalf("Run %d: failure must not be reported as degraded", i)
		}
	}

	if b.State() != breaker.StateOpen {
		t.Fatalf("Expected open breaker, got %s", b.State())
	}
	dispatched := w.received()

	result, degraded, err := svc.Run(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Expected fallback, got error %v", err)
	}
	if !degraded || !result.Degraded || result.Transcript.Confidence != 0 {
		t.Errorf("Expected degraded fallback, got %+v", result)
	}
	if w.received() != dispatched {
		t.Error("No worker may receive a job while the breaker is open")
	}
}

func TestSubmitRecordsCompletion(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "jobs", Threshold: 3, ResetTimeout: time.Minute}, testLogger())
	store := job.NewMemoryStore(time.Minute)
	defer store.Close()

	sub := &stubSubmitter{
		result: &job.Result{Transcript: &job.Transcript{Text: "hello", Confidence: 0.9}},
		delay:  20 * time.Millisecond,
	}
	svc := NewService(testLogger(), b, sub, store, nil)
	defer svc.Stop()

	rec, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, []byte{1, 2}, job.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if rec.Status != job.StatusProcessing {
		t.Errorf("Expected processing status, got %s", rec.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := svc.Status(context.Background(), rec.JobID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if got.IsDone() {
			if got.Status != job.StatusCompleted || got.Results.Transcript.Text != "hello" {
				t.Errorf("Unexpected record: %+v", got)
			}
			if got.CompletedAt == nil {
				t.Error("Expected completion time")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Job did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRecordsFailureAndDegraded(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "jobs", Threshold: 1, ResetTimeout: time.Minute}, testLogger())
	store := job.NewMemoryStore(time.Minute)
	defer store.Close()

	svc := NewService(testLogger(), b, &stubSubmitter{err: worker.ErrJobTimeout}, store, nil)

	first, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, []byte{1}, job.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	svc.Stop()

	got, err := svc.Status(context.Background(), first.JobID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got.Status != job.StatusFailed || got.Error == "" {
		t.Errorf("Expected failed record with error, got %+v", got)
	}

	// The single failure opened the breaker; the next job is degraded
	svc = NewService(testLogger(), b, &stubSubmitter{err: worker.ErrJobTimeout}, store, nil)
	second, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, []byte{1}, job.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	svc.Stop()

	got, err = svc.Status(context.Background(), second.JobID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got.Status != job.StatusDegraded || got.Results == nil || !got.Results.Degraded {
		t.Errorf("Expected degraded record, got %+v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "jobs"}, testLogger())
	store := job.NewMemoryStore(time.Minute)
	defer store.Close()
	svc := NewService(testLogger(), b, &stubSubmitter{}, store, nil)
	defer svc.Stop()

	if _, err := svc.Submit(context.Background(), nil, []byte{1}, job.Options{}); err == nil {
		t.Error("Expected error without operations")
	}
	if _, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, nil, job.Options{}); err == nil {
		t.Error("Expected error without audio")
	}
	if _, err := svc.Status(context.Background(), "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSubmitConcurrentWithStop(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "jobs", Threshold: 100, ResetTimeout: time.Minute}, testLogger())
	store := job.NewMemoryStore(time.Minute)
	defer store.Close()

	svc := NewService(testLogger(), b, &stubSubmitter{result: &job.Result{}, delay: 5 * time.Millisecond}, store, nil)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, []byte{1}, job.Options{})
			if err != nil {
				if !errors.Is(err, ErrStopped) {
					t.Errorf("Expected ErrStopped, got %v", err)
				}
				return
			}
			mu.Lock()
			accepted = append(accepted, rec.JobID)
			mu.Unlock()
		}()
	}

	svc.Stop()
	wg.Wait()

	if _, err := svc.Submit(context.Background(), []job.Operation{job.OpTranscribe}, []byte{1}, job.Options{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}

	// Jobs accepted before Stop have their final record written by the time
	// Stop returns
	mu.Lock()
	defer mu.Unlock()
	for _, id := range accepted {
		rec, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status failed for %s: %v", id, err)
		}
		if rec.Status == job.StatusProcessing {
			t.Errorf("Job %s still processing after Stop", id)
		}
	}
}
