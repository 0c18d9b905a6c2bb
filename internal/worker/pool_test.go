package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeWorker records posts and answers with whatever reply returns
type fakeWorker struct {
	id  string
	out chan Message

	mu     sync.Mutex
	posted []Message
	busy   bool
	reply  func(Message) []Message

	stopOnce sync.Once
}

func newFakeWorker(id string, reply func(Message) []Message) *fakeWorker {
	return &fakeWorker{id: id, out: make(chan Message, 64), reply: reply}
}

func (f *fakeWorker) ID() string { return f.id }

func (f *fakeWorker) Post(msg Message) error {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return ErrWorkerBusy
	}
	f.posted = append(f.posted, msg)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		for _, r := range reply(msg) {
			f.out <- r
		}
	}
	return nil
}

func (f *fakeWorker) Messages() <-chan Message { return f.out }

func (f *fakeWorker) Stop() {
	f.stopOnce.Do(func() { close(f.out) })
}

func (f *fakeWorker) posts(t MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.posted {
		if m.Type == t {
			n++
		}
	}
	return n
}

// echoReply completes jobs and acknowledges session setup and release
func echoReply(msg Message) []Message {
	switch msg.Type {
	case MsgProcessJob:
		return []Message{{Type: MsgJobComplete, JobID: msg.JobID, Result: &job.Result{JobID: msg.JobID}}}
	case MsgInitSession:
		return []Message{{Type: MsgSessionReady, SessionID: msg.SessionID}}
	case MsgEndSession:
		return []Message{{Type: MsgSessionReleased, SessionID: msg.SessionID}}
	}
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSink) Deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestPool(t *testing.T, workers []Worker, config PoolConfig) (*Pool, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewPool(workers, config, testLogger(), m)
	t.Cleanup(p.Stop)
	return p, m
}

func transcribeJob() *job.Job {
	return job.New([]job.Operation{job.OpTranscribe}, []byte{1, 2}, job.Options{})
}

func TestPoolSubmitCompletes(t *testing.T) {
	w := newFakeWorker("w1", echoReply)
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{})

	j := transcribeJob()
	result, err := p.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.JobID != j.ID {
		t.Errorf("Expected result for %s, got %s", j.ID, result.JobID)
	}
	if result.Status != string(job.StatusCompleted) {
		t.Errorf("Expected completed status, got %q", result.Status)
	}
	if p.Pending() != 0 {
		t.Errorf("Expected no pending jobs, got %d", p.Pending())
	}
}

func TestPoolRoundRobin(t *testing.T) {
	workers := []*fakeWorker{
		newFakeWorker("w1", echoReply),
		newFakeWorker("w2", echoReply),
		newFakeWorker("w3", echoReply),
	}
	p, _ := newTestPool(t, []Worker{workers[0], workers[1], workers[2]}, PoolConfig{})

	for i := 0; i < 9; i++ {
		if _, err := p.Submit(context.Background(), transcribeJob()); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	for _, w := range workers {
		if got := w.posts(MsgProcessJob); got != 3 {
			t.Errorf("Expected 3 jobs on %s, got %d", w.id, got)
		}
	}
}

func TestPoolNoWorkers(t *testing.T) {
	p, _ := newTestPool(t, nil, PoolConfig{})

	_, err := p.Submit(context.Background(), transcribeJob())
	if !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Expected ErrNoWorkers, got %v", err)
	}

	_, err = p.InitSession(context.Background(), "s1", SessionOptions{}, &recordingSink{})
	if !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Expected ErrNoWorkers from InitSession, got %v", err)
	}
}

func TestPoolJobError(t *testing.T) {
	w := newFakeWorker("w1", func(msg Message) []Message {
		return []Message{{Type: MsgJobError, JobID: msg.JobID, Error: "decoder exploded"}}
	})
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{})

	_, err := p.Submit(context.Background(), transcribeJob())

	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Expected *JobError, got %v", err)
	}
	if jobErr.Message != "decoder exploded" || jobErr.WorkerID != "w1" {
		t.Errorf("Unexpected job error: %+v", jobErr)
	}
	if errors.Is(err, ErrJobTimeout) {
		t.Error("Job failure must be distinct from a timeout")
	}
}

func TestPoolTimeoutDiscardsLateReply(t *testing.T) {
	w := newFakeWorker("w1", nil)
	p, m := newTestPool(t, []Worker{w}, PoolConfig{
		JobTimeouts: map[job.Operation]time.Duration{job.OpTranscribe: 20 * time.Millisecond},
	})

	j := transcribeJob()
	start := time.Now()
	_, err := p.Submit(context.Background(), j)
	if !errors.Is(err, ErrJobTimeout) {
		t.Fatalf("Expected ErrJobTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Timeout took too long: %v", time.Since(start))
	}
	if p.Pending() != 0 {
		t.Errorf("Expected pending listener to be removed, got %d", p.Pending())
	}

	// The worker answers after the deadline
	w.out <- Message{Type: MsgJobComplete, JobID: j.ID, Result: &job.Result{JobID: j.ID}}
	waitFor(t, func() bool { return testutil.ToFloat64(m.LateReplies) == 1 })

	if got := testutil.ToFloat64(m.JobsCompleted.WithLabelValues("transcribe", "timeout")); got != 1 {
		t.Errorf("Expected one timeout outcome, got %v", got)
	}
}

func TestPoolPerOperationTimeout(t *testing.T) {
	p, _ := newTestPool(t, []Worker{newFakeWorker("w1", nil)}, PoolConfig{
		JobTimeouts:    map[job.Operation]time.Duration{job.OpTransform: 5 * time.Second},
		DefaultTimeout: 7 * time.Second,
	})

	transform := job.New([]job.Operation{job.OpTransform, job.OpTranscribe}, nil, job.Options{})
	if got := p.Timeout(transform); got != 5*time.Second {
		t.Errorf("Expected 5s for transform, got %v", got)
	}
	detect := job.New([]job.Operation{job.OpDetectLanguage}, nil, job.Options{})
	if got := p.Timeout(detect); got != 7*time.Second {
		t.Errorf("Expected default 7s, got %v", got)
	}
}

func TestPoolBusyWorker(t *testing.T) {
	w := newFakeWorker("w1", echoReply)
	w.busy = true
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{})

	_, err := p.Submit(context.Background(), transcribeJob())
	if !errors.Is(err, ErrWorkerBusy) {
		t.Errorf("Expected ErrWorkerBusy, got %v", err)
	}
	if p.Pending() != 0 {
		t.Errorf("Expected no pending jobs after failed post, got %d", p.Pending())
	}
}

func TestPoolContextCancel(t *testing.T) {
	p, _ := newTestPool(t, []Worker{newFakeWorker("w1", nil)}, PoolConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Submit(ctx, transcribeJob())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if p.Pending() != 0 {
		t.Errorf("Expected no pending jobs, got %d", p.Pending())
	}
}

func TestPoolConcurrentSubmissions(t *testing.T) {
	workers := []Worker{newFakeWorker("w1", echoReply), newFakeWorker("w2", echoReply)}
	p, _ := newTestPool(t, workers, PoolConfig{})

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := transcribeJob()
			result, err := p.Submit(context.Background(), j)
			if err != nil {
				errs <- err
				return
			}
			if result.JobID != j.ID {
				errs <- fmt.Errorf("result for %s delivered to %s", result.JobID, j.ID)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestPoolSessionLifecycle(t *testing.T) {
	w := newFakeWorker("w1", func(msg Message) []Message {
		switch msg.Type {
		case MsgAudioChunk:
			return []Message{{Type: MsgChunkAck, SessionID: msg.SessionID}}
		case MsgControl:
			return []Message{{Type: MsgTranscript, SessionID: msg.SessionID, Payload: []byte(`{"type":"transcript"}`)}}
		}
		return echoReply(msg)
	})
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{})

	sink := &recordingSink{}
	workerID, err := p.InitSession(context.Background(), "s1", SessionOptions{CallID: "c1"}, sink)
	if err != nil {
		t.Fatalf("InitSession failed: %v", err)
	}
	if workerID != "w1" {
		t.Errorf("Expected worker w1, got %s", workerID)
	}

	for i := 0; i < 3; i++ {
		if err := p.Post(workerID, Message{Type: MsgAudioChunk, SessionID: "s1", Audio: []byte{0, 0}}); err != nil {
			t.Fatalf("Post failed: %v", err)
		}
	}
	if err := p.Post(workerID, Message{Type: MsgControl, SessionID: "s1", Control: []byte(`{"type":"end"}`)}); err != nil {
		t.Fatalf("Post control failed: %v", err)
	}
	if err := p.ReleaseSession(workerID, "s1"); err != nil {
		t.Fatalf("ReleaseSession failed: %v", err)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 5 })

	expected := []MessageType{MsgChunkAck, MsgChunkAck, MsgChunkAck, MsgTranscript, MsgSessionReleased}
	for i, msg := range sink.snapshot() {
		if msg.Type != expected[i] {
			t.Errorf("Message %d: expected %s, got %s", i, expected[i], msg.Type)
		}
	}

	// Messages after the release are not delivered
	w.out <- Message{Type: MsgChunkAck, SessionID: "s1"}
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.snapshot()); got != 5 {
		t.Errorf("Expected no delivery after release, got %d messages", got)
	}
}

func TestPoolInitSessionError(t *testing.T) {
	w := newFakeWorker("w1", func(msg Message) []Message {
		return []Message{{Type: MsgSessionError, SessionID: msg.SessionID, Error: "no capacity"}}
	})
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{})

	_, err := p.InitSession(context.Background(), "s1", SessionOptions{}, &recordingSink{})

	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Message != "no capacity" {
		t.Errorf("Expected SessionError, got %v", err)
	}
}

func TestPoolInitSessionTimeout(t *testing.T) {
	w := newFakeWorker("w1", nil)
	p, _ := newTestPool(t, []Worker{w}, PoolConfig{InitTimeout: 20 * time.Millisecond})

	_, err := p.InitSession(context.Background(), "s1", SessionOptions{}, &recordingSink{})
	if !errors.Is(err, ErrJobTimeout) {
		t.Errorf("Expected ErrJobTimeout, got %v", err)
	}
	if w.posts(MsgEndSession) != 1 {
		t.Error("Expected the worker to be told to drop the session")
	}
}

func TestPoolPostUnknownWorker(t *testing.T) {
	p, _ := newTestPool(t, []Worker{newFakeWorker("w1", nil)}, PoolConfig{})

	err := p.Post("w9", Message{Type: MsgAudioChunk})
	if !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Expected ErrUnknownWorker, got %v", err)
	}
	if err := p.ReleaseSession("w9", "s1"); err == nil {
		t.Error("Expected release to an unknown worker to fail")
	}
}

func TestPoolStopFailsPending(t *testing.T) {
	w := newFakeWorker("w1", nil)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewPool([]Worker{w}, PoolConfig{DefaultTimeout: time.Minute}, testLogger(), m)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), transcribeJob())
		errCh <- err
	}()

	waitFor(t, func() bool { return p.Pending() == 1 })
	p.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolStopped) {
			t.Errorf("Expected ErrPoolStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after Stop")
	}

	if _, err := p.Submit(context.Background(), transcribeJob()); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped after stop, got %v", err)
	}
}
