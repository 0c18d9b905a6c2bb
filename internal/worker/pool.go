package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/metrics"
)

// Worker is one processing unit. Post must not block; replies arrive on
// Messages, which is closed when the worker stops. Post may refuse work with
// ErrWorkerBusy but must accept MsgEndSession until the worker stops, so
// session state is always freed.
type Worker interface {
	ID() string
	Post(msg Message) error
	Messages() <-chan Message
	Stop()
}

// SessionSink receives the worker messages for one stream session, in the
// order the worker emitted them.
type SessionSink interface {
	Deliver(msg Message)
}

// PoolConfig contains dispatcher configuration
type PoolConfig struct {
	JobTimeouts    map[job.Operation]time.Duration
	DefaultTimeout time.Duration
	InitTimeout    time.Duration
	ReleaseTimeout time.Duration
}

type outcome struct {
	msg Message
	err error
}

// Pool owns a fixed set of workers and correlates their replies
type Pool struct {
	config  PoolConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	workers []Worker
	byID    map[string]Worker
	next    atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan outcome
	inits    map[string]chan outcome
	sinks    map[string]SessionSink
	releases map[string]*time.Timer
	stopped  bool

	wg sync.WaitGroup
}

// NewPool wraps the given workers and starts one reader per worker. The
// worker set never changes afterwards.
func NewPool(workers []Worker, config PoolConfig, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = 10 * time.Second
	}
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = 5 * time.Second
	}

	p := &Pool{
		config:   config,
		logger:   logger,
		metrics:  m,
		workers:  append([]Worker(nil), workers...),
		byID:     make(map[string]Worker, len(workers)),
		pending:  make(map[string]chan outcome),
		inits:    make(map[string]chan outcome),
		sinks:    make(map[string]SessionSink),
		releases: make(map[string]*time.Timer),
	}

	for _, w := range p.workers {
		p.byID[w.ID()] = w
		p.wg.Add(1)
		go p.readLoop(w)
	}

	logger.Info("Worker pool started", slog.Int("workers", len(p.workers)))
	return p
}

// Size returns the number of worker handles
func (p *Pool) Size() int {
	return len(p.workers)
}

// WorkerIDs returns the ids of all workers
func (p *Pool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Pending returns the number of jobs awaiting a reply
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// pick selects the next worker round-robin
func (p *Pool) pick() (Worker, error) {
	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}
	n := p.next.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))], nil
}

// Timeout returns the deadline applied to a job
func (p *Pool) Timeout(j *job.Job) time.Duration {
	if d, ok := p.config.JobTimeouts[j.Primary()]; ok && d > 0 {
		return d
	}
	return p.config.DefaultTimeout
}

// Submit posts a job to a worker and waits for its correlated reply. It
// resolves exactly once: with the result, a *JobError, ErrJobTimeout or the
// context error. Replies arriving after that are discarded.
func (p *Pool) Submit(ctx context.Context, j *job.Job) (*job.Result, error) {
	w, err := p.pick()
	if err != nil {
		return nil, err
	}

	timeout := p.Timeout(j)
	op := string(j.Primary())
	ch := make(chan outcome, 1)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	p.pending[j.ID] = ch
	p.mu.Unlock()

	start := time.Now()
	msg := Message{
		Type:     MsgProcessJob,
		JobID:    j.ID,
		Job:      j,
		Deadline: start.Add(timeout),
	}
	if err := w.Post(msg); err != nil {
		p.detach(j.ID)
		return nil, fmt.Errorf("post job %s to %s: %w", j.ID, w.ID(), err)
	}

	if p.metrics != nil {
		p.metrics.RecordJobDispatched(op)
	}
	p.logger.Debug("Job dispatched",
		slog.String("job_id", j.ID),
		slog.String("worker_id", w.ID()),
		slog.String("operation", op),
		slog.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		result *job.Result
		status = "completed"
	)
	select {
	case out := <-ch:
		err = out.err
		if err == nil {
			if out.msg.Type == MsgJobError {
				err = &JobError{JobID: j.ID, WorkerID: out.msg.WorkerID, Message: out.msg.Error}
			} else {
				result = out.msg.Result
			}
		}
	case <-timer.C:
		err = ErrJobTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		// The reply may have raced the deadline; detaching makes it late
		p.detach(j.ID)
		status = "failed"
		if err == ErrJobTimeout {
			status = "timeout"
			p.logger.Warn("Job timed out",
				slog.String("job_id", j.ID),
				slog.String("worker_id", w.ID()),
				slog.Duration("timeout", timeout))
		}
	}

	if p.metrics != nil {
		p.metrics.RecordJobFinished(op, status, time.Since(start).Seconds())
	}

	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &job.Result{JobID: j.ID}
	}
	if result.Status == "" {
		result.Status = string(job.StatusCompleted)
	}
	return result, nil
}

func (p *Pool) detach(jobID string) {
	p.mu.Lock()
	delete(p.pending, jobID)
	p.mu.Unlock()
}

// InitSession assigns a worker to a stream session, registers sink for its
// messages and waits for the worker to report the session ready.
func (p *Pool) InitSession(ctx context.Context, sessionID string, opts SessionOptions, sink SessionSink) (string, error) {
	w, err := p.pick()
	if err != nil {
		return "", err
	}

	ch := make(chan outcome, 1)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	p.inits[sessionID] = ch
	p.sinks[sessionID] = sink
	p.mu.Unlock()

	fail := func(err error) (string, error) {
		p.mu.Lock()
		delete(p.inits, sessionID)
		delete(p.sinks, sessionID)
		p.mu.Unlock()
		return "", err
	}

	if err := w.Post(Message{Type: MsgInitSession, SessionID: sessionID, Session: &opts}); err != nil {
		return fail(fmt.Errorf("post init for session %s to %s: %w", sessionID, w.ID(), err))
	}

	timer := time.NewTimer(p.config.InitTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return fail(out.err)
		}
		if out.msg.Type == MsgSessionError {
			return fail(&SessionError{SessionID: sessionID, Message: out.msg.Error})
		}
		return w.ID(), nil
	case <-timer.C:
		// Tell the worker to drop whatever it may still set up
		_ = w.Post(Message{Type: MsgEndSession, SessionID: sessionID})
		return fail(fmt.Errorf("init session %s: %w", sessionID, ErrJobTimeout))
	case <-ctx.Done():
		_ = w.Post(Message{Type: MsgEndSession, SessionID: sessionID})
		return fail(ctx.Err())
	}
}

// Post forwards a message to the worker with the given id without waiting
func (p *Pool) Post(workerID string, msg Message) error {
	w, ok := p.byID[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolStopped
	}

	return w.Post(msg)
}

// ReleaseSession asks the worker to free session state. The sink keeps
// receiving messages until the worker confirms the release or the release
// timeout passes. On a post failure the sink is dropped immediately and the
// error returned.
func (p *Pool) ReleaseSession(workerID, sessionID string) error {
	err := p.Post(workerID, Message{Type: MsgEndSession, SessionID: sessionID})

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		delete(p.sinks, sessionID)
		return err
	}

	if _, ok := p.sinks[sessionID]; ok {
		if t, ok := p.releases[sessionID]; ok {
			t.Stop()
		}
		p.releases[sessionID] = time.AfterFunc(p.config.ReleaseTimeout, func() {
			p.mu.Lock()
			delete(p.sinks, sessionID)
			delete(p.releases, sessionID)
			p.mu.Unlock()
		})
	}
	return nil
}

// readLoop routes every message from one worker
func (p *Pool) readLoop(w Worker) {
	defer p.wg.Done()

	for msg := range w.Messages() {
		if msg.WorkerID == "" {
			msg.WorkerID = w.ID()
		}
		p.route(msg)
	}

	p.logger.Debug("Worker message stream closed", slog.String("worker_id", w.ID()))
}

func (p *Pool) route(msg Message) {
	switch msg.Type {
	case MsgJobComplete, MsgJobError:
		p.mu.Lock()
		ch, ok := p.pending[msg.JobID]
		delete(p.pending, msg.JobID)
		p.mu.Unlock()

		if !ok {
			if p.metrics != nil {
				p.metrics.RecordLateReply()
			}
			p.logger.Warn("Discarding late job reply",
				slog.String("job_id", msg.JobID),
				slog.String("worker_id", msg.WorkerID),
				slog.String("type", string(msg.Type)))
			return
		}
		ch <- outcome{msg: msg}

	case MsgSessionReady, MsgSessionError:
		p.mu.Lock()
		ch, waiting := p.inits[msg.SessionID]
		delete(p.inits, msg.SessionID)
		p.mu.Unlock()

		if waiting {
			ch <- outcome{msg: msg}
			return
		}
		p.deliver(msg)

	case MsgSessionReleased:
		p.deliver(msg)

		p.mu.Lock()
		delete(p.sinks, msg.SessionID)
		if t, ok := p.releases[msg.SessionID]; ok {
			t.Stop()
			delete(p.releases, msg.SessionID)
		}
		p.mu.Unlock()

	default:
		p.deliver(msg)
	}
}

func (p *Pool) deliver(msg Message) {
	p.mu.Lock()
	sink, ok := p.sinks[msg.SessionID]
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("Dropping message for unknown session",
			slog.String("session_id", msg.SessionID),
			slog.String("type", string(msg.Type)))
		return
	}
	sink.Deliver(msg)
}

// Stop fails every pending job, stops all workers and waits for their
// message streams to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true

	for id, ch := range p.pending {
		ch <- outcome{err: ErrPoolStopped}
		delete(p.pending, id)
	}
	for id, ch := range p.inits {
		ch <- outcome{err: ErrPoolStopped}
		delete(p.inits, id)
	}
	for id, t := range p.releases {
		t.Stop()
		delete(p.releases, id)
	}
	p.mu.Unlock()

	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()

	p.logger.Info("Worker pool stopped")
}
