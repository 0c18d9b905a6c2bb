package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/callstream-service/internal/metrics"
	"github.com/skypro1111/callstream-service/internal/worker"
)

var (
	// ErrSessionNotFound is returned for frames addressed to a session that
	// no longer exists
	ErrSessionNotFound = errors.New("session not found")
	// ErrBackpressure is returned when a paused session exceeds its hard limit
	// and the chunk is dropped
	ErrBackpressure = errors.New("session backpressure limit reached")
	// ErrMalformedControl is returned for control frames that are not a JSON
	// object with a type
	ErrMalformedControl = errors.New("malformed control message")
	// ErrShuttingDown is returned by Admit after Stop
	ErrShuttingDown = errors.New("stream manager shutting down")
)

// Gate decides whether new sessions may be admitted. The circuit breaker
// satisfies it.
type Gate interface {
	Allow() error
	Success()
	Failure()
	Release()
}

// Dispatcher assigns workers to sessions and carries their traffic
type Dispatcher interface {
	InitSession(ctx context.Context, sessionID string, opts worker.SessionOptions, sink worker.SessionSink) (string, error)
	Post(workerID string, msg worker.Message) error
	ReleaseSession(workerID, sessionID string) error
}

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	IdleTimeout         time.Duration
	SweepInterval       time.Duration
	MaxPendingChunks    int
	ResumePendingChunks int
	OutboundQueue       int
	DefaultSampleRate   int
	DefaultLanguage     string

	// EndGrace bounds how long a client-ended session waits for the worker
	// to flush its final output
	EndGrace time.Duration
}

// Manager owns the registry of live sessions
type Manager struct {
	config     ManagerConfig
	logger     *slog.Logger
	gate       Gate
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	now        func() time.Time

	sessions map[string]*Session
	stopped  bool
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the time source used for activity tracking
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a stream manager and starts its idle reaper
func NewManager(logger *slog.Logger, config ManagerConfig, gate Gate, dispatcher Dispatcher, m *metrics.Metrics, opts ...Option) *Manager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 120 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.MaxPendingChunks <= 0 {
		config.MaxPendingChunks = 50
	}
	if config.ResumePendingChunks <= 0 || config.ResumePendingChunks > config.MaxPendingChunks {
		config.ResumePendingChunks = config.MaxPendingChunks
	}
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = 256
	}
	if config.DefaultSampleRate <= 0 {
		config.DefaultSampleRate = 16000
	}
	if config.EndGrace <= 0 {
		config.EndGrace = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		config:     config,
		logger:     logger,
		gate:       gate,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	go mgr.startReaper()

	return mgr
}

// Admit gates a new connection through the breaker, assigns a worker and
// registers the session. The returned session is ready for audio.
func (m *Manager) Admit(ctx context.Context, p Params) (*Session, error) {
	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return nil, ErrShuttingDown
	}

	if err := m.gate.Allow(); err != nil {
		m.recordRejected("CIRCUIT_BREAKER_OPEN")
		return nil, err
	}

	if p.SampleRate <= 0 {
		p.SampleRate = m.config.DefaultSampleRate
	}
	if p.Language == "" {
		p.Language = m.config.DefaultLanguage
	}

	session := newSession(uuid.NewString(), p, m)

	workerID, err := m.dispatcher.InitSession(ctx, session.ID, worker.SessionOptions{
		CallID:     p.CallID,
		Language:   p.Language,
		SampleRate: p.SampleRate,
	}, session)
	if err != nil {
		if errors.Is(err, worker.ErrNoWorkers) || errors.Is(err, context.Canceled) {
			m.gate.Release()
		} else {
			m.gate.Failure()
		}
		m.recordRejected(rejectReason(err))
		return nil, fmt.Errorf("initialize session: %w", err)
	}

	session.WorkerID = workerID

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.gate.Release()
		_ = m.dispatcher.ReleaseSession(workerID, session.ID)
		return nil, ErrShuttingDown
	}
	m.sessions[session.ID] = session
	count := len(m.sessions)
	m.mu.Unlock()

	// A session_error delivered before registration found nothing to tear
	// down; Teardown counts the failure against the gate
	if msg, failed := session.workerFailure(); failed {
		m.Teardown(session.ID, ReasonProcessingError)
		m.recordRejected("INIT_FAILED")
		return nil, fmt.Errorf("initialize session: %w", &worker.SessionError{SessionID: session.ID, Message: msg})
	}
	m.gate.Success()

	if m.metrics != nil {
		m.metrics.RecordSessionAdmitted()
		m.metrics.SetActiveSessions(count)
	}

	m.logger.Info("Stream session admitted",
		slog.String("session_id", session.ID),
		slog.String("worker_id", workerID),
		slog.String("call_id", p.CallID),
		slog.String("language", p.Language),
		slog.Int("sample_rate", p.SampleRate),
	)

	return session, nil
}

func rejectReason(err error) string {
	if errors.Is(err, worker.ErrNoWorkers) {
		return "NO_WORKERS_AVAILABLE"
	}
	return "INIT_FAILED"
}

// Get returns a live session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IngestBinary forwards one audio chunk to the session's worker. It never
// blocks on the worker: past the pending limit the sender is asked to pause
// and past twice that limit chunks are dropped with ErrBackpressure. A worker
// with a full inbox also drops the chunk with ErrBackpressure.
func (m *Manager) IngestBinary(id string, chunk []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.touch(m.now())

	if m.metrics != nil {
		m.metrics.RecordChunk(len(chunk))
	}

	if err := s.admitChunk(m.config.MaxPendingChunks); err != nil {
		if errors.Is(err, ErrBackpressure) && m.metrics != nil {
			m.metrics.RecordChunkDropped()
		}
		return err
	}

	err := m.dispatcher.Post(s.WorkerID, worker.Message{
		Type:      worker.MsgAudioChunk,
		SessionID: id,
		Audio:     chunk,
	})
	if errors.Is(err, worker.ErrWorkerBusy) {
		// Worker inboxes are shared across sessions; a full one is backpressure
		s.refuseChunk()
		if m.metrics != nil {
			m.metrics.RecordChunkDropped()
		}
		m.logger.Debug("Worker inbox full, chunk dropped",
			slog.String("session_id", id),
			slog.String("worker_id", s.WorkerID))
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	}
	if err != nil {
		s.unpend()
		m.logger.Error("Failed to forward audio chunk",
			slog.String("session_id", id),
			slog.String("worker_id", s.WorkerID),
			slog.String("error", err.Error()))
		m.Teardown(id, ReasonProcessingError)
		return fmt.Errorf("forward chunk: %w", err)
	}
	return nil
}

type control struct {
	Type string `json:"type"`
}

// IngestControl forwards a JSON control message verbatim. An "end" message
// tears the session down right after forwarding, whatever the worker does.
func (m *Manager) IngestControl(id string, raw []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.touch(m.now())

	var ctrl control
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.Type == "" {
		m.logger.Warn("Dropping malformed control message",
			slog.String("session_id", id),
			slog.Int("bytes", len(raw)))
		return ErrMalformedControl
	}

	err := m.dispatcher.Post(s.WorkerID, worker.Message{
		Type:      worker.MsgControl,
		SessionID: id,
		Control:   json.RawMessage(raw),
	})
	if err != nil {
		m.logger.Warn("Failed to forward control message",
			slog.String("session_id", id),
			slog.String("type", ctrl.Type),
			slog.String("error", err.Error()))
	}

	if ctrl.Type == "end" {
		m.Teardown(id, ReasonClientEnd)
		return nil
	}
	return err
}

// Teardown removes a session and asks its worker to release it. Removal is
// guaranteed even when the worker cannot be notified. It reports whether
// this call removed the session; repeated calls are no-ops.
func (m *Manager) Teardown(id string, reason Reason) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok || !s.deactivate(reason) {
		return false
	}

	lifetime := m.now().Sub(s.StartTime)
	if m.metrics != nil {
		m.metrics.RecordSessionTornDown(string(reason), lifetime.Seconds())
		m.metrics.SetActiveSessions(count)
	}

	if reason == ReasonProcessingError {
		m.gate.Failure()
	}

	if err := m.dispatcher.ReleaseSession(s.WorkerID, id); err != nil {
		m.logger.Warn("Failed to notify worker of session release",
			slog.String("session_id", id),
			slog.String("worker_id", s.WorkerID),
			slog.String("error", err.Error()))
		s.finish(reason)
	} else if reason == ReasonClientEnd {
		s.finishAfter(m.config.EndGrace, reason)
	} else {
		s.finish(reason)
	}

	m.logger.Info("Stream session torn down",
		slog.String("session_id", id),
		slog.String("worker_id", s.WorkerID),
		slog.String("reason", string(reason)),
		slog.Duration("duration", lifetime),
	)
	return true
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of every live session, oldest first
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	now := m.now()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// Stop halts the reaper and tears down every session
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.cancel()
	<-m.cleanup

	for _, id := range ids {
		m.Teardown(id, ReasonShutdown)
	}

	m.logger.Info("Stream manager stopped", slog.Int("closed_sessions", len(ids)))
}

func (m *Manager) resumeBelow() int {
	return m.config.ResumePendingChunks
}

func (m *Manager) recordBackpressure(state string) {
	if m.metrics != nil {
		m.metrics.RecordBackpressure(state)
	}
}

func (m *Manager) recordRejected(reason string) {
	if m.metrics != nil {
		m.metrics.RecordSessionRejected(reason)
	}
}
