package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/skypro1111/callstream-service/internal/worker"
)

// FlowState is the backpressure position of a session
type FlowState int

const (
	FlowAccepting FlowState = iota
	FlowPaused
)

func (f FlowState) String() string {
	if f == FlowPaused {
		return "paused"
	}
	return "accepting"
}

// Reason explains why a session ended
type Reason string

const (
	ReasonClientEnd       Reason = "client_end"
	ReasonClientClosed    Reason = "client_closed"
	ReasonTransportError  Reason = "transport_error"
	ReasonProcessingError Reason = "processing_error"
	ReasonIdle            Reason = "idle_timeout"
	ReasonSlowConsumer    Reason = "slow_consumer"
	ReasonShutdown        Reason = "shutdown"
)

// WebSocket close codes used for session endings
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProcessingError = 1011
	CloseBreakerOpen     = 4001
	CloseNoWorkers       = 4002
	CloseSlowConsumer    = 4008
)

// CloseCode maps a reason to the code sent on the connection
func (r Reason) CloseCode() int {
	switch r {
	case ReasonProcessingError:
		return CloseProcessingError
	case ReasonSlowConsumer:
		return CloseSlowConsumer
	case ReasonShutdown:
		return CloseGoingAway
	default:
		return CloseNormal
	}
}

// Params are the connection parameters a session is admitted with
type Params struct {
	CallID     string
	Language   string
	SampleRate int
}

// SessionInfo is the administrative view of a session
type SessionInfo struct {
	ID             string    `json:"id"`
	WorkerID       string    `json:"workerId"`
	CallID         string    `json:"callId,omitempty"`
	Language       string    `json:"language,omitempty"`
	SampleRate     int       `json:"samplingRate"`
	StartTime      time.Time `json:"startTime"`
	LastActivity   time.Time `json:"lastActivity"`
	Duration       float64   `json:"duration"` // seconds
	Active         bool      `json:"active"`
	Flow           string    `json:"flow"`
	PendingChunks  int       `json:"pendingChunks"`
	ChunksReceived uint64    `json:"chunksReceived"`
	ChunksDropped  uint64    `json:"chunksDropped"`
	Transcripts    uint64    `json:"transcripts"`
}

type backpressureEvent struct {
	Type          string `json:"type"`
	State         string `json:"state"`
	PendingChunks int    `json:"pendingChunks"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Session is the server-side state of one live audio connection
type Session struct {
	ID         string
	WorkerID   string
	CallID     string
	Language   string
	SampleRate int
	StartTime  time.Time

	manager *Manager

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
	flow         FlowState
	pending      int
	received     uint64
	dropped      uint64
	transcripts  uint64
	closed       bool
	closeCode    int
	closeReason  Reason
	grace        *time.Timer
	failed       bool
	failure      string

	out  chan []byte
	done chan struct{}
}

func newSession(id string, p Params, m *Manager) *Session {
	now := m.now()
	return &Session{
		ID:           id,
		CallID:       p.CallID,
		Language:     p.Language,
		SampleRate:   p.SampleRate,
		StartTime:    now,
		manager:      m,
		lastActivity: now,
		active:       true,
		out:          make(chan []byte, m.config.OutboundQueue),
		done:         make(chan struct{}),
	}
}

// Outbound carries JSON frames for the client, in order
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done is closed when the connection should be closed. Frames already in
// Outbound should still be written.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseStatus returns the close code and reason once Done is closed
func (s *Session) CloseStatus() (int, Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// LastActivity returns the time of the last inbound frame
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Flow returns the current backpressure state
func (s *Session) Flow() FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow
}

// Info returns a snapshot for the admin API
func (s *Session) Info(now time.Time) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:             s.ID,
		WorkerID:       s.WorkerID,
		CallID:         s.CallID,
		Language:       s.Language,
		SampleRate:     s.SampleRate,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       now.Sub(s.StartTime).Seconds(),
		Active:         s.active,
		Flow:           s.flow.String(),
		PendingChunks:  s.pending,
		ChunksReceived: s.received,
		ChunksDropped:  s.dropped,
		Transcripts:    s.transcripts,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// admitChunk accounts for one inbound chunk. It reports whether the chunk
// may be forwarded.
func (s *Session) admitChunk(maxPending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrSessionNotFound
	}
	s.received++

	if s.pending >= 2*maxPending {
		s.dropped++
		return ErrBackpressure
	}

	s.pending++
	if s.flow == FlowAccepting && s.pending > maxPending {
		s.flow = FlowPaused
		s.sendLocked(mustJSON(backpressureEvent{Type: "backpressure", State: "pause", PendingChunks: s.pending}))
		s.manager.recordBackpressure("pause")
	}
	return nil
}

// unpend reverts admitChunk when the chunk could not be forwarded
func (s *Session) unpend() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
}

// refuseChunk reverts admitChunk for a chunk the worker had no room for and
// counts it as dropped. The sender is paused while acks are still owed, so
// the next ack below the resume threshold lets it continue.
func (s *Session) refuseChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
	}
	s.dropped++
	if s.active && s.flow == FlowAccepting && s.pending > 0 {
		s.flow = FlowPaused
		s.sendLocked(mustJSON(backpressureEvent{Type: "backpressure", State: "pause", PendingChunks: s.pending}))
		s.manager.recordBackpressure("pause")
	}
}

// ack releases one pending chunk and resumes the sender when it dropped
// below the resume threshold.
func (s *Session) ack(resumeBelow int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
	}
	if s.flow == FlowPaused && s.pending < resumeBelow {
		s.flow = FlowAccepting
		s.sendLocked(mustJSON(backpressureEvent{Type: "backpressure", State: "resume", PendingChunks: s.pending}))
		s.manager.recordBackpressure("resume")
	}
}

// Deliver receives worker messages for this session. It is called from the
// pool's reader for the assigned worker, so calls arrive in emission order.
func (s *Session) Deliver(msg worker.Message) {
	switch msg.Type {
	case worker.MsgChunkAck:
		s.ack(s.manager.resumeBelow())

	case worker.MsgTranscript:
		s.mu.Lock()
		s.transcripts++
		s.sendLocked(msg.Payload)
		s.mu.Unlock()

	case worker.MsgSessionError:
		s.mu.Lock()
		s.failed = true
		s.failure = msg.Error
		s.sendLocked(mustJSON(errorEvent{Type: "error", Code: "PROCESSING_ERROR", Message: msg.Error}))
		s.mu.Unlock()
		s.manager.Teardown(s.ID, ReasonProcessingError)

	case worker.MsgSessionReleased:
		s.mu.Lock()
		reason := s.closeReason
		s.mu.Unlock()
		if reason == "" {
			reason = ReasonClientEnd
		}
		s.finish(reason)

	default:
		if len(msg.Payload) > 0 {
			s.send(msg.Payload)
		}
	}
}

// workerFailure reports whether the worker sent session_error
func (s *Session) workerFailure() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure, s.failed
}

func (s *Session) send(frame []byte) {
	s.mu.Lock()
	s.sendLocked(frame)
	s.mu.Unlock()
}

// sendLocked queues a frame without blocking. A full queue means the client
// is not reading; the session is torn down instead of buffering further.
func (s *Session) sendLocked(frame []byte) {
	if s.closed || frame == nil {
		return
	}

	select {
	case s.out <- frame:
	default:
		go s.manager.Teardown(s.ID, ReasonSlowConsumer)
	}
}

// deactivate stops accepting input; it reports false if already inactive
func (s *Session) deactivate(reason Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	s.active = false
	s.closeReason = reason
	return true
}

// finishAfter closes the session once the worker confirms the release or
// the grace period passes, whichever comes first.
func (s *Session) finishAfter(grace time.Duration, reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.grace != nil {
		return
	}
	s.grace = time.AfterFunc(grace, func() { s.finish(reason) })
}

// finish closes Done exactly once
func (s *Session) finish(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.active = false
	s.closeReason = reason
	s.closeCode = reason.CloseCode()
	if s.grace != nil {
		s.grace.Stop()
	}
	close(s.done)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
