package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/callstream-service/internal/job"
)

// MessageType identifies a message exchanged between the pool and a worker
type MessageType string

// Messages posted to workers
const (
	MsgInitSession MessageType = "init_session"
	MsgAudioChunk  MessageType = "audio_chunk"
	MsgControl     MessageType = "control"
	MsgEndSession  MessageType = "end_session"
	MsgProcessJob  MessageType = "process_job"
)

// Messages emitted by workers
const (
	MsgSessionReady    MessageType = "session_ready"
	MsgSessionReleased MessageType = "session_released"
	MsgSessionError    MessageType = "session_error"
	MsgChunkAck        MessageType = "chunk_ack"
	MsgTranscript      MessageType = "transcript"
	MsgJobComplete     MessageType = "job_complete"
	MsgJobError        MessageType = "job_error"
)

// Message is the single envelope used in both directions
type Message struct {
	Type      MessageType
	WorkerID  string
	SessionID string
	JobID     string

	Session  *SessionOptions
	Job      *job.Job
	Deadline time.Time

	Audio   []byte
	Control json.RawMessage

	Result *job.Result
	Error  string

	// Payload is a client-bound JSON event relayed verbatim
	Payload json.RawMessage
}

// SessionOptions are passed to a worker when a stream session starts
type SessionOptions struct {
	CallID     string
	Language   string
	SampleRate int
}

var (
	// ErrNoWorkers is returned when the pool holds no worker handles
	ErrNoWorkers = errors.New("no workers available")
	// ErrJobTimeout is returned when a worker did not reply before the deadline
	ErrJobTimeout = errors.New("job timed out")
	// ErrWorkerBusy is returned when a worker inbox is full
	ErrWorkerBusy = errors.New("worker inbox full")
	// ErrPoolStopped is returned after Stop
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrUnknownWorker is returned when posting to an id the pool does not hold
	ErrUnknownWorker = errors.New("unknown worker")
)

// JobError is an explicit failure reported by a worker
type JobError struct {
	JobID    string
	WorkerID string
	Message  string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed on %s: %s", e.JobID, e.WorkerID, e.Message)
}

// SessionError is an explicit failure reported for a stream session
type SessionError struct {
	SessionID string
	Message   string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
}
