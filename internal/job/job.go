package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation names a processing step a worker can run.
type Operation string

const (
	OpTranscribe     Operation = "transcribe"
	OpDetectLanguage Operation = "detect-language"
	OpTransform      Operation = "transform"
)

// ParseOperation validates an operation name received from a client.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpTranscribe, OpDetectLanguage, OpTransform:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Options tune how a job is processed.
type Options struct {
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	CallID     string `json:"callId,omitempty"`
}

// Job is one discrete unit of work submitted to a worker. It exists only
// until completion or timeout.
type Job struct {
	ID         string      `json:"jobId"`
	SessionID  string      `json:"sessionId,omitempty"`
	FileID     string      `json:"fileId,omitempty"`
	Operations []Operation `json:"operations"`
	FilePath   string      `json:"filePath,omitempty"`
	Audio      []byte      `json:"-"`
	Options    Options     `json:"options"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// New creates a job with a fresh correlation id.
func New(ops []Operation, audio []byte, opts Options) *Job {
	return &Job{
		ID:         uuid.NewString(),
		FileID:     uuid.NewString(),
		Operations: ops,
		Audio:      audio,
		Options:    opts,
		CreatedAt:  time.Now(),
	}
}

// Primary returns the operation that decides the job deadline.
func (j *Job) Primary() Operation {
	if len(j.Operations) == 0 {
		return OpTranscribe
	}
	return j.Operations[0]
}

// Transcript is the text produced for an audio payload.
type Transcript struct {
	Text       string    `json:"text"`
	Confidence float32   `json:"confidence"`
	Language   string    `json:"language,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Segment is a timed slice of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// AudioInfo describes normalized audio produced by the transform operation.
type AudioInfo struct {
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Duration   float64 `json:"durationSeconds"`
	Bytes      int     `json:"bytes"`
}

// Result is the outcome of a job. Degraded results come from a fallback and
// must never be mistaken for processed output.
type Result struct {
	JobID      string      `json:"jobId"`
	Transcript *Transcript `json:"transcript,omitempty"`
	Language   string      `json:"language,omitempty"`
	Audio      *AudioInfo  `json:"audio,omitempty"`
	Degraded   bool        `json:"degraded"`
	Status     string      `json:"status"`
}

// Fallback returns the fixed degraded response served while the downstream
// speech service is considered unavailable.
func Fallback(jobID string) *Result {
	return &Result{
		JobID: jobID,
		Transcript: &Transcript{
			Text:       "[transcription temporarily unavailable]",
			Confidence: 0,
		},
		Degraded: true,
		Status:   string(StatusDegraded),
	}
}
