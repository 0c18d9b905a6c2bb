package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/callstream-service/internal/audio"
	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/metrics"
	"github.com/skypro1111/callstream-service/internal/transcription"
	"github.com/skypro1111/callstream-service/internal/vad"
)

// Transcriber turns WAV audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error)
}

// LocalConfig contains in-process worker configuration
type LocalConfig struct {
	ID                string
	InboxSize         int
	DefaultSampleRate int
	DefaultLanguage   string
	SegmentMin        time.Duration
	SegmentMax        time.Duration
	MinSilence        time.Duration
	VADThreshold      float32
	VADWindowSize     int

	// SegmentTimeout bounds one transcription call for a stream segment
	SegmentTimeout time.Duration
}

// Local is an in-process worker. It handles one message at a time from a
// bounded inbox, so work for a session is processed in arrival order.
type Local struct {
	config      LocalConfig
	transcriber Transcriber
	logger      *slog.Logger
	metrics     *metrics.Metrics

	inbox    chan Message
	out      chan Message
	sessions map[string]*localSession
	live     atomic.Int64

	// releases holds end_session requests that found the inbox full
	releaseMu sync.Mutex
	releases  []string
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type localSession struct {
	id         string
	callID     string
	language   string
	sampleRate int
	segmenter  *audio.Segmenter
	chunks     uint64
	startedAt  time.Time
}

// transcriptEvent is relayed to the client for every transcribed segment
type transcriptEvent struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId"`
	Segment    int     `json:"segment"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Start      float64 `json:"start"`
	Duration   float64 `json:"duration"`
	Final      bool    `json:"final"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// NewLocal creates and starts an in-process worker
func NewLocal(config LocalConfig, transcriber Transcriber, logger *slog.Logger, m *metrics.Metrics) (*Local, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if config.ID == "" {
		config.ID = "worker-" + uuid.NewString()[:8]
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 1024
	}
	if config.DefaultSampleRate <= 0 {
		config.DefaultSampleRate = 16000
	}
	if config.VADWindowSize <= 0 {
		config.VADWindowSize = 512
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = 30 * time.Second
	}
	if config.SegmentMax <= config.SegmentMin {
		return nil, fmt.Errorf("segment max %v must exceed min %v", config.SegmentMax, config.SegmentMin)
	}
	if _, err := vad.NewDetector(config.VADThreshold, config.VADWindowSize); err != nil {
		return nil, fmt.Errorf("invalid VAD settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Local{
		config:      config,
		transcriber: transcriber,
		logger:      logger.With(slog.String("worker_id", config.ID)),
		metrics:     m,
		inbox:       make(chan Message, config.InboxSize),
		out:         make(chan Message, config.InboxSize),
		sessions:    make(map[string]*localSession),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// ID returns the worker id
func (w *Local) ID() string {
	return w.config.ID
}

// Post queues a message without blocking. A full inbox rejects everything
// except end_session, which is set aside and handled ahead of the inbox.
func (w *Local) Post(msg Message) error {
	select {
	case <-w.done:
		return ErrPoolStopped
	default:
	}

	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return ErrPoolStopped
	default:
	}

	if msg.Type != MsgEndSession {
		return ErrWorkerBusy
	}

	w.releaseMu.Lock()
	w.releases = append(w.releases, msg.SessionID)
	w.releaseMu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Messages returns the worker's reply stream
func (w *Local) Messages() <-chan Message {
	return w.out
}

// Stop cancels in-flight work, stops the loop and closes the reply stream
func (w *Local) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.cancel()
		w.wg.Wait()
		close(w.out)
	})
}

func (w *Local) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			w.drainReleases()
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

func (w *Local) drainReleases() {
	w.releaseMu.Lock()
	ids := w.releases
	w.releases = nil
	w.releaseMu.Unlock()

	for _, id := range ids {
		w.endSession(Message{Type: MsgEndSession, SessionID: id})
	}
}

// SessionCount returns the number of sessions holding worker-side state
func (w *Local) SessionCount() int {
	return int(w.live.Load())
}

func (w *Local) emit(msg Message) {
	msg.WorkerID = w.config.ID
	select {
	case w.out <- msg:
	case <-w.done:
	}
}

func (w *Local) handle(msg Message) {
	switch msg.Type {
	case MsgInitSession:
		w.initSession(msg)
	case MsgAudioChunk:
		w.audioChunk(msg)
	case MsgControl:
		w.control(msg)
	case MsgEndSession:
		w.endSession(msg)
	case MsgProcessJob:
		w.processJob(msg)
	default:
		w.logger.Warn("Ignoring unknown message", slog.String("type", string(msg.Type)))
	}
}

func (w *Local) initSession(msg Message) {
	if _, exists := w.sessions[msg.SessionID]; exists {
		w.emit(Message{Type: MsgSessionError, SessionID: msg.SessionID, Error: "session already initialized"})
		return
	}

	opts := SessionOptions{}
	if msg.Session != nil {
		opts = *msg.Session
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = w.config.DefaultSampleRate
	}
	if opts.Language == "" {
		opts.Language = w.config.DefaultLanguage
	}

	detector, err := vad.NewDetector(w.config.VADThreshold, w.config.VADWindowSize)
	if err != nil {
		w.emit(Message{Type: MsgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}
	segmenter, err := audio.NewSegmenter(audio.SegmenterConfig{
		SampleRate:  opts.SampleRate,
		MinDuration: w.config.SegmentMin,
		MaxDuration: w.config.SegmentMax,
		MinSilence:  w.config.MinSilence,
	}, detector)
	if err != nil {
		w.emit(Message{Type: MsgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}

	w.sessions[msg.SessionID] = &localSession{
		id:         msg.SessionID,
		callID:     opts.CallID,
		language:   opts.Language,
		sampleRate: opts.SampleRate,
		segmenter:  segmenter,
		startedAt:  time.Now(),
	}
	w.live.Add(1)

	w.logger.Debug("Session initialized",
		slog.String("session_id", msg.SessionID),
		slog.String("call_id", opts.CallID),
		slog.Int("sample_rate", opts.SampleRate))

	w.emit(Message{Type: MsgSessionReady, SessionID: msg.SessionID})
}

func (w *Local) audioChunk(msg Message) {
	s, ok := w.sessions[msg.SessionID]
	if !ok {
		w.logger.Debug("Chunk for unknown session", slog.String("session_id", msg.SessionID))
		return
	}
	s.chunks++

	segments, err := s.segmenter.Write(msg.Audio)
	if err != nil {
		w.emit(Message{Type: MsgChunkAck, SessionID: s.id})
		w.emit(Message{Type: MsgSessionError, SessionID: s.id, Error: err.Error()})
		return
	}

	for _, seg := range segments {
		if !w.transcribeSegment(s, seg, !seg.Truncated) {
			w.emit(Message{Type: MsgChunkAck, SessionID: s.id})
			return
		}
	}

	w.emit(Message{Type: MsgChunkAck, SessionID: s.id})
}

func (w *Local) control(msg Message) {
	s, ok := w.sessions[msg.SessionID]
	if !ok {
		return
	}

	var ctrl controlMessage
	if err := json.Unmarshal(msg.Control, &ctrl); err != nil {
		w.logger.Warn("Ignoring malformed control message",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		return
	}

	switch ctrl.Type {
	case "end":
		if seg := s.segmenter.Flush(); seg != nil {
			w.transcribeSegment(s, seg, true)
		}
	default:
		w.logger.Debug("Ignoring control message",
			slog.String("session_id", s.id),
			slog.String("type", ctrl.Type))
	}
}

func (w *Local) endSession(msg Message) {
	s, ok := w.sessions[msg.SessionID]
	if ok {
		delete(w.sessions, msg.SessionID)
		w.live.Add(-1)
		w.logger.Debug("Session released",
			slog.String("session_id", s.id),
			slog.Uint64("chunks", s.chunks),
			slog.Duration("duration", time.Since(s.startedAt)))
	}
	w.emit(Message{Type: MsgSessionReleased, SessionID: msg.SessionID})
}

// transcribeSegment sends one segment for transcription and relays the text.
// It reports false when the session hit a processing error.
func (w *Local) transcribeSegment(s *localSession, seg *audio.Segment, final bool) bool {
	if w.metrics != nil {
		w.metrics.RecordSegment(seg.Duration.Seconds())
	}

	wav, err := seg.WAV()
	if err != nil {
		w.emit(Message{Type: MsgSessionError, SessionID: s.id, Error: err.Error()})
		return false
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.config.SegmentTimeout)
	defer cancel()

	resp, err := w.transcribe(ctx, &transcription.Request{
		RequestID:  fmt.Sprintf("%s-%d", s.id, seg.Index),
		SessionID:  s.id,
		CallID:     s.callID,
		Segment:    seg.Index,
		Audio:      wav,
		SampleRate: seg.SampleRate,
		Duration:   seg.Duration,
		Confidence: seg.Confidence,
		Language:   s.language,
	})
	if err != nil {
		w.logger.Error("Segment transcription failed",
			slog.String("session_id", s.id),
			slog.Int("segment", seg.Index),
			slog.String("error", err.Error()))
		w.emit(Message{Type: MsgSessionError, SessionID: s.id, Error: err.Error()})
		return false
	}

	payload, err := json.Marshal(transcriptEvent{
		Type:       "transcript",
		SessionID:  s.id,
		Segment:    seg.Index,
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Language:   resp.Language,
		Start:      seg.Start.Seconds(),
		Duration:   seg.Duration.Seconds(),
		Final:      final,
	})
	if err != nil {
		w.emit(Message{Type: MsgSessionError, SessionID: s.id, Error: err.Error()})
		return false
	}

	w.emit(Message{Type: MsgTranscript, SessionID: s.id, Payload: payload})
	return true
}

func (w *Local) transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	if w.metrics != nil {
		w.metrics.RecordTranscriptionRequest()
	}
	start := time.Now()

	resp, err := w.transcriber.Transcribe(ctx, req)

	if w.metrics != nil {
		if err != nil {
			w.metrics.RecordTranscriptionFailure(time.Since(start).Seconds())
		} else {
			w.metrics.RecordTranscriptionSuccess(time.Since(start).Seconds())
		}
	}
	return resp, err
}

// processJob runs every operation of a file job in order
func (w *Local) processJob(msg Message) {
	j := msg.Job
	if j == nil {
		w.emit(Message{Type: MsgJobError, JobID: msg.JobID, Error: "missing job payload"})
		return
	}

	ctx := w.ctx
	if !msg.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(w.ctx, msg.Deadline)
		defer cancel()
	}

	result, err := w.runJob(ctx, j)
	if err != nil {
		w.logger.Warn("Job failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
		w.emit(Message{Type: MsgJobError, JobID: j.ID, Error: err.Error()})
		return
	}

	w.emit(Message{Type: MsgJobComplete, JobID: j.ID, Result: result})
}

func (w *Local) runJob(ctx context.Context, j *job.Job) (*job.Result, error) {
	data := j.Audio
	if len(data) == 0 && j.FilePath != "" {
		var err error
		if data, err = os.ReadFile(j.FilePath); err != nil {
			return nil, fmt.Errorf("read %s: %w", j.FilePath, err)
		}
	}

	rate := j.Options.SampleRate
	if rate <= 0 {
		rate = w.config.DefaultSampleRate
	}
	samples, info, err := audio.Normalize(data, rate)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}

	wav, err := audio.EncodeWAV(samples, info.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode audio: %w", err)
	}

	result := &job.Result{JobID: j.ID, Status: string(job.StatusCompleted)}
	var resp *transcription.Response

	request := func(language string) (*transcription.Response, error) {
		return w.transcribe(ctx, &transcription.Request{
			RequestID:  j.ID,
			JobID:      j.ID,
			CallID:     j.Options.CallID,
			Audio:      wav,
			SampleRate: info.SampleRate,
			Duration:   time.Duration(info.Duration * float64(time.Second)),
			Language:   language,
		})
	}

	for _, op := range j.Operations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch op {
		case job.OpTransform:
			result.Audio = &job.AudioInfo{
				SampleRate: info.SampleRate,
				Channels:   1,
				Duration:   info.Duration,
				Bytes:      len(wav),
			}

		case job.OpTranscribe:
			language := j.Options.Language
			if language == "" {
				language = w.config.DefaultLanguage
			}
			if resp, err = request(language); err != nil {
				return nil, fmt.Errorf("transcribe: %w", err)
			}
			result.Transcript = toTranscript(resp)

		case job.OpDetectLanguage:
			if resp == nil {
				// No language hint so the provider detects it
				if resp, err = request(""); err != nil {
					return nil, fmt.Errorf("detect language: %w", err)
				}
			}
			result.Language = resp.Language

		default:
			return nil, fmt.Errorf("unsupported operation %q", op)
		}
	}

	return result, nil
}

func toTranscript(resp *transcription.Response) *job.Transcript {
	t := &job.Transcript{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Language:   resp.Language,
	}
	for _, s := range resp.Segments {
		t.Segments = append(t.Segments, job.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return t
}
