package audio

import (
	"fmt"
	"time"

	"github.com/skypro1111/callstream-service/internal/vad"
)

// SegmenterConfig bounds the segments cut from a voice stream
type SegmenterConfig struct {
	SampleRate  int
	MinDuration time.Duration
	MaxDuration time.Duration
	MinSilence  time.Duration
}

// Segment is a contiguous run of speech ready for transcription
type Segment struct {
	Index      int
	Samples    []int16
	SampleRate int
	Start      time.Duration
	Duration   time.Duration
	Confidence float32

	// Truncated is set when the segment was cut at the maximum duration
	// while speech continued.
	Truncated bool
}

// WAV encodes the segment as a mono WAV file
func (s *Segment) WAV() ([]byte, error) {
	return EncodeWAV(s.Samples, s.SampleRate)
}

type segmenterState int

const (
	stateIdle segmenterState = iota
	stateCollecting
)

// Segmenter turns a stream of PCM-16 bytes into speech segments. Timing is
// measured in samples so the output does not depend on how fast audio arrives.
// A Segmenter is owned by a single goroutine.
type Segmenter struct {
	cfg      SegmenterConfig
	detector *vad.Detector

	state   segmenterState
	carry   []byte
	window  []int16
	current []int16
	silence int
	confSum float32
	windows int

	consumed int
	start    int
	next     int
}

// NewSegmenter creates a segmenter driven by the given detector
func NewSegmenter(cfg SegmenterConfig, detector *vad.Detector) (*Segmenter, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.MaxDuration <= cfg.MinDuration {
		return nil, fmt.Errorf("max duration %v must exceed min duration %v", cfg.MaxDuration, cfg.MinDuration)
	}

	return &Segmenter{
		cfg:      cfg,
		detector: detector,
		window:   make([]int16, 0, detector.WindowSize()),
	}, nil
}

// Write feeds raw little-endian PCM-16 bytes and returns any segments that
// closed as a result.
func (s *Segmenter) Write(pcm []byte) ([]*Segment, error) {
	data := pcm
	if len(s.carry) > 0 {
		data = append(s.carry, pcm...)
		s.carry = nil
	}
	if len(data)%2 == 1 {
		s.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}

	var out []*Segment
	for _, sample := range BytesToSamples(data) {
		s.window = append(s.window, sample)
		if len(s.window) < cap(s.window) {
			continue
		}

		seg, err := s.processWindow()
		if err != nil {
			return out, err
		}
		if seg != nil {
			out = append(out, seg)
		}
		s.window = s.window[:0]
	}

	return out, nil
}

// Flush closes the segment in progress, including any partial window.
// It returns nil when no speech is pending.
func (s *Segmenter) Flush() *Segment {
	if s.state == stateCollecting {
		s.current = append(s.current, s.window...)
		s.window = s.window[:0]
		s.silence = 0
		return s.emit()
	}
	s.window = s.window[:0]
	s.carry = nil
	return nil
}

// Pending returns the duration of audio collected for the open segment
func (s *Segmenter) Pending() time.Duration {
	return s.samplesToDuration(len(s.current))
}

func (s *Segmenter) processWindow() (*Segment, error) {
	result, err := s.detector.Process(s.window)
	if err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}
	windowStart := s.consumed
	s.consumed += len(s.window)

	switch s.state {
	case stateIdle:
		if !result.HasVoice {
			return nil, nil
		}
		s.state = stateCollecting
		s.start = windowStart
		s.current = append(s.current[:0], s.window...)
		s.silence = 0
		s.confSum = result.Confidence
		s.windows = 1
		return nil, nil

	case stateCollecting:
		s.current = append(s.current, s.window...)
		s.confSum += result.Confidence
		s.windows++
		if result.HasVoice {
			s.silence = 0
		} else {
			s.silence += len(s.window)
		}

		length := s.samplesToDuration(len(s.current))
		if length >= s.cfg.MaxDuration {
			speaking := s.silence == 0
			seg := s.emit()
			if seg != nil {
				seg.Truncated = speaking
			}
			return seg, nil
		}

		if s.samplesToDuration(s.silence) >= s.cfg.MinSilence {
			speech := s.samplesToDuration(len(s.current) - s.silence)
			if speech >= s.cfg.MinDuration {
				return s.emit(), nil
			}
			// Too short to be speech; drop it
			s.reset()
		}
	}

	return nil, nil
}

func (s *Segmenter) emit() *Segment {
	// Trailing silence is not sent for transcription
	samples := s.current[:len(s.current)-s.silence]
	if len(samples) == 0 {
		s.reset()
		return nil
	}

	seg := &Segment{
		Index:      s.next,
		Samples:    append([]int16(nil), samples...),
		SampleRate: s.cfg.SampleRate,
		Start:      s.samplesToDuration(s.start),
		Duration:   s.samplesToDuration(len(samples)),
	}
	if s.windows > 0 {
		seg.Confidence = s.confSum / float32(s.windows)
	}
	s.next++
	s.reset()
	return seg
}

func (s *Segmenter) reset() {
	s.state = stateIdle
	s.current = s.current[:0]
	s.silence = 0
	s.confSum = 0
	s.windows = 0
}

func (s *Segmenter) samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.cfg.SampleRate)
}
