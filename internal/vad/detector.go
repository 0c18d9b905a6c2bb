package vad

import (
	"fmt"
	"math"
	"sync"
)

// fullScaleRMS is the RMS level mapped to probability 1.0.
const fullScaleRMS = 10000.0

// Result is the outcome of analysing one window
type Result struct {
	Probability float32 `json:"probability"`
	HasVoice    bool    `json:"has_voice"`
	Confidence  float32 `json:"confidence"`
}

// Stats represents detector statistics
type Stats struct {
	TotalWindows    uint64  `json:"total_windows"`
	VoiceWindows    uint64  `json:"voice_windows"`
	VoicePercentage float64 `json:"voice_percentage"`
	Threshold       float32 `json:"threshold"`
}

// Detector classifies fixed-size windows of PCM-16 samples as voice or silence
type Detector struct {
	threshold  float32
	windowSize int
	smoothing  float32

	lastResult   float32
	totalWindows uint64
	voiceWindows uint64

	mu sync.Mutex
}

// NewDetector creates a detector for windows of windowSize samples
func NewDetector(threshold float32, windowSize int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	return &Detector{
		threshold:  threshold,
		windowSize: windowSize,
		smoothing:  0.5,
	}, nil
}

// WindowSize returns the number of samples Process expects
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// Process analyses one window of samples
func (d *Detector) Process(samples []int16) (Result, error) {
	if len(samples) != d.windowSize {
		return Result{}, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(samples))
	}

	probability := energy(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	// Exponential smoothing keeps single loud clicks from opening a segment
	if d.totalWindows > 0 {
		probability = d.smoothing*probability + (1-d.smoothing)*d.lastResult
	}
	d.lastResult = probability

	hasVoice := probability >= d.threshold

	d.totalWindows++
	if hasVoice {
		d.voiceWindows++
	}

	// Higher confidence the further the probability is from the threshold
	confidence := float32(math.Abs(float64(probability - d.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
	}, nil
}

// Stats returns current detector statistics
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		Threshold:       d.threshold,
	}
}

// Reset clears smoothing state and statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastResult = 0
	d.totalWindows = 0
	d.voiceWindows = 0
}

// energy returns the window RMS normalized to 0..1
func energy(samples []int16) float32 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	normalized := rms / fullScaleRMS
	if normalized > 1 {
		normalized = 1
	}
	return float32(normalized)
}
