package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// ErrNotWAV is returned when data does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a WAV file")

// wavHeader is the canonical 44-byte PCM WAV header
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes a decoded WAV payload
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	NumSamples    int     `json:"num_samples"`
}

// EncodeWAV encodes mono PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE signature
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV decodes a PCM-16 WAV file into mono samples. Stereo input is
// downmixed. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]int16, WAVInfo, error) {
	if !IsWAV(data) {
		return nil, WAVInfo{}, ErrNotWAV
	}

	var (
		info     WAVInfo
		haveFmt  bool
		pcm      []byte
		haveData bool
	)

	offset := 12
	for offset+8 <= len(data) && !haveData {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, WAVInfo{}, fmt.Errorf("invalid WAV file: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, WAVInfo{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			pcm = data[body:end]
			haveData = true
		}

		// Chunks are word aligned
		offset = body + size + size%2
	}

	if !haveFmt {
		return nil, WAVInfo{}, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !haveData {
		return nil, WAVInfo{}, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if info.BitsPerSample != 16 {
		return nil, WAVInfo{}, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}
	if info.Channels < 1 || info.Channels > 2 {
		return nil, WAVInfo{}, fmt.Errorf("unsupported channel count: %d", info.Channels)
	}
	if info.SampleRate <= 0 {
		return nil, WAVInfo{}, fmt.Errorf("invalid sample rate: %d", info.SampleRate)
	}

	samples := BytesToSamples(pcm)
	if info.Channels == 2 {
		samples = downmix(samples)
		info.Channels = 1
	}
	if len(samples) == 0 {
		return nil, WAVInfo{}, fmt.Errorf("no audio data found")
	}

	info.NumSamples = len(samples)
	info.Duration = float64(len(samples)) / float64(info.SampleRate)
	return samples, info, nil
}

// Normalize turns an uploaded payload into mono PCM-16 samples. WAV input is
// decoded; anything else is treated as raw little-endian PCM at defaultRate.
func Normalize(data []byte, defaultRate int) ([]int16, WAVInfo, error) {
	if IsWAV(data) {
		return DecodeWAV(data)
	}

	if len(data) < 2 {
		return nil, WAVInfo{}, fmt.Errorf("audio payload too short: %d bytes", len(data))
	}
	if defaultRate <= 0 {
		return nil, WAVInfo{}, fmt.Errorf("sample rate must be positive, got %d", defaultRate)
	}

	samples := BytesToSamples(data)
	return samples, WAVInfo{
		SampleRate:    defaultRate,
		Channels:      1,
		BitsPerSample: 16,
		NumSamples:    len(samples),
		Duration:      float64(len(samples)) / float64(defaultRate),
	}, nil
}

// BytesToSamples converts little-endian PCM-16 bytes to samples. A trailing
// odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func downmix(interleaved []int16) []int16 {
	mono := make([]int16, len(interleaved)/2)
	for i := range mono {
		mono[i] = int16((int32(interleaved[2*i]) + int32(interleaved[2*i+1])) / 2)
	}
	return mono
}
