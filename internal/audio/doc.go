// Package audio handles PCM-16 sample conversion, WAV encoding and decoding,
// and the voice-activity driven segmentation of streamed call audio.
package audio
