// Package vad provides a lightweight energy-based voice activity detector.
// Workers use it to decide where to cut streamed call audio into segments.
package vad
