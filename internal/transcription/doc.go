// Package transcription implements the HTTP client for the transcription API.
// Audio is posted as multipart form data with session and job metadata.
// Transient failures are retried with exponential backoff and concurrency is
// bounded by a semaphore.
package transcription
