// Package batch runs file-based jobs through the jobs circuit breaker and the
// worker pool, and keeps their short-lived status records.
package batch
