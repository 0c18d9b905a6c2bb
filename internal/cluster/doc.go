// Package cluster shares circuit breaker transitions between service
// instances over Redis pub/sub. Events are informational: a remote event is
// logged and exposed for inspection but never changes a local breaker.
package cluster
