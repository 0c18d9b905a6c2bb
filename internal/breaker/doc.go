// Package breaker implements a closed/open/half-open circuit breaker that
// guards one downstream dependency and serves a fallback while it is open.
package breaker
