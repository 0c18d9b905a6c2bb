// Package server is the HTTP boundary of the service. It binds each
// WebSocket connection on /stream to one stream session, accepts file jobs,
// serves the token-protected admin API and exposes health and Prometheus
// metrics endpoints.
package server
