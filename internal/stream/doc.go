// Package stream manages live audio sessions. Each session binds one client
// connection to one worker for its lifetime, forwards audio with explicit
// backpressure and relays worker output back in order. Idle sessions are
// retired by a periodic sweep.
package stream
