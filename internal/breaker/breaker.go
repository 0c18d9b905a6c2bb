package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker parameters
type Config struct {
	Name         string
	Threshold    int
	ResetTimeout time.Duration
}

// Status is a point-in-time snapshot of the breaker
type Status struct {
	Name         string     `json:"name"`
	State        State      `json:"state"`
	Failures     int        `json:"failures"`
	LastFailure  *time.Time `json:"lastFailure"`
	Threshold    int        `json:"threshold"`
	ResetTimeout int64      `json:"resetTimeout"` // milliseconds
}

// Listener is notified after every state transition and every forced reset.
// Listeners run outside the breaker lock.
type Listener func(Status)

// Breaker tracks failures of a single dependency. All counters are owned by
// the breaker and mutated under its lock.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	listeners []Listener
	mu        sync.Mutex
}

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, l) }
}

// New creates a closed breaker
func New(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}

	b := &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener after construction.
func (b *Breaker) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Name returns the dependency the breaker protects.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrOpen until the reset window elapsed; the first call after that moves the
// breaker to half-open and is the single trial allowed through.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		status := b.statusLocked()
		listeners := b.listeners
		b.mu.Unlock()
		b.notify(listeners, status)
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Ready reports whether Allow would currently let a call through, without
// consuming the half-open trial.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout
	case StateHalfOpen:
		return !b.trialInFlight
	default:
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()

	b.trialInFlight = false
	if b.state == StateClosed {
		b.failures = 0
		b.mu.Unlock()
		return
	}
	if b.state == StateOpen {
		// Late success from a call admitted before the breaker opened.
		b.mu.Unlock()
		return
	}

	b.state = StateClosed
	b.failures = 0
	status := b.statusLocked()
	listeners := b.listeners
	b.mu.Unlock()

	b.logger.Info("Circuit breaker closed",
		slog.String("breaker", b.cfg.Name),
	)
	b.notify(listeners, status)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()

	b.trialInFlight = false
	b.failures++
	b.lastFailure = b.now()

	opened := false
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			opened = true
		}
	case StateHalfOpen:
		b.state = StateOpen
		opened = true
	case StateOpen:
		// Restart the window on failures reported while already open.
	}

	if !opened {
		b.mu.Unlock()
		return
	}

	status := b.statusLocked()
	listeners := b.listeners
	b.mu.Unlock()

	b.logger.Warn("Circuit breaker opened",
		slog.String("breaker", b.cfg.Name),
		slog.Int("failures", status.Failures),
		slog.Duration("reset_timeout", b.cfg.ResetTimeout),
	)
	b.notify(listeners, status)
}

// Reset forces the breaker closed regardless of timers and notifies
// listeners even when it was already closed.
func (b *Breaker) Reset() Status {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.trialInFlight = false
	status := b.statusLocked()
	listeners := b.listeners
	b.mu.Unlock()

	b.logger.Info("Circuit breaker reset", slog.String("breaker", b.cfg.Name))
	b.notify(listeners, status)
	return status
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Breaker) statusLocked() Status {
	s := Status{
		Name:         b.cfg.Name,
		State:        b.state,
		Failures:     b.failures,
		Threshold:    b.cfg.Threshold,
		ResetTimeout: b.cfg.ResetTimeout.Milliseconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	return s
}

func (b *Breaker) notify(listeners []Listener, status Status) {
	for _, l := range listeners {
		l(status)
	}
}

// Execute runs fn through the breaker. When the breaker rejects the call the
// fallback value is returned with degraded set and fn is never invoked. A
// failing fn counts against the breaker and its error is returned as is;
// cancellation by the caller is not counted.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error), fallback func() T) (result T, degraded bool, err error) {
	if err := b.Allow(); err != nil {
		return fallback(), true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Release the half-open trial without judging the dependency.
			b.Release()
			return result, false, err
		}
		b.Failure()
		return result, false, err
	}

	b.Success()
	return result, false, nil
}

// Release gives back a half-open trial without recording an outcome. Use it
// when a call admitted by Allow ended for reasons unrelated to the dependency.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}
