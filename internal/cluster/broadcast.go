package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skypro1111/callstream-service/internal/breaker"
)

const publishTimeout = 2 * time.Second

// Event is one breaker transition as seen on the wire
type Event struct {
	Instance  string    `json:"instance"`
	Breaker   string    `json:"breaker"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster publishes local breaker transitions and records remote ones
type Broadcaster struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	remote map[string]Event // keyed by instance/breaker
}

// NewBroadcaster creates a broadcaster for the given instance id
func NewBroadcaster(client *redis.Client, channel, instance string, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		client:   client,
		channel:  channel,
		instance: instance,
		logger:   logger,
		now:      time.Now,
		remote:   make(map[string]Event),
	}
}

// Instance returns the id stamped on published events
func (b *Broadcaster) Instance() string {
	return b.instance
}

// Listener returns a breaker listener that publishes every transition
func (b *Broadcaster) Listener() breaker.Listener {
	return func(status breaker.Status) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := b.Publish(ctx, status); err != nil {
			b.logger.Warn("Failed to broadcast breaker state",
				slog.String("breaker", status.Name),
				slog.String("error", err.Error()))
		}
	}
}

// Publish sends one breaker status to the channel
func (b *Broadcaster) Publish(ctx context.Context, status breaker.Status) error {
	payload, err := json.Marshal(b.event(status))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *Broadcaster) event(status breaker.Status) Event {
	return Event{
		Instance:  b.instance,
		Breaker:   status.Name,
		State:     status.State.String(),
		Failures:  status.Failures,
		Timestamp: b.now().UTC(),
	}
}

// Run subscribes to the channel until ctx is cancelled
func (b *Broadcaster) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.logger.Info("Listening for breaker broadcasts",
		slog.String("channel", b.channel),
		slog.String("instance", b.instance))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

// handle records a remote event; events from this instance are ignored
func (b *Broadcaster) handle(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("Ignoring malformed breaker broadcast", slog.String("error", err.Error()))
		return
	}
	if ev.Instance == b.instance {
		return
	}

	b.mu.Lock()
	b.remote[ev.Instance+"/"+ev.Breaker] = ev
	b.mu.Unlock()

	b.logger.Info("Remote breaker state changed",
		slog.String("instance", ev.Instance),
		slog.String("breaker", ev.Breaker),
		slog.String("state", ev.State),
		slog.Int("failures", ev.Failures))
}

// Remote returns the last event seen from every other instance
func (b *Broadcaster) Remote() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]Event, 0, len(b.remote))
	for _, ev := range b.remote {
		events = append(events, ev)
	}
	return events
}
