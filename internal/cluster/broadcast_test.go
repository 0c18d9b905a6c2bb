package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/skypro1111/callstream-service/internal/breaker"
)

func testBroadcaster(instance string) *Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	b := NewBroadcaster(client, "callstream:breaker", instance, logger)
	b.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return b
}

func TestEventFromStatus(t *testing.T) {
	b := testBroadcaster("node-a")

	ev := b.event(breaker.Status{Name: "jobs", State: breaker.StateOpen, Failures: 5})
	if ev.Instance != "node-a" || ev.Breaker != "jobs" || ev.State != "open" || ev.Failures != 5 {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("Unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestHandleRecordsRemoteEvents(t *testing.T) {
	b := testBroadcaster("node-a")

	own, _ := json.Marshal(Event{Instance: "node-a", Breaker: "jobs", State: "open"})
	b.handle(own)
	if len(b.Remote()) != 0 {
		t.Error("Events from this instance must be ignored")
	}

	b.handle([]byte("{not json"))
	if len(b.Remote()) != 0 {
		t.Error("Malformed events must be ignored")
	}

	first, _ := json.Marshal(Event{Instance: "node-b", Breaker: "jobs", State: "open", Failures: 5})
	second, _ := json.Marshal(Event{Instance: "node-b", Breaker: "jobs", State: "closed"})
	b.handle(first)
	b.handle(second)

	remote := b.Remote()
	if len(remote) != 1 {
		t.Fatalf("Expected 1 remote breaker, got %d", len(remote))
	}
	if remote[0].State != "closed" {
		t.Errorf("Expected latest state closed, got %s", remote[0].State)
	}
}

const testChannel = "callstream:breaker"

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// startBroadcasters runs one subscribed broadcaster per instance against a
// shared in-process Redis
func startBroadcasters(t *testing.T, instances ...string) (*miniredis.Miniredis, []*Broadcaster) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		broadcasters []*Broadcaster
		done         []chan error
	)
	for _, instance := range instances {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		b := NewBroadcaster(client, testChannel, instance, logger)
		ch := make(chan error, 1)
		go func() { ch <- b.Run(ctx) }()
		broadcasters = append(broadcasters, b)
		done = append(done, ch)
		t.Cleanup(func() { client.Close() })
	}
	t.Cleanup(func() {
		cancel()
		for _, ch := range done {
			select {
			case err := <-ch:
				if err != nil {
					t.Errorf("Run returned error: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Error("Run did not return after cancel")
			}
		}
	})

	waitFor(t, func() bool { return mr.PubSubNumSub(testChannel)[testChannel] == len(instances) })
	return mr, broadcasters
}

func TestPublishedResetReachesOtherInstance(t *testing.T) {
	_, bs := startBroadcasters(t, "node-a", "node-b")
	a, b := bs[0], bs[1]

	err := a.Publish(context.Background(), breaker.Status{Name: "stream", State: breaker.StateClosed})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool { return len(b.Remote()) == 1 })
	ev := b.Remote()[0]
	if ev.Instance != "node-a" || ev.Breaker != "stream" || ev.State != "closed" {
		t.Errorf("Unexpected remote event: %+v", ev)
	}

	// a saw its own event on the channel; once it has also seen b's event
	// its own must not be among the recorded ones
	if err := b.Publish(context.Background(), breaker.Status{Name: "jobs", State: breaker.StateOpen, Failures: 3}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return len(a.Remote()) == 1 })
	if got := a.Remote()[0]; got.Instance != "node-b" || got.State != "open" || got.Failures != 3 {
		t.Errorf("Unexpected remote event on a: %+v", got)
	}
}

func TestListenerBroadcastsBreakerTransitions(t *testing.T) {
	_, bs := startBroadcasters(t, "node-a", "node-b")
	a, b := bs[0], bs[1]

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	br := breaker.New(breaker.Config{Name: "jobs", Threshold: 1, ResetTimeout: time.Minute}, logger,
		breaker.WithListener(a.Listener()))

	br.Failure()
	waitFor(t, func() bool {
		remote := b.Remote()
		return len(remote) == 1 && remote[0].State == "open"
	})

	br.Reset()
	waitFor(t, func() bool {
		remote := b.Remote()
		return len(remote) == 1 && remote[0].State == "closed"
	})

	if len(a.Remote()) != 0 {
		t.Errorf("Own transitions must not be recorded as remote, got %+v", a.Remote())
	}
}

func TestRunFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	b := NewBroadcaster(client, testChannel, "node-a", slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Run(ctx); err == nil {
		t.Error("Expected Run to fail when Redis is unreachable")
	}
	if err := b.Publish(ctx, breaker.Status{Name: "jobs"}); err == nil {
		t.Error("Expected Publish to fail when Redis is unreachable")
	}
}
