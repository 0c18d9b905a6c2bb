package stream

import (
	"log/slog"
	"time"
)

// startReaper sweeps for idle sessions until the manager stops
func (m *Manager) startReaper() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Idle reaper started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.SweepInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Idle reaper stopping")
			return

		case <-ticker.C:
			m.ReapIdle(m.now())
		}
	}
}

// ReapIdle tears down every session whose last activity is older than the
// idle timeout at now. It returns the ids it removed.
func (m *Manager) ReapIdle(now time.Time) []string {
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return nil
	}

	m.logger.Info("Reaping idle sessions", slog.Int("expired_count", len(expired)))

	removed := expired[:0]
	for _, id := range expired {
		// A concurrent close may have won the race
		if m.Teardown(id, ReasonIdle) {
			removed = append(removed, id)
		}
	}
	return removed
}
