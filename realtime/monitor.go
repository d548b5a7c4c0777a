// This file contains the Monitor which detects and reaps dead connections the
// network did not cleanly close. It runs the standard two-tick-miss detector:
// a connection survives only if it answers every ping within one interval.
package realtime

import (
	"context"
	"log/slog"
	"time"
)

type Monitor struct {
	registry *Registry
	interval time.Duration
	reap     func(conn *Conn)
	refresh  func()
	logger   *slog.Logger
}

func newMonitor(registry *Registry, interval time.Duration, reap func(conn *Conn), refresh func(), logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		reap:     reap,
		refresh:  refresh,
		logger:   logger,
	}
}

// Run pings every registered connection on a fixed interval and terminates any
// connection whose liveness flag was not flipped back by a pong since the
// previous tick. It blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep performs one heartbeat cycle. A connection whose flag is already false
// missed the previous ping, so the flag itself is the termination signal; the
// connection is purged immediately rather than waiting for a close event.
// The refresh hook runs on the same cadence, extending transient state such
// as presence TTLs while subscribers remain connected.
func (m *Monitor) sweep() {
	if m.refresh != nil {
		m.refresh()
	}

	for _, conn := range m.registry.All() {
		if !conn.swapAlive(false) {
			m.logger.Info("terminating unresponsive connection",
				"connId", conn.ID,
				"userId", conn.UserID())

			m.reap(conn)

			continue
		}

		if err := conn.ping(); err != nil {
			m.logger.Warn("ping failed, terminating connection",
				"connId", conn.ID,
				"error", err)

			m.reap(conn)
		}
	}
}
