// ABOUTME: Idle reaper that suspends open sessions without recent traffic
// ABOUTME: Suspended sessions keep credentials and reconnect on the next connect or send

package session

import (
	"context"
	"time"
)

// Run sweeps for idle sessions every SweepInterval until ctx is done or the
// manager shuts down.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("idle reaper started",
		"idle_timeout", m.cfg.IdleTimeout,
		"interval", m.cfg.SweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Sweep suspends every open session idle for longer than IdleTimeout as of
// now and returns how many it suspended.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	suspended := 0
	for _, s := range sessions {
		s.mu.Lock()
		idleFor := now.Sub(s.lastActivity)
		if s.removed || s.status != StatusOpen || s.conn == nil || idleFor <= m.cfg.IdleTimeout {
			s.mu.Unlock()
			continue
		}
		// status flips before the socket closes so the close is not
		// mistaken for a drop
		s.gen++
		live := s.conn
		s.conn = nil
		s.status = StatusIdle
		s.mu.Unlock()

		if err := live.Close(); err != nil {
			s.logger.Error("closing idle connection", "error", err)
		}
		s.logger.Info("session suspended for inactivity", "idle_for", idleFor.Round(time.Second))
		m.notify(s.tenant, StatusIdle)
		suspended++
	}
	return suspended
}
