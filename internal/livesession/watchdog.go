package livesession

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/models"
)

const sweepTimeout = 5 * time.Second

// RunWatchdog cancels sessions that never received a first frame and finishes
// sessions whose transport stayed lost past the grace period. It returns when ctx is done.
func (m *Manager) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	m.sweepStartTimeouts(sweepCtx)
	m.sweepTransportLost(sweepCtx)
}

func (m *Manager) sweepStartTimeouts(ctx context.Context) {
	stale, err := m.store.ListStale(ctx, models.SessionStarting, m.now().Add(-m.cfg.StartGrace))
	if err != nil {
		m.logger.Warn("start timeout sweep failed", zap.Error(err))
		return
	}
	for i := range stale {
		s := &stale[i]
		if err := m.cancel(ctx, s, ReasonStartTimeout); err != nil {
			// lost to a concurrent MarkLive or cancel
			m.logger.Info("start timeout skipped", zap.String("session_id", s.ID.String()), zap.Error(err))
			continue
		}
		m.logger.Warn("session cancelled: no first frame", zap.String("session_id", s.ID.String()), zap.String("channel_id", s.ChannelID))
	}
}

func (m *Manager) sweepTransportLost(ctx context.Context) {
	deadline := m.now().Add(-m.cfg.TransportGrace)
	m.lostMu.Lock()
	due := make(map[string]lostMark)
	for channel, mark := range m.lost {
		if mark.at.Before(deadline) {
			due[channel] = mark
		}
	}
	m.lostMu.Unlock()

	for channel, mark := range due {
		s, err := m.store.GetByID(ctx, mark.sessionID)
		if err != nil {
			m.logger.Warn("transport lost sweep failed", zap.String("channel_id", channel), zap.Error(err))
			continue
		}
		if s == nil || s.Status.Terminal() {
			m.clearLost(channel, mark.sessionID)
			continue
		}
		switch s.Status {
		case models.SessionSetup, models.SessionStarting:
			err = m.cancel(ctx, s, ReasonTransportLost)
		case models.SessionLive, models.SessionEnding:
			_, err = m.EndSession(ctx, s.ID, ReasonTransportLost, false)
		}
		if err != nil {
			m.logger.Warn("transport lost handling failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			continue
		}
		m.clearLost(channel, mark.sessionID)
		m.logger.Warn("session closed after transport loss", zap.String("session_id", s.ID.String()), zap.String("status", string(s.Status)))
	}
}
