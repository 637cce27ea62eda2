// Package sessions is the durable record of live sessions.
package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-kitchen/livecommerce/internal/models"
)

// Store persists live sessions. Lookups return (nil, nil) when nothing matches.
// I/O failures are wrapped with apperr.ErrUpstreamUnavailable; unique-index
// violations (second open session for a broadcaster, busy channel) with apperr.ErrConflict.
type Store interface {
	Create(ctx context.Context, s *models.LiveSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	// UpdateStatus moves the session from expected to next only if it is still in expected.
	// Moving to live stamps StartedAt, moving to ended or cancelled stamps EndedAt; reason, when
	// non-empty, is recorded as the end reason.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, reason string, at time.Time) (bool, error)
	UpdateCounters(ctx context.Context, id uuid.UUID, delta models.CounterDelta) error
	// ListOpenByBroadcaster returns non-terminal sessions, most recently created first.
	ListOpenByBroadcaster(ctx context.Context, broadcasterID uuid.UUID) ([]models.LiveSession, error)
	// GetActiveByChannel returns the session holding the channel (starting or live).
	GetActiveByChannel(ctx context.Context, channelID string) (*models.LiveSession, error)
	// ListStale returns sessions in status whose last status change is before changedBefore.
	ListStale(ctx context.Context, status models.SessionStatus, changedBefore time.Time) ([]models.LiveSession, error)
	SetReplayKey(ctx context.Context, id uuid.UUID, key string) error
}
