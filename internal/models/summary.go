package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionSummary is the immutable post-session analytics record. It is created once per session.
type SessionSummary struct {
	SessionID       uuid.UUID  `json:"session_id"`
	ChannelID       string     `json:"channel_id"`
	BroadcasterID   uuid.UUID  `json:"broadcaster_id"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         time.Time  `json:"ended_at"`
	DurationSeconds int64      `json:"duration_seconds"`
	PeakViewers     int        `json:"peak_viewers"`
	TotalViewers    int        `json:"total_viewers"`
	TotalComments   int64      `json:"total_comments"`
	TotalOrders     int        `json:"total_orders"`
	ConfirmedOrders int        `json:"confirmed_orders"`
	CancelledOrders int        `json:"cancelled_orders"`
	PendingOrders   int        `json:"pending_orders"`
	GrossAmount     int64      `json:"gross_amount"`
	EndReason       string     `json:"end_reason"`
	SavedAsReplay   bool       `json:"saved_as_replay"`
	CompiledAt      time.Time  `json:"compiled_at"`
}
