package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	SessionSetup     SessionStatus = "setup"
	SessionStarting  SessionStatus = "starting"
	SessionLive      SessionStatus = "live"
	SessionEnding    SessionStatus = "ending"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// OpenSessionStatuses are the non-terminal statuses, in lifecycle order.
var OpenSessionStatuses = []SessionStatus{SessionSetup, SessionStarting, SessionLive, SessionEnding}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionSetup:    {SessionStarting, SessionCancelled},
	SessionStarting: {SessionLive, SessionCancelled},
	SessionLive:     {SessionEnding, SessionCancelled},
	SessionEnding:   {SessionEnded, SessionCancelled},
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// Resumable reports whether a broadcaster may continue streaming into the session.
func (s SessionStatus) Resumable() bool {
	return s == SessionStarting || s == SessionLive
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionSetup, SessionStarting, SessionLive, SessionEnding, SessionEnded, SessionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the session state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LiveSession is one broadcast-with-commerce event tied to a channel id.
type LiveSession struct {
	ID               uuid.UUID     `json:"id"`
	ChannelID        string        `json:"channel_id"`
	BroadcasterID    uuid.UUID     `json:"broadcaster_id"`
	ProductID        *uuid.UUID    `json:"product_id,omitempty"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Tags             []string      `json:"tags"`
	Status           SessionStatus `json:"status"`
	ScheduledStartAt *time.Time    `json:"scheduled_start_at,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	EndReason        string        `json:"end_reason,omitempty"`
	ReplayKey        string        `json:"replay_key,omitempty"`
	CurrentViewers   int           `json:"current_viewers"`
	PeakViewers      int           `json:"peak_viewers"`
	TotalViewers     int           `json:"total_viewers"`
	TotalComments    int64         `json:"total_comments"`
	CreatedAt        time.Time     `json:"created_at"`
	StatusChangedAt  time.Time     `json:"status_changed_at"`
}

// CounterDelta is a counter update pushed by the presence aggregator.
// CurrentViewers is absolute, PeakViewers is a high-water mark, the totals are increments.
type CounterDelta struct {
	CurrentViewers int
	PeakViewers    int
	TotalViewers   int
	TotalComments  int64
}

// Empty reports whether applying d would only rewrite the current viewer count.
func (d CounterDelta) Empty() bool {
	return d.TotalViewers == 0 && d.TotalComments == 0
}

// NormalizeTags trims, lowercases, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
