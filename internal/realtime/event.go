package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind groups events for consumers.
type Kind string

const (
	KindLifecycle Kind = "lifecycle"
	KindOrder     Kind = "order"
	KindComment   Kind = "comment"
	KindPresence  Kind = "presence"
	// KindReply is only ever sent to the connection that asked, never fanned out.
	KindReply Kind = "reply"
)

// Event names.
const (
	EventSessionStarting  = "session.starting"
	EventSessionLive      = "session.live"
	EventSessionEnding    = "session.ending"
	EventSessionEnded     = "session.ended"
	EventSessionCancelled = "session.cancelled"
	EventOrderCreated     = "order.created"
	EventOrderUpdated     = "order.updated"
	EventPendingCount     = "order.pending_count"
	EventCommentCreated   = "comment.created"
	EventPresenceCount    = "presence.count"
)

// Event is the typed envelope delivered to session subscribers.
type Event struct {
	Kind          Kind            `json:"kind"`
	Name          string          `json:"name"`
	SessionID     uuid.UUID       `json:"session_id"`
	BroadcasterID uuid.UUID       `json:"broadcaster_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	At            time.Time       `json:"at"`
}

// NewEvent builds an event, encoding payload as JSON. Unencodable payloads yield an event without data.
func NewEvent(kind Kind, name string, sessionID, broadcasterID uuid.UUID, payload interface{}) Event {
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	return Event{
		Kind:          kind,
		Name:          name,
		SessionID:     sessionID,
		BroadcasterID: broadcasterID,
		Data:          data,
		At:            time.Now().UTC(),
	}
}
