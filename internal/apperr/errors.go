// Package apperr defines the error taxonomy shared by the live commerce engine.
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConflict is returned when a broadcaster already has an open session or a channel is busy.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned for an illegal state-machine move.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSessionNotLive is returned when an action requires a live session.
	ErrSessionNotLive = errors.New("session not live")
	// ErrNotAuthorized is returned when the actor is not the session's broadcaster.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable wraps store and ledger I/O failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// ConflictError carries the open session that blocked a create, so callers can offer resume.
type ConflictError struct {
	SessionID uuid.UUID
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.SessionID == uuid.Nil {
		return fmt.Sprintf("conflict: %s", e.Reason)
	}
	return fmt.Sprintf("conflict: %s (session %s)", e.Reason, e.SessionID)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s -> %s", e.Entity, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Transition builds a TransitionError from any string-like statuses.
func Transition[S ~string](entity string, from, to S) error {
	return &TransitionError{Entity: entity, From: string(from), To: string(to)}
}

// Upstream marks err as a store/ledger I/O failure for op.
func Upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}

// Invalid returns an ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
