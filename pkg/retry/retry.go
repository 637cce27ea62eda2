// Package retry applies bounded exponential backoff to store and ledger calls.
// Only apperr.ErrUpstreamUnavailable is retried; every other error returns immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
)

// Policy bounds one retry loop.
type Policy struct {
	Tries   uint
	Initial time.Duration
	Max     time.Duration
}

var (
	// ReadPolicy is used for idempotent reads.
	ReadPolicy = Policy{Tries: 4, Initial: 50 * time.Millisecond, Max: time.Second}
	// OncePolicy retries a viewer-facing write a single time.
	OncePolicy = Policy{Tries: 2, Initial: 100 * time.Millisecond, Max: 100 * time.Millisecond}
)

// Do runs op under p.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, apperr.ErrUpstreamUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.Tries))
}

// Read retries an idempotent read.
func Read[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return Do(ctx, ReadPolicy, op)
}

// Once retries op one time after an upstream failure.
func Once(ctx context.Context, op func() error) error {
	_, err := Do(ctx, OncePolicy, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
