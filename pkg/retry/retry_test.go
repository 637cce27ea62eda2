package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
)

func fast(tries uint) Policy {
	return Policy{Tries: tries, Initial: time.Millisecond, Max: time.Millisecond}
}

func TestDoRetriesUpstreamUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast(4), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, apperr.Upstream("get", errors.New("conn reset"))
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtMaxTries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(2), func() (int, error) {
		calls++
		return 0, apperr.Upstream("get", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotRetryDomainErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(4), func() (int, error) {
		calls++
		return 0, apperr.ErrSessionNotLive
	})
	assert.ErrorIs(t, err, apperr.ErrSessionNotLive)
	assert.Equal(t, 1, calls)
}
