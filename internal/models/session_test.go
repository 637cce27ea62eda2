package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionSetup, SessionStarting, true},
		{SessionStarting, SessionLive, true},
		{SessionLive, SessionEnding, true},
		{SessionEnding, SessionEnded, true},
		{SessionLive, SessionCancelled, true},
		{SessionSetup, SessionLive, false},
		{SessionStarting, SessionEnding, false},
		{SessionLive, SessionEnded, false},
		{SessionEnded, SessionLive, false},
		{SessionCancelled, SessionStarting, false},
		{SessionEnded, SessionCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSessionStatusPredicates(t *testing.T) {
	assert.True(t, SessionEnded.Terminal())
	assert.True(t, SessionCancelled.Terminal())
	assert.False(t, SessionEnding.Terminal())

	assert.True(t, SessionStarting.Resumable())
	assert.True(t, SessionLive.Resumable())
	assert.False(t, SessionSetup.Resumable())
	assert.False(t, SessionEnding.Resumable())

	assert.False(t, SessionStatus("paused").Valid())
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Biryani", "spicy", "", "biryani ", "  ", "Dinner"})
	assert.Equal(t, []string{"biryani", "dinner", "spicy"}, got)
	assert.Equal(t, []string{}, NormalizeTags(nil))
}
