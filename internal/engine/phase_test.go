package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTracker_FollowsSessionDay(t *testing.T) {
	p := NewPhaseTracker()
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	for _, next := range []Phase{PhasePreMarket, PhaseTrading, PhaseClosing, PhasePostMarket, PhaseIdle} {
		require.NoError(t, p.To(next, "clock", now))
	}
	assert.Equal(t, PhaseIdle, p.Current())
	assert.Len(t, p.History(), 5)
}

func TestPhaseTracker_RejectsInvalidTransitions(t *testing.T) {
	p := NewPhaseTracker()
	now := time.Now()
	require.NoError(t, p.To(PhaseTrading, "restart", now))
	err := p.To(PhasePreMarket, "back", now)
	assert.True(t, errors.Is(err, ErrPhaseTransition))

	require.NoError(t, p.To(PhaseEmergency, "kill", now))
	assert.True(t, p.Current().Terminal())
	assert.Error(t, p.To(PhaseTrading, "resume", now))
	require.NoError(t, p.To(PhaseStopped, "shutdown", now))
	assert.Error(t, p.To(PhaseIdle, "again", now))
}

func TestPhaseTracker_SamePhaseIsNoop(t *testing.T) {
	p := NewPhaseTracker()
	require.NoError(t, p.To(PhaseIdle, "noop", time.Now()))
	assert.Empty(t, p.History())
}
