package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/blockcounter"
)

func setup(now *time.Time) (*Breaker, *blockcounter.MemoryCounter) {
	counter := blockcounter.NewMemoryCounter().WithClock(func() time.Time { return *now })
	b := New(counter, DefaultConfig()).WithClock(func() time.Time { return *now })
	return b, counter
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, counter := setup(&now)

	for i := 0; i < 12; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}

	d, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	assert.Equal(t, Tripped, d.State)
	assert.Equal(t, int64(12), d.RecentBlocks)
	assert.True(t, d.Demote)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, counter := setup(&now)

	for i := 0; i < 9; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}

	d, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	assert.Equal(t, Closed, d.State)
	assert.False(t, d.Demote)
}

func TestBreaker_ClosesAfterCooldownAndQuietPeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, counter := setup(&now)

	for i := 0; i < 10; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}
	d, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	require.Equal(t, Tripped, d.State)

	// Still tripped before the cooldown elapses, even once buckets age out.
	now = now.Add(30 * time.Minute)
	d, err = b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	assert.Equal(t, Tripped, d.State)

	// After cooldown + hysteresis with the window clear, the breaker closes.
	now = now.Add(25 * time.Hour)
	d, err = b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	assert.Equal(t, Closed, d.State)
	assert.False(t, d.Demote)
}

func TestBreaker_ContinuedBreachKeepsItTripped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, counter := setup(&now)

	for i := 0; i < 10; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}
	_, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)

	// Past the cooldown the rule is still blocking heavily: stay tripped.
	now = now.Add(2 * time.Hour)
	for i := 0; i < 10; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}
	d, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)
	assert.Equal(t, Tripped, d.State)
}

func TestBreaker_RulesAreIndependent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, counter := setup(&now)

	for i := 0; i < 10; i++ {
		require.NoError(t, counter.Increment(ctx, "MD-001", "hash"))
	}
	_, err := b.Check(ctx, "MD-001", "hash")
	require.NoError(t, err)

	assert.Equal(t, Tripped, b.StateOf("MD-001"))
	assert.Equal(t, Closed, b.StateOf("MD-002"))
}
