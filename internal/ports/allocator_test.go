package ports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequenceDraw(values ...int) DrawFunc {
	i := 0
	return func(n int) int {
		v := values[i%len(values)] % n
		i++
		return v
	}
}

func TestAllocate_SkipsHeldPorts(t *testing.T) {
	a, err := New(Options{Min: 25565, Max: 25570, Draw: sequenceDraw(0, 1, 2)})
	require.NoError(t, err)

	held := map[int]bool{25565: true, 25566: true}
	port, err := a.Allocate(context.Background(), func(_ context.Context, p int) (bool, error) {
		return held[p], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 25567, port)
}

func TestAllocate_ExhaustedAfterBudget(t *testing.T) {
	a, err := New(Options{Min: 25565, Max: 25566, MaxAttempts: 5, Draw: sequenceDraw(0, 1)})
	require.NoError(t, err)

	probes := 0
	_, err = a.Allocate(context.Background(), func(context.Context, int) (bool, error) {
		probes++
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhaustedRange))
	var exhausted *ExhaustedRangeError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, probes)
}

func TestAllocate_PropagatesLookupError(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)

	boom := errors.New("db down")
	_, err = a.Allocate(context.Background(), func(context.Context, int) (bool, error) {
		return false, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestAllocate_HonorsCancelledContext(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Allocate(ctx, func(context.Context, int) (bool, error) {
		t.Fatal("lookup must not run on a cancelled context")
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew_DefaultsAndValidation(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)
	lo, hi := a.Range()
	assert.Equal(t, DefaultMin, lo)
	assert.Equal(t, DefaultMax, hi)
	assert.Equal(t, DefaultMaxAttempts, a.MaxAttempts())

	_, err = New(Options{Min: 30000, Max: 25565})
	require.Error(t, err)
	_, err = New(Options{Min: 1, Max: 70000})
	require.Error(t, err)
}

func TestSeededDraw_DeterministicAndInRange(t *testing.T) {
	first := NewSeededDraw(42)
	second := NewSeededDraw(42)
	for range 100 {
		a, b := first(4436), second(4436)
		require.Equal(t, a, b)
		require.GreaterOrEqual(t, a, 0)
		require.Less(t, a, 4436)
	}
}

func TestCandidate_CoversClosedInterval(t *testing.T) {
	a, err := New(Options{Min: 100, Max: 102, Draw: sequenceDraw(0, 1, 2)})
	require.NoError(t, err)
	seen := map[int]bool{}
	for range 3 {
		seen[a.candidate()] = true
	}
	assert.Equal(t, map[int]bool{100: true, 101: true, 102: true}, seen)
}
