package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsExhaustedAfterMaxRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	err := Do(context.Background(), cfg, "op", func(ctx context.Context) error {
		return errors.New("always fails")
	})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestRunLadderFallsThroughToWorkingRung(t *testing.T) {
	cfg := Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	rungs := []Rung[string]{
		{Name: "http", Run: func(ctx context.Context) (string, error) { return "", errors.New("blocked") }},
		{Name: "headless", Run: func(ctx context.Context) (string, error) { return "ok-via-headless", nil }},
	}
	res, err := RunLadder(context.Background(), cfg, rungs)
	require.NoError(t, err)
	require.Equal(t, "headless", res.RungName)
	require.True(t, res.Degraded)
	require.Equal(t, "ok-via-headless", res.Value)
}

func TestRunLadderExhaustsAllRungs(t *testing.T) {
	cfg := Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	rungs := []Rung[string]{
		{Name: "http", Run: func(ctx context.Context) (string, error) { return "", errors.New("blocked") }},
		{Name: "headless", Run: func(ctx context.Context) (string, error) { return "", errors.New("blocked too") }},
	}
	_, err := RunLadder(context.Background(), cfg, rungs)
	require.Error(t, err)
}
