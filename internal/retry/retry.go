// Package retry implements exponential backoff and a generic
// graceful-degradation fallback ladder: an ordered list of strategies
// ('rungs'), tried in turn until one succeeds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config configures exponential backoff retry.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig holds the documented default backoff schedule.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     8 * time.Second,
	}
}

// ErrExhausted indicates every retry attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Do executes fn with exponential backoff, up to cfg.MaxRetries retries.
func Do(ctx context.Context, cfg Config, operation string, fn Func) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}
	}
	return fmt.Errorf("%w for %s: %v", ErrExhausted, operation, lastErr)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	return time.Duration(d)
}

// Rung is one step of a fallback ladder: a name for logging/events and the
// step itself. A ladder runs rungs in order until one succeeds.
type Rung[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// LadderResult reports which rung produced the final result.
type LadderResult[T any] struct {
	Value       T
	RungName    string
	RungIndex   int
	Attempts    int
	Degraded    bool // true if any rung before the successful one was tried
}

// RunLadder tries each rung in order, retrying each with cfg before moving
// to the next. The Fetch Scheduler uses it for its HTTP -> headless
// browser -> give-up escalation; the primitive itself is fetch-agnostic.
func RunLadder[T any](ctx context.Context, cfg Config, rungs []Rung[T]) (LadderResult[T], error) {
	var lastErr error
	for i, rung := range rungs {
		var value T
		attempts := 0
		err := Do(ctx, cfg, rung.Name, func(ctx context.Context) error {
			attempts++
			v, err := rung.Run(ctx)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err == nil {
			return LadderResult[T]{Value: value, RungName: rung.Name, RungIndex: i, Attempts: attempts, Degraded: i > 0}, nil
		}
		lastErr = err
	}
	var zero T
	return LadderResult[T]{Value: zero}, fmt.Errorf("all %d fallback rungs exhausted: %w", len(rungs), lastErr)
}
