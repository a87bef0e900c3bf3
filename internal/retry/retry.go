// Package retry implements the exponential-backoff retry middleware shared
// by the SSH executor, the Telegram dispatcher, and the SQLite stores.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/config"
)

// Policy is a named retry configuration (spec §4.1: "ssh", "telegram",
// "database").
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     float64
	Jitter      float64
}

// NewPolicy builds a Policy from its config counterpart.
func NewPolicy(name string, c config.RetryPolicyConfig) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Backoff:     c.Backoff,
		Jitter:      c.Jitter,
	}
}

// Counters tracks cumulative retry statistics (spec §4.1 observable side effects).
type Counters struct {
	TotalRetries      atomic.Int64
	SuccessfulRetries atomic.Int64
	FailedRetries     atomic.Int64
}

// Middleware executes operations under a Policy, retrying transient
// failures with jittered exponential backoff.
type Middleware struct {
	counters *Counters
	// rand is isolated per middleware instance so tests can make it
	// deterministic without touching the global source.
	rand *rand.Rand
}

// New creates a retry middleware with its own counters.
func New() *Middleware {
	return &Middleware{
		counters: &Counters{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Counters returns the cumulative retry statistics for this middleware.
func (m *Middleware) Counters() *Counters { return m.counters }

// Delay computes the backoff delay for the given attempt (1-indexed),
// per spec §4.1: delay = min(base*backoff^(attempt-1), max), then jitter
// sampled uniformly from [-jitter*delay, +jitter*delay], clamped to >= 0.
func Delay(p Policy, attempt int, jitterSample float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Backoff, float64(attempt-1))
	if max := float64(p.MaxDelay); raw > max {
		raw = max
	}
	jittered := raw + jitterSample*p.Jitter*raw
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// Execute runs op, retrying per policy on transient failure. The final
// error (after exhausting attempts, or immediately on a non-retryable
// error) is returned unchanged — augmentation is the caller's job.
func (m *Middleware) Execute(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			jitterSample := m.rand.Float64()*2 - 1 // uniform in [-1, 1]
			delay := Delay(p, attempt, jitterSample)
			slog.Warn("retrying operation", "policy", p.Name, "attempt", attempt, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry %s: %w", p.Name, ctx.Err())
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				m.counters.SuccessfulRetries.Add(1)
				slog.Info("operation succeeded after retry", "policy", p.Name, "attempt", attempt)
			}
			return nil
		}

		lastErr = err
		if attempt > 1 {
			m.counters.TotalRetries.Add(1)
		}

		if !Classify(err) {
			slog.Warn("non-retryable error, aborting", "policy", p.Name, "attempt", attempt, "error", err)
			return err
		}
	}

	m.counters.FailedRetries.Add(1)
	slog.Error("operation failed after all retry attempts", "policy", p.Name, "attempts", p.MaxAttempts, "error", lastErr)
	return lastErr
}
