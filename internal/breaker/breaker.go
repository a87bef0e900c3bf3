// Package breaker implements a per-resource three-state circuit breaker
// (closed/open/half_open) guarding the SSH executor against repeatedly
// hammering a degraded server.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// OpenError is returned when an operation is rejected because the
// breaker for serverID is open.
type OpenError struct {
	ServerID   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for server %s, retry after %s", e.ServerID, e.RetryAfter)
}

// Config controls the thresholds and timing of a Breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ProbeTimeout     time.Duration
}

// DefaultConfig returns the spec §4.2 defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, ProbeTimeout: 30 * time.Second}
}

// Stats is a snapshot of a Breaker's observable state (spec §4.2).
type Stats struct {
	State               State
	FailureCount        int
	SuccessCount        int
	ConsecutiveFailures int
	TotalOperations     int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	NextProbeAt         time.Time
	SuccessRate         float64
}

// Breaker is a single per-server state machine. All mutations are
// serialized through mu so a probe-deadline check and an operation
// result can never race into two transitions at once.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	failureCount        int
	successCount        int
	consecutiveFailures int
	totalOps            int
	totalSuccesses      int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	nextProbeAt         time.Time
}

// New creates a closed Breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether an operation may proceed. If the breaker is open
// and the probe deadline has elapsed, it transitions to half_open and
// allows exactly the calling operation through as a probe.
func (b *Breaker) Allow(serverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		return nil
	case Open:
		if time.Now().Before(b.nextProbeAt) {
			return &OpenError{ServerID: serverID, RetryAfter: time.Until(b.nextProbeAt)}
		}
		b.state = HalfOpen
		b.successCount = 0
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOps++
	b.totalSuccesses++
	b.lastSuccessAt = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
		b.consecutiveFailures = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.reset()
		}
	}
}

// RecordFailure reports a failed operation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOps++
	b.lastFailureAt = time.Now()

	switch b.state {
	case Closed:
		b.failureCount++
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip transitions to open and schedules the next probe. Caller holds mu.
func (b *Breaker) trip() {
	b.state = Open
	b.nextProbeAt = time.Now().Add(b.cfg.ProbeTimeout)
}

// reset clears all counters and returns to closed. Caller holds mu.
func (b *Breaker) reset() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveFailures = 0
	b.nextProbeAt = time.Time{}
}

// Reset is the operator-initiated reset: clears all counters and cancels
// any scheduled probe.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Stats returns a snapshot of the breaker's observable state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalOps > 0 {
		rate = float64(b.totalSuccesses) / float64(b.totalOps)
	}

	return Stats{
		State:               b.state,
		FailureCount:        b.failureCount,
		SuccessCount:        b.successCount,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalOperations:     b.totalOps,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
		NextProbeAt:         b.nextProbeAt,
		SuccessRate:         rate,
	}
}
