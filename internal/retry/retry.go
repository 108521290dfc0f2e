// ============================================================================
// Dataspace Connector Retry - wait strategies and send retry bookkeeping
// ============================================================================
//
// Package: internal/retry
// File: retry.go
//
// Two independent policies live here:
//
//   1. WaitStrategy paces the manager loop. An empty cycle waits the
//      configured iteration period; a cycle that failed (store down) backs
//      off exponentially until the next success.
//
//   2. SendRetryManager decides whether a process that failed to deliver a
//      protocol message may try again yet, and whether it ran out of
//      attempts. The decision is derived from the persisted StateCount and
//      StateTimestamp only, so it survives restarts and moves between nodes
//      together with the lease.
//
// ============================================================================

package retry

import (
	"math"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// WaitStrategy tells the manager loop how long to sleep between cycles.
type WaitStrategy interface {
	// WaitFor is the pause after a cycle that found no work.
	WaitFor() time.Duration
	// RetryIn is the pause after a cycle that failed.
	RetryIn() time.Duration
	// Success resets the failure backoff.
	Success()
}

// ExponentialWaitStrategy waits a fixed period when idle and backs off
// exponentially after consecutive failed cycles.
type ExponentialWaitStrategy struct {
	period time.Duration
	b      *backoff.Backoff
}

// NewExponentialWaitStrategy creates a strategy with the given idle period.
// Failure backoff starts at the period and is capped at max.
func NewExponentialWaitStrategy(period, max time.Duration) *ExponentialWaitStrategy {
	if period <= 0 {
		period = time.Millisecond
	}
	if max < period {
		max = period
	}
	return &ExponentialWaitStrategy{
		period: period,
		b: &backoff.Backoff{
			Min:    period,
			Max:    max,
			Factor: 2,
		},
	}
}

func (s *ExponentialWaitStrategy) WaitFor() time.Duration { return s.period }

func (s *ExponentialWaitStrategy) RetryIn() time.Duration { return s.b.Duration() }

func (s *ExponentialWaitStrategy) Success() { s.b.Reset() }

// Config configures remote send retries.
type Config struct {
	Limit     int           // attempts allowed per state before the process fails
	BaseDelay time.Duration // delay before the first retry
	MaxDelay  time.Duration // upper bound for a single delay
}

// SendRetryManager applies exponential delays between attempts to deliver a
// protocol message and detects exhausted retries.
type SendRetryManager struct {
	cfg   Config
	clock clock.Clock
}

// NewSendRetryManager creates a manager. A nil clock uses the wall clock.
func NewSendRetryManager(cfg Config, clk clock.Clock) *SendRetryManager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Duration(math.MaxInt64)
	}
	return &SendRetryManager{cfg: cfg, clock: clk}
}

// Limit returns the configured attempt limit.
func (m *SendRetryManager) Limit() int { return m.cfg.Limit }

// DelayFor returns the wait before attempt number stateCount in a state.
// The first attempt is never delayed.
func (m *SendRetryManager) DelayFor(stateCount int) time.Duration {
	if stateCount <= 1 || m.cfg.BaseDelay <= 0 {
		return 0
	}
	b := &backoff.Backoff{Min: m.cfg.BaseDelay, Max: m.cfg.MaxDelay, Factor: 2}
	return b.ForAttempt(float64(stateCount - 2))
}

// ShouldDelay reports whether the backoff window since the last attempt has
// not elapsed yet.
func (m *SendRetryManager) ShouldDelay(tp *types.TransferProcess) bool {
	delay := m.DelayFor(tp.StateCount)
	if delay == 0 {
		return false
	}
	next := tp.StateTimestamp + delay.Milliseconds()
	return m.clock.Now().UnixMilli() < next
}

// RetriesExhausted reports whether the process used up its attempts in the
// current state.
func (m *SendRetryManager) RetriesExhausted(tp *types.TransferProcess) bool {
	return tp.StateCount > m.cfg.Limit
}
