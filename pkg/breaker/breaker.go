// Package breaker implements the per-rule circuit breaker over time-bucketed
// block counters. A rule whose recent BLOCK volume breaches the operator
// threshold trips into a degraded mode where further BLOCK outcomes demote to
// WARN until the cooldown elapses.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/blockcounter"
)

// State is the breaker state for one rule.
type State string

const (
	Closed  State = "CLOSED"
	Tripped State = "TRIPPED"
)

// Config holds the operator thresholds.
type Config struct {
	Threshold   int64         `json:"threshold"`    // recent blocks that trip the breaker
	WindowHours int           `json:"window_hours"` // lookback for SumLastN
	Cooldown    time.Duration `json:"cooldown"`     // minimum tripped duration
	Hysteresis  time.Duration `json:"hysteresis"`   // quiet period required before closing
}

// DefaultConfig returns the designed defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   10,
		WindowHours: 24,
		Cooldown:    time.Hour,
		Hysteresis:  30 * time.Minute,
	}
}

// Decision reports the breaker's view of one rule at evaluation time.
type Decision struct {
	State        State `json:"state"`
	RecentBlocks int64 `json:"recent_blocks"`
	Demote       bool  `json:"demote"` // BLOCK outcomes downgrade to WARN
}

// Breaker tracks per-rule trip state over a shared block counter.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	counter blockcounter.Counter
	states  map[string]*ruleState
	clock   func() time.Time
}

type ruleState struct {
	state      State
	trippedAt  time.Time
	lastBreach time.Time
}

// New creates a breaker over the given counter.
func New(counter blockcounter.Counter, cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg,
		counter: counter,
		states:  make(map[string]*ruleState),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Check reads the recent block volume for the rule and advances the state
// machine. Counter reads reflect writes with eventual consistency bounded by
// the bucket interval.
func (b *Breaker) Check(ctx context.Context, ruleID, orgRepoHash string) (Decision, error) {
	recent, err := b.counter.SumLastN(ctx, ruleID, orgRepoHash, b.cfg.WindowHours)
	if err != nil {
		return Decision{}, fmt.Errorf("breaker: read block counter for %s: %w", ruleID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	rs, ok := b.states[ruleID]
	if !ok {
		rs = &ruleState{state: Closed}
		b.states[ruleID] = rs
	}

	breaching := recent >= b.cfg.Threshold
	if breaching {
		rs.lastBreach = now
	}

	switch rs.state {
	case Closed:
		if breaching {
			rs.state = Tripped
			rs.trippedAt = now
		}
	case Tripped:
		// Close only after the cooldown has elapsed and the last hysteresis
		// window saw no further breach.
		cooled := now.Sub(rs.trippedAt) >= b.cfg.Cooldown
		quiet := now.Sub(rs.lastBreach) >= b.cfg.Hysteresis
		if cooled && quiet && !breaching {
			rs.state = Closed
		}
	}

	return Decision{
		State:        rs.state,
		RecentBlocks: recent,
		Demote:       rs.state == Tripped,
	}, nil
}

// StateOf returns the current state for a rule without consulting the
// counter. Unknown rules are Closed.
func (b *Breaker) StateOf(ruleID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rs, ok := b.states[ruleID]; ok {
		return rs.state
	}
	return Closed
}
