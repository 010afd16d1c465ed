// Package invariant implements the L0 tier of the oracle's hierarchical
// invariant checker: five constant-time safety predicates evaluated in a
// fixed order over an immutable snapshot state.
//
// L0 runs on every state transition, so every predicate is O(1) and
// allocation-free on the success path. The checker fails on the first
// violating predicate; no subsequent check runs.
package invariant

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Invariant identifiers, in evaluation order.
const (
	InvariantSchemaHash         = "schema_hash"
	InvariantPermissionBits     = "permission_bits"
	InvariantDriftMagnitude     = "drift_magnitude"
	InvariantNonceFreshness     = "nonce_freshness"
	InvariantContractionWitness = "contraction_witness"
)

// SnapshotState is the immutable input to the L0 checker. Every field must be
// present and type-valid before any L1 rule runs.
type SnapshotState struct {
	SchemaHash         string    `json:"schema_hash"` // "<algorithm>:<hex>"
	PermissionBits     uint64    `json:"permission_bits"`
	DriftMagnitude     float64   `json:"drift_magnitude"`
	NonceEpoch         int64     `json:"nonce_epoch"`
	NonceIssuedAt      time.Time `json:"nonce_issued_at"`
	ContractionWitness float64   `json:"contraction_witness"`
}

// Violation reports the first failed L0 predicate.
type Violation struct {
	InvariantID string `json:"invariant_id"`
	Evidence    string `json:"evidence"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant: L0 violation %s: %s", v.InvariantID, v.Evidence)
}

// CheckerConfig holds the compiled expectations the predicates compare against.
type CheckerConfig struct {
	ExpectedSchemaHash string        `json:"expected_schema_hash"` // "<algorithm>:<hex>"
	RequiredMask       uint64        `json:"required_mask"`
	MaxDriftMagnitude  float64       `json:"max_drift_magnitude"`
	FreshnessWindow    time.Duration `json:"freshness_window"`
	MinNonceEpoch      int64         `json:"min_nonce_epoch"`
	WitnessTarget      float64       `json:"witness_target"`
	WitnessEpsilon     float64       `json:"witness_epsilon"`
}

// DefaultCheckerConfig returns the compiled defaults.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		MaxDriftMagnitude: 1.0,
		FreshnessWindow:   24 * time.Hour,
		MinNonceEpoch:     1,
		WitnessTarget:     1.0,
		WitnessEpsilon:    1e-9,
	}
}

// Checker evaluates the five L0 predicates. It is pure and safe for
// concurrent use; all mutable inputs arrive as arguments.
type Checker struct {
	cfg CheckerConfig

	// Pre-split expected digest, computed once at construction so the hot
	// path stays allocation-free.
	expectedAlgo  string
	expectedValue string

	clock func() time.Time
}

// NewChecker compiles the expected digest and returns a ready checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	algo, value, ok := strings.Cut(cfg.ExpectedSchemaHash, ":")
	if !ok || algo == "" || value == "" {
		return nil, fmt.Errorf("invariant: expected schema hash %q not in <algorithm>:<hex> form", cfg.ExpectedSchemaHash)
	}
	if cfg.FreshnessWindow <= 0 {
		return nil, fmt.Errorf("invariant: freshness window must be positive, got %v", cfg.FreshnessWindow)
	}
	if cfg.WitnessEpsilon <= 0 {
		return nil, fmt.Errorf("invariant: witness epsilon must be positive, got %v", cfg.WitnessEpsilon)
	}

	return &Checker{
		cfg:           cfg,
		expectedAlgo:  algo,
		expectedValue: value,
		clock:         time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// Check runs the five predicates in fixed order and returns the first
// violation, or nil if all pass.
func (c *Checker) Check(state SnapshotState) *Violation {
	// 1. schema_hash: both parts of "<algorithm>:<hex>" must match.
	algo, value, ok := strings.Cut(state.SchemaHash, ":")
	if !ok || algo != c.expectedAlgo || value != c.expectedValue {
		return &Violation{
			InvariantID: InvariantSchemaHash,
			Evidence:    fmt.Sprintf("schema hash %q does not match expected %q", state.SchemaHash, c.cfg.ExpectedSchemaHash),
		}
	}

	// 2. permission_bits: required mask fully covered.
	if state.PermissionBits&c.cfg.RequiredMask != c.cfg.RequiredMask {
		return &Violation{
			InvariantID: InvariantPermissionBits,
			Evidence:    fmt.Sprintf("permission bits %#b missing required %#b", state.PermissionBits, c.cfg.RequiredMask),
		}
	}

	// 3. drift_magnitude: within [0, max].
	if state.DriftMagnitude < 0 || state.DriftMagnitude > c.cfg.MaxDriftMagnitude || math.IsNaN(state.DriftMagnitude) {
		return &Violation{
			InvariantID: InvariantDriftMagnitude,
			Evidence:    fmt.Sprintf("drift magnitude %g outside [0, %g]", state.DriftMagnitude, c.cfg.MaxDriftMagnitude),
		}
	}

	// 4. nonce_freshness: issued within the window and epoch not regressed.
	now := c.clock()
	if age := now.Sub(state.NonceIssuedAt); age >= c.cfg.FreshnessWindow {
		return &Violation{
			InvariantID: InvariantNonceFreshness,
			Evidence:    fmt.Sprintf("nonce age %v exceeds freshness window %v", age, c.cfg.FreshnessWindow),
		}
	}
	if state.NonceEpoch < c.cfg.MinNonceEpoch {
		return &Violation{
			InvariantID: InvariantNonceFreshness,
			Evidence:    fmt.Sprintf("nonce epoch %d below minimum %d", state.NonceEpoch, c.cfg.MinNonceEpoch),
		}
	}

	// 5. contraction_witness: within epsilon of the fixed target.
	if math.Abs(state.ContractionWitness-c.cfg.WitnessTarget) >= c.cfg.WitnessEpsilon {
		return &Violation{
			InvariantID: InvariantContractionWitness,
			Evidence:    fmt.Sprintf("contraction witness %g not within %g of target %g", state.ContractionWitness, c.cfg.WitnessEpsilon, c.cfg.WitnessTarget),
		}
	}

	return nil
}
