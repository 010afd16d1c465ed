package fpstore

import (
	"context"
	"fmt"
	"time"
)

// Store is the FP event store capability consumed by the evaluator and the
// calibration aggregator. Per-key atomicity (conditional insert, single-row
// update) is the responsibility of the implementation.
type Store interface {
	// RecordEvent conditionally inserts keyed by (ruleId, eventId). Returns
	// ErrDuplicateEvent on collision and a StoreError on transport faults.
	RecordEvent(ctx context.Context, event *FPEvent) error

	// MarkFalsePositive locates the event by findingId, then sets
	// isFalsePositive together with reviewer and reviewedAt in one write.
	// Returns ErrNotFound when the index lookup is empty.
	MarkFalsePositive(ctx context.Context, findingID, reviewer, suppressionTicket string) error

	// WindowByCount returns a window over up to n newest-first events.
	WindowByCount(ctx context.Context, ruleID string, n int) (*FPWindow, error)

	// WindowBySince is the time-bounded analogue of WindowByCount.
	WindowBySince(ctx context.Context, ruleID string, since time.Time) (*FPWindow, error)

	// EventsByRule returns all live events for a rule, newest first. Used by
	// the calibration aggregator, which snapshots a consistent rule slice.
	EventsByRule(ctx context.Context, ruleID string) ([]*FPEvent, error)
}

// NonceVerifier validates that a contribution nonce belongs to the claiming
// organisation. Satisfied by the identity binding service.
type NonceVerifier interface {
	Verify(ctx context.Context, nonce, claimedOrgID string) error
}

// ValidatingStore admits network contributions only when the carried nonce
/// verifies against the claimed organisation. It fails closed: a mismatch or a
// revoked binding rejects the write before it reaches the backing store.
type ValidatingStore struct {
	Store
	verifier NonceVerifier
}

// NewValidatingStore wraps backing with nonce validation.
func NewValidatingStore(backing Store, verifier NonceVerifier) *ValidatingStore {
	return &ValidatingStore{Store: backing, verifier: verifier}
}

// RecordContribution validates the nonce and then records the event.
func (s *ValidatingStore) RecordContribution(ctx context.Context, event *FPEvent, nonce, orgID string) error {
	if err := s.verifier.Verify(ctx, nonce, orgID); err != nil {
		return fmt.Errorf("fpstore: contribution rejected: %w", err)
	}
	return s.Store.RecordEvent(ctx, event)
}
