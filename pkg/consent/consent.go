// Package consent tracks per-organisation data-sharing consent. Calibration
// admits an organisation's events only when its latest record is explicit,
// unexpired, and unrevoked.
package consent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Type classifies how consent was granted.
type Type string

const (
	TypeExplicit Type = "explicit"
	TypeImplicit Type = "implicit"
	TypeNone     Type = "none"
)

// ErrConsentMissing marks an organisation whose events must be excluded from
// calibration. Not a pipeline failure.
var ErrConsentMissing = errors.New("consent: missing or invalid consent")

// Record is one consent grant for an organisation.
type Record struct {
	OrgID       string     `json:"org_id"`
	GrantedBy   string     `json:"granted_by"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	ConsentType Type       `json:"consent_type"`
}

// Active reports whether the record admits calibration at the given instant.
func (r *Record) Active(now time.Time) bool {
	if r.ConsentType != TypeExplicit {
		return false
	}
	if r.RevokedAt != nil {
		return false
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return false
	}
	return true
}

// Store holds consent records keyed by orgId. Grants append; the latest record
// governs.
type Store interface {
	Grant(ctx context.Context, record Record) error
	Revoke(ctx context.Context, orgID string, at time.Time) error
	Latest(ctx context.Context, orgID string) (*Record, error)
	// CheckCalibrationConsent returns ErrConsentMissing unless the latest
	// record for the org is active.
	CheckCalibrationConsent(ctx context.Context, orgID string) error
}

// MemoryStore is the in-memory Store for local mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty consent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]Record),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Grant appends a record for the org.
func (s *MemoryStore) Grant(_ context.Context, record Record) error {
	if record.OrgID == "" {
		return errors.New("consent: org id required")
	}
	switch record.ConsentType {
	case TypeExplicit, TypeImplicit, TypeNone:
	default:
		return errors.New("consent: invalid consent type")
	}
	if record.GrantedAt.IsZero() {
		record.GrantedAt = s.clock()
	}

	s.mu.Lock()
	s.records[record.OrgID] = append(s.records[record.OrgID], record)
	s.mu.Unlock()
	return nil
}

// Revoke marks the latest record revoked. Idempotent on already-revoked.
func (s *MemoryStore) Revoke(_ context.Context, orgID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[orgID]
	if len(recs) == 0 {
		return ErrConsentMissing
	}
	latest := &recs[len(recs)-1]
	if latest.RevokedAt == nil {
		latest.RevokedAt = &at
	}
	return nil
}

// Latest returns the most recently granted record for the org.
func (s *MemoryStore) Latest(_ context.Context, orgID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[orgID]
	if len(recs) == 0 {
		return nil, ErrConsentMissing
	}

	sorted := append([]Record(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].GrantedAt.Before(sorted[j].GrantedAt)
	})
	latest := sorted[len(sorted)-1]
	return &latest, nil
}

// CheckCalibrationConsent applies the admission rule.
func (s *MemoryStore) CheckCalibrationConsent(ctx context.Context, orgID string) error {
	latest, err := s.Latest(ctx, orgID)
	if err != nil {
		return err
	}
	if !latest.Active(s.clock()) {
		return ErrConsentMissing
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
