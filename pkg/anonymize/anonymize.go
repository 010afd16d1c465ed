// Package anonymize produces HMAC-SHA256 pseudonyms for organisation/repo
// pairs. Aggregates never carry raw identifiers: every org-facing key in the
// block counters and the calibration layer goes through a pseudonym keyed by
// a rotating salt.
package anonymize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/canonicalize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/secrets"
)

var saltPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// testSalt is the fixed salt the test-mode anonymiser uses. Selected only by
// configuration, never by environment.
const testSalt = "0000000000000000000000000000000000000000000000000000000000000000"

// Anonymizer maps (orgId, repoId) to a stable pseudonym.
type Anonymizer interface {
	Pseudonym(orgID, repoID string) (string, error)
}

// SaltRecord captures the provenance of the loaded salt.
type SaltRecord struct {
	RotationMonth string    `json:"rotation_month"` // "YYYY-MM"
	LoadedAt      time.Time `json:"loaded_at"`
}

// HMACAnonymizer is the production anonymiser. The salt is loaded from the
// secret store, validated, and refreshed when the rotation month changes.
type HMACAnonymizer struct {
	mu        sync.RWMutex
	store     secrets.Store
	paramName string
	salt      []byte
	record    SaltRecord
	clock     func() time.Time
}

// NewHMACAnonymizer loads and validates the salt named by paramName.
func NewHMACAnonymizer(ctx context.Context, store secrets.Store, paramName string) (*HMACAnonymizer, error) {
	a := &HMACAnonymizer{
		store:     store,
		paramName: paramName,
		clock:     time.Now,
	}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// WithClock overrides the clock for testing.
func (a *HMACAnonymizer) WithClock(clock func() time.Time) *HMACAnonymizer {
	a.clock = clock
	return a
}

// Reload fetches the salt from the secret store. Called at construction and
// by the operator's monthly rotation hook.
func (a *HMACAnonymizer) Reload(ctx context.Context) error {
	raw, err := a.store.GetSecret(ctx, a.paramName)
	if err != nil {
		return fmt.Errorf("anonymize: load salt %q: %w", a.paramName, err)
	}
	if !saltPattern.Match(raw) {
		return fmt.Errorf("anonymize: salt %q is not 64 lowercase hex characters", a.paramName)
	}

	now := a.clock()
	a.mu.Lock()
	a.salt = append([]byte(nil), raw...)
	a.record = SaltRecord{
		RotationMonth: now.UTC().Format("2006-01"),
		LoadedAt:      now,
	}
	a.mu.Unlock()
	return nil
}

// Record returns the provenance of the currently loaded salt.
func (a *HMACAnonymizer) Record() SaltRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.record
}

// Pseudonym computes HMAC_SHA256(salt, canonicalise(orgId || "/" || repoId)).
func (a *HMACAnonymizer) Pseudonym(orgID, repoID string) (string, error) {
	a.mu.RLock()
	salt := a.salt
	a.mu.RUnlock()

	return pseudonym(salt, orgID, repoID)
}

// TestAnonymizer uses the known safe salt. For local mode and tests only;
// its output is deterministic and must never reach shared aggregates.
type TestAnonymizer struct{}

// Pseudonym computes the pseudonym under the fixed test salt.
func (TestAnonymizer) Pseudonym(orgID, repoID string) (string, error) {
	return pseudonym([]byte(testSalt), orgID, repoID)
}

func pseudonym(salt []byte, orgID, repoID string) (string, error) {
	canonical, err := canonicalize.JCS(orgID + "/" + repoID)
	if err != nil {
		return "", fmt.Errorf("anonymize: canonicalise identifier: %w", err)
	}

	mac := hmac.New(sha256.New, salt)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

var _ Anonymizer = (*HMACAnonymizer)(nil)
var _ Anonymizer = TestAnonymizer{}
