package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrActiveBindingExists is returned by GenerateAndBind when the org already
// holds an active binding; rotation is the supported path.
var ErrActiveBindingExists = errors.New("identity: active binding exists, rotate instead")

// BindingValidationError reports why a nonce failed verification.
type BindingValidationError struct {
	Nonce  string
	Reason string
}

func (e *BindingValidationError) Error() string {
	return fmt.Sprintf("identity: nonce validation failed: %s", e.Reason)
}

// NonceBinding is the signed association between an organisation and its
// nonce. At most one non-revoked binding exists per org.
type NonceBinding struct {
	Nonce            string     `json:"nonce"`
	OrgID            string     `json:"org_id"`
	PublicKey        string     `json:"public_key"`
	Signature        string     `json:"signature"` // hex SHA-256(nonce || orgId || publicKey)
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	UsageCount       int64      `json:"usage_count"`
	Revoked          bool       `json:"revoked"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	PreviousNonce    string     `json:"previous_nonce,omitempty"`
}

// BindingStore persists nonce bindings, keyed by nonce and indexed by orgId.
type BindingStore interface {
	GetBinding(ctx context.Context, nonce string) (*NonceBinding, error)
	// ActiveBinding returns the org's single non-revoked binding, or
	// ErrNotFound.
	ActiveBinding(ctx context.Context, orgID string) (*NonceBinding, error)
	PutBinding(ctx context.Context, b *NonceBinding) error
	// BindingsByOrg returns all bindings for the org, oldest first.
	BindingsByOrg(ctx context.Context, orgID string) ([]*NonceBinding, error)
	// AddUsage atomically increments the binding's usage counter.
	AddUsage(ctx context.Context, nonce string) error
}

// MemoryBindingStore is the in-memory BindingStore.
type MemoryBindingStore struct {
	mu       sync.RWMutex
	byNonce  map[string]*NonceBinding
	orgIndex map[string][]string // orgId -> nonces in insertion order
}

// NewMemoryBindingStore creates an empty binding store.
func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{
		byNonce:  make(map[string]*NonceBinding),
		orgIndex: make(map[string][]string),
	}
}

func (s *MemoryBindingStore) GetBinding(_ context.Context, nonce string) (*NonceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byNonce[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryBindingStore) ActiveBinding(_ context.Context, orgID string) (*NonceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, nonce := range s.orgIndex[orgID] {
		if b := s.byNonce[nonce]; b != nil && !b.Revoked {
			copied := *b
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryBindingStore) PutBinding(_ context.Context, b *NonceBinding) error {
	if b.Nonce == "" || b.OrgID == "" {
		return errors.New("identity: nonce and org id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNonce[b.Nonce]; !exists {
		s.orgIndex[b.OrgID] = append(s.orgIndex[b.OrgID], b.Nonce)
	}
	copied := *b
	s.byNonce[b.Nonce] = &copied
	return nil
}

func (s *MemoryBindingStore) BindingsByOrg(_ context.Context, orgID string) ([]*NonceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NonceBinding, 0, len(s.orgIndex[orgID]))
	for _, nonce := range s.orgIndex[orgID] {
		if b := s.byNonce[nonce]; b != nil {
			copied := *b
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *MemoryBindingStore) AddUsage(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byNonce[nonce]
	if !ok {
		return ErrNotFound
	}
	b.UsageCount++
	return nil
}

var _ BindingStore = (*MemoryBindingStore)(nil)

// Service ties verified identities to nonce bindings.
type Service struct {
	identities IdentityStore
	bindings   BindingStore
	clock      func() time.Time
	randRead   func([]byte) (int, error)
}

// NewService wires the binding service.
func NewService(identities IdentityStore, bindings BindingStore) *Service {
	return &Service{
		identities: identities,
		bindings:   bindings,
		clock:      time.Now,
		randRead:   rand.Read,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// BindingSignature computes hex(SHA-256(nonce || orgId || publicKey)).
func BindingSignature(nonce, orgID, publicKey string) string {
	h := sha256.New()
	h.Write([]byte(nonce))
	h.Write([]byte(orgID))
	h.Write([]byte(publicKey))
	return hex.EncodeToString(h.Sum(nil))
}

// RegisterVerified records a verification result as a stored identity.
// Rejected results are not persisted.
func (s *Service) RegisterVerified(ctx context.Context, orgID, publicKey string, result VerificationResult) error {
	if !result.Verified {
		return fmt.Errorf("%w: %s", ErrUnverified, result.Reason)
	}
	return s.identities.PutIdentity(ctx, &OrganizationIdentity{
		OrgID:              orgID,
		PublicKey:          publicKey,
		VerificationMethod: result.Method,
		VerifiedAt:         s.clock(),
	})
}

// IsVerified reports whether the org holds a stored identity. Satisfies the
// reputation engine's identity check.
func (s *Service) IsVerified(ctx context.Context, orgID string) (bool, error) {
	_, err := s.identities.GetIdentity(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GenerateAndBind mints a fresh 32-byte nonce for a verified org with no
// active binding, signs it, persists it, and records it on the identity.
func (s *Service) GenerateAndBind(ctx context.Context, orgID, publicKey string) (*NonceBinding, error) {
	return s.generateAndBind(ctx, orgID, publicKey, "")
}

func (s *Service) generateAndBind(ctx context.Context, orgID, publicKey, previousNonce string) (*NonceBinding, error) {
	identity, err := s.identities.GetIdentity(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("identity: bind %s: %w", orgID, ErrUnverified)
		}
		return nil, fmt.Errorf("identity: bind %s: %w", orgID, err)
	}

	if _, err := s.bindings.ActiveBinding(ctx, orgID); err == nil {
		return nil, ErrActiveBindingExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("identity: bind %s: %w", orgID, err)
	}

	raw := make([]byte, 32)
	if _, err := s.randRead(raw); err != nil {
		return nil, fmt.Errorf("identity: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	binding := &NonceBinding{
		Nonce:         nonce,
		OrgID:         orgID,
		PublicKey:     publicKey,
		Signature:     BindingSignature(nonce, orgID, publicKey),
		IssuedAt:      s.clock(),
		PreviousNonce: previousNonce,
	}
	if err := s.bindings.PutBinding(ctx, binding); err != nil {
		return nil, fmt.Errorf("identity: persist binding for %s: %w", orgID, err)
	}

	identity.UniqueNonce = nonce
	identity.PublicKey = publicKey
	if err := s.identities.PutIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("identity: record nonce on %s: %w", orgID, err)
	}
	return binding, nil
}

// Verify checks a presented nonce for the claiming org: the binding must
// exist, be unrevoked and unexpired, recompute its signature, and belong to
// the claimed org. Satisfies the FP store's nonce check.
func (s *Service) Verify(ctx context.Context, nonce, claimedOrgID string) error {
	b, err := s.bindings.GetBinding(ctx, nonce)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &BindingValidationError{Nonce: nonce, Reason: "unknown nonce"}
		}
		return fmt.Errorf("identity: verify nonce: %w", err)
	}
	if b.Revoked {
		return &BindingValidationError{Nonce: nonce, Reason: "binding revoked"}
	}
	if b.ExpiresAt != nil && !s.clock().Before(*b.ExpiresAt) {
		return &BindingValidationError{Nonce: nonce, Reason: "binding expired"}
	}

	want := BindingSignature(b.Nonce, b.OrgID, b.PublicKey)
	if subtle.ConstantTimeCompare([]byte(want), []byte(b.Signature)) != 1 {
		return &BindingValidationError{Nonce: nonce, Reason: "signature mismatch"}
	}
	if subtle.ConstantTimeCompare([]byte(b.OrgID), []byte(claimedOrgID)) != 1 {
		return &BindingValidationError{Nonce: nonce, Reason: "claimed org does not match binding"}
	}
	return nil
}

// Rotate revokes the org's current binding and issues a successor pointing
// back at it.
func (s *Service) Rotate(ctx context.Context, orgID, newPublicKey, reason string) (*NonceBinding, error) {
	current, err := s.bindings.ActiveBinding(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("identity: rotate %s: %w", orgID, err)
	}

	now := s.clock()
	current.Revoked = true
	current.RevocationReason = reason
	current.RevokedAt = &now
	if err := s.bindings.PutBinding(ctx, current); err != nil {
		return nil, fmt.Errorf("identity: revoke old binding for %s: %w", orgID, err)
	}

	return s.generateAndBind(ctx, orgID, newPublicKey, current.Nonce)
}

// Revoke marks the org's current binding revoked. Idempotent when no active
// binding remains.
func (s *Service) Revoke(ctx context.Context, orgID, reason string) error {
	current, err := s.bindings.ActiveBinding(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("identity: revoke %s: %w", orgID, err)
	}

	now := s.clock()
	current.Revoked = true
	current.RevocationReason = reason
	current.RevokedAt = &now
	return s.bindings.PutBinding(ctx, current)
}

// IncrementUsage bumps the binding's usage counter after a successful
// submission. The nonce must verify for the org first.
func (s *Service) IncrementUsage(ctx context.Context, nonce, orgID string) error {
	if err := s.Verify(ctx, nonce, orgID); err != nil {
		return err
	}
	return s.bindings.AddUsage(ctx, nonce)
}

// RotationHistory returns the org's bindings oldest first.
func (s *Service) RotationHistory(ctx context.Context, orgID string) ([]*NonceBinding, error) {
	return s.bindings.BindingsByOrg(ctx, orgID)
}
