// Package identity verifies organisational identities and binds each verified
// organisation to exactly one active cryptographic nonce. The nonce is the
// credential carried on every calibration contribution; the FP store validates
// it through this package before admitting an event.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// VerificationMethod is the closed set of supported verification paths.
type VerificationMethod string

const (
	MethodGitHubOrg      VerificationMethod = "github_org"
	MethodStripeCustomer VerificationMethod = "stripe_customer"
	MethodManual         VerificationMethod = "manual"
)

// ErrNotFound is returned when no identity or binding exists.
var ErrNotFound = errors.New("identity: not found")

// ErrUnverified is returned when an operation requires a verified identity.
var ErrUnverified = errors.New("identity: organisation not verified")

// OrganizationIdentity is the stored identity for one organisation. Created
// only through verification; removed only by administrative revocation.
type OrganizationIdentity struct {
	OrgID              string             `json:"org_id"`
	PublicKey          string             `json:"public_key"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	VerifiedAt         time.Time          `json:"verified_at"`
	UniqueNonce        string             `json:"unique_nonce,omitempty"` // current binding
}

// IdentityStore persists verified identities.
type IdentityStore interface {
	GetIdentity(ctx context.Context, orgID string) (*OrganizationIdentity, error)
	PutIdentity(ctx context.Context, id *OrganizationIdentity) error
	DeleteIdentity(ctx context.Context, orgID string) error
}

// MemoryIdentityStore is the in-memory IdentityStore.
type MemoryIdentityStore struct {
	mu  sync.RWMutex
	ids map[string]*OrganizationIdentity
}

// NewMemoryIdentityStore creates an empty identity store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{ids: make(map[string]*OrganizationIdentity)}
}

func (s *MemoryIdentityStore) GetIdentity(_ context.Context, orgID string) (*OrganizationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *id
	return &copied, nil
}

func (s *MemoryIdentityStore) PutIdentity(_ context.Context, id *OrganizationIdentity) error {
	if id.OrgID == "" {
		return errors.New("identity: org id required")
	}
	s.mu.Lock()
	copied := *id
	s.ids[id.OrgID] = &copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdentityStore) DeleteIdentity(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[orgID]; !ok {
		return ErrNotFound
	}
	delete(s.ids, orgID)
	return nil
}

var _ IdentityStore = (*MemoryIdentityStore)(nil)
