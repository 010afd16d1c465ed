package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationResult is the typed outcome of one verification attempt.
// Metadata carries method-specific facts; Reason explains a rejection.
type VerificationResult struct {
	Verified bool               `json:"verified"`
	Method   VerificationMethod `json:"method"`
	Metadata map[string]any     `json:"metadata,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// Verifier is the closed set of verification paths. Callers switch on the
// result's Method for method-specific handling.
type Verifier interface {
	Verify(ctx context.Context, orgID string) (VerificationResult, error)
	Method() VerificationMethod
}

// GitHubOrgFacts is what the GitHub verifier needs to know about an
// organisation. The provider client lives outside the core.
type GitHubOrgFacts struct {
	CreatedAt      time.Time
	MemberCount    int
	PublicRepos    int
	LastActivityAt time.Time
}

// GitHubFactsProvider fetches organisation facts from GitHub.
type GitHubFactsProvider interface {
	OrgFacts(ctx context.Context, orgID string) (GitHubOrgFacts, error)
}

// GitHubOptions are the named verification thresholds for GitHub orgs.
type GitHubOptions struct {
	MinAgeDays         int `json:"min_age_days"`
	MinMembers         int `json:"min_members"`
	MinPublicRepos     int `json:"min_public_repos"`
	ActivityWindowDays int `json:"activity_window_days"`
}

// DefaultGitHubOptions returns the designed thresholds.
func DefaultGitHubOptions() GitHubOptions {
	return GitHubOptions{
		MinAgeDays:         90,
		MinMembers:         3,
		MinPublicRepos:     1,
		ActivityWindowDays: 180,
	}
}

// GitHubVerifier checks an organisation against GitHub heuristics.
type GitHubVerifier struct {
	provider GitHubFactsProvider
	opts     GitHubOptions
	clock    func() time.Time
}

// NewGitHubVerifier wires the verifier.
func NewGitHubVerifier(provider GitHubFactsProvider, opts GitHubOptions) *GitHubVerifier {
	return &GitHubVerifier{provider: provider, opts: opts, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *GitHubVerifier) WithClock(clock func() time.Time) *GitHubVerifier {
	v.clock = clock
	return v
}

func (v *GitHubVerifier) Method() VerificationMethod { return MethodGitHubOrg }

// Verify applies the GitHub heuristics in order and reports the first failure.
func (v *GitHubVerifier) Verify(ctx context.Context, orgID string) (VerificationResult, error) {
	facts, err := v.provider.OrgFacts(ctx, orgID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("identity: github facts for %s: %w", orgID, err)
	}

	now := v.clock()
	result := VerificationResult{
		Method: MethodGitHubOrg,
		Metadata: map[string]any{
			"created_at":   facts.CreatedAt,
			"member_count": facts.MemberCount,
			"public_repos": facts.PublicRepos,
		},
	}

	ageDays := int(now.Sub(facts.CreatedAt).Hours() / 24)
	switch {
	case ageDays < v.opts.MinAgeDays:
		result.Reason = fmt.Sprintf("organisation age %d days below minimum %d", ageDays, v.opts.MinAgeDays)
	case facts.MemberCount < v.opts.MinMembers:
		result.Reason = fmt.Sprintf("member count %d below minimum %d", facts.MemberCount, v.opts.MinMembers)
	case facts.PublicRepos < v.opts.MinPublicRepos:
		result.Reason = fmt.Sprintf("public repos %d below minimum %d", facts.PublicRepos, v.opts.MinPublicRepos)
	case now.Sub(facts.LastActivityAt) > time.Duration(v.opts.ActivityWindowDays)*24*time.Hour:
		result.Reason = fmt.Sprintf("no activity within %d days", v.opts.ActivityWindowDays)
	default:
		result.Verified = true
	}
	return result, nil
}

// StripeCustomerFacts is what the Stripe verifier needs about a customer.
type StripeCustomerFacts struct {
	AccountCreatedAt   time.Time
	SuccessfulPayments int
	Delinquent         bool
	ActiveProductIDs   []string
}

// StripeFactsProvider fetches customer facts from Stripe.
type StripeFactsProvider interface {
	CustomerFacts(ctx context.Context, orgID string) (StripeCustomerFacts, error)
}

// StripeOptions are the named verification thresholds for Stripe customers.
type StripeOptions struct {
	MinAccountAgeDays         int      `json:"min_account_age_days"`
	MinSuccessfulPayments     int      `json:"min_successful_payments"`
	RequireNotDelinquent      bool     `json:"require_not_delinquent"`
	RequireActiveSubscription bool     `json:"require_active_subscription"`
	ProductIDs                []string `json:"product_ids,omitempty"`
}

// DefaultStripeOptions returns the designed thresholds.
func DefaultStripeOptions() StripeOptions {
	return StripeOptions{
		MinAccountAgeDays:     30,
		MinSuccessfulPayments: 1,
		RequireNotDelinquent:  true,
	}
}

// StripeVerifier checks an organisation against Stripe billing heuristics.
type StripeVerifier struct {
	provider StripeFactsProvider
	opts     StripeOptions
	clock    func() time.Time
}

// NewStripeVerifier wires the verifier.
func NewStripeVerifier(provider StripeFactsProvider, opts StripeOptions) *StripeVerifier {
	return &StripeVerifier{provider: provider, opts: opts, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *StripeVerifier) WithClock(clock func() time.Time) *StripeVerifier {
	v.clock = clock
	return v
}

func (v *StripeVerifier) Method() VerificationMethod { return MethodStripeCustomer }

// Verify applies the Stripe heuristics in order and reports the first failure.
func (v *StripeVerifier) Verify(ctx context.Context, orgID string) (VerificationResult, error) {
	facts, err := v.provider.CustomerFacts(ctx, orgID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("identity: stripe facts for %s: %w", orgID, err)
	}

	now := v.clock()
	result := VerificationResult{
		Method: MethodStripeCustomer,
		Metadata: map[string]any{
			"account_created_at":  facts.AccountCreatedAt,
			"successful_payments": facts.SuccessfulPayments,
		},
	}

	ageDays := int(now.Sub(facts.AccountCreatedAt).Hours() / 24)
	switch {
	case ageDays < v.opts.MinAccountAgeDays:
		result.Reason = fmt.Sprintf("account age %d days below minimum %d", ageDays, v.opts.MinAccountAgeDays)
	case facts.SuccessfulPayments < v.opts.MinSuccessfulPayments:
		result.Reason = fmt.Sprintf("successful payments %d below minimum %d", facts.SuccessfulPayments, v.opts.MinSuccessfulPayments)
	case v.opts.RequireNotDelinquent && facts.Delinquent:
		result.Reason = "customer is delinquent"
	case v.opts.RequireActiveSubscription && !hasAnyProduct(facts.ActiveProductIDs, v.opts.ProductIDs):
		result.Reason = "no active subscription on required products"
	default:
		result.Verified = true
	}
	return result, nil
}

func hasAnyProduct(active, required []string) bool {
	if len(required) == 0 {
		return len(active) > 0
	}
	set := make(map[string]bool, len(active))
	for _, p := range active {
		set[p] = true
	}
	for _, p := range required {
		if set[p] {
			return true
		}
	}
	return false
}

// ManualVerifier accepts an admin-signed attestation token for organisations
// that cannot be verified automatically. Tokens are HMAC-signed JWTs carrying
// the orgId as subject.
type ManualVerifier struct {
	signingKey []byte
	issuer     string
	token      string
}

// NewManualVerifier creates a verifier for one attestation token.
func NewManualVerifier(signingKey []byte, issuer, token string) *ManualVerifier {
	return &ManualVerifier{signingKey: signingKey, issuer: issuer, token: token}
}

func (v *ManualVerifier) Method() VerificationMethod { return MethodManual }

// Verify parses and validates the attestation: HMAC signature, issuer, expiry,
// and a subject matching the claimed org.
func (v *ManualVerifier) Verify(_ context.Context, orgID string) (VerificationResult, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(v.token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return VerificationResult{Method: MethodManual, Reason: fmt.Sprintf("attestation invalid: %v", err)}, nil
	}
	if !token.Valid {
		return VerificationResult{Method: MethodManual, Reason: "attestation invalid"}, nil
	}
	if claims.Subject != orgID {
		return VerificationResult{Method: MethodManual, Reason: fmt.Sprintf("attestation subject %q does not match org %q", claims.Subject, orgID)}, nil
	}

	return VerificationResult{
		Verified: true,
		Method:   MethodManual,
		Metadata: map[string]any{"attested_by": v.issuer},
	}, nil
}

var (
	_ Verifier = (*GitHubVerifier)(nil)
	_ Verifier = (*StripeVerifier)(nil)
	_ Verifier = (*ManualVerifier)(nil)
)
