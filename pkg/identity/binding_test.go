package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifiedService(t *testing.T, orgIDs ...string) (*Service, *MemoryBindingStore) {
	t.Helper()

	identities := NewMemoryIdentityStore()
	bindings := NewMemoryBindingStore()
	svc := NewService(identities, bindings)
	for _, org := range orgIDs {
		require.NoError(t, svc.RegisterVerified(context.Background(), org, "pk-"+org, VerificationResult{
			Verified: true,
			Method:   MethodGitHubOrg,
		}))
	}
	return svc, bindings
}

func TestService_GenerateAndBind(t *testing.T) {
	ctx := context.Background()
	svc, _ := newVerifiedService(t, "acme")

	b, err := svc.GenerateAndBind(ctx, "acme", "pk-acme")
	require.NoError(t, err)
	assert.Len(t, b.Nonce, 64) // 32 bytes hex
	assert.Equal(t, BindingSignature(b.Nonce, "acme", "pk-acme"), b.Signature)
	assert.False(t, b.Revoked)

	// Second bind must be rejected; rotation is the supported path.
	_, err = svc.GenerateAndBind(ctx, "acme", "pk-acme")
	assert.ErrorIs(t, err, ErrActiveBindingExists)
}

func TestService_GenerateAndBind_RequiresVerifiedIdentity(t *testing.T) {
	svc := NewService(NewMemoryIdentityStore(), NewMemoryBindingStore())
	_, err := svc.GenerateAndBind(context.Background(), "ghost", "pk")
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestService_RegisterVerified_RejectsUnverifiedResult(t *testing.T) {
	svc := NewService(NewMemoryIdentityStore(), NewMemoryBindingStore())
	err := svc.RegisterVerified(context.Background(), "acme", "pk", VerificationResult{
		Verified: false,
		Method:   MethodGitHubOrg,
		Reason:   "organisation age 10 days below minimum 90",
	})
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestService_Verify(t *testing.T) {
	ctx := context.Background()
	svc, bindings := newVerifiedService(t, "acme")

	b, err := svc.GenerateAndBind(ctx, "acme", "pk-acme")
	require.NoError(t, err)

	assert.NoError(t, svc.Verify(ctx, b.Nonce, "acme"))

	var bindErr *BindingValidationError
	require.ErrorAs(t, svc.Verify(ctx, b.Nonce, "evil"), &bindErr)
	assert.Contains(t, bindErr.Reason, "claimed org")

	require.ErrorAs(t, svc.Verify(ctx, "unknown-nonce", "acme"), &bindErr)
	assert.Contains(t, bindErr.Reason, "unknown")

	// A tampered signature fails even for the right org.
	stored, err := bindings.GetBinding(ctx, b.Nonce)
	require.NoError(t, err)
	stored.Signature = BindingSignature(b.Nonce, "acme", "forged-key")
	require.NoError(t, bindings.PutBinding(ctx, stored))
	require.ErrorAs(t, svc.Verify(ctx, b.Nonce, "acme"), &bindErr)
	assert.Contains(t, bindErr.Reason, "signature")
}

func TestService_Rotate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := newVerifiedService(t, "acme")
	svc.WithClock(func() time.Time { return now })

	old, err := svc.GenerateAndBind(ctx, "acme", "A-key")
	require.NoError(t, err)
	require.NoError(t, svc.Verify(ctx, old.Nonce, "acme"))

	rotated, err := svc.Rotate(ctx, "acme", "B-key", "quarterly")
	require.NoError(t, err)
	assert.Equal(t, old.Nonce, rotated.PreviousNonce)
	assert.NotEqual(t, old.Nonce, rotated.Nonce)

	// The old nonce is now revoked.
	var bindErr *BindingValidationError
	require.ErrorAs(t, svc.Verify(ctx, old.Nonce, "acme"), &bindErr)
	assert.Contains(t, bindErr.Reason, "revoked")

	history, err := svc.RotationHistory(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, old.Nonce, history[0].Nonce)
	assert.True(t, history[0].Revoked)
	assert.Equal(t, "quarterly", history[0].RevocationReason)
	assert.Equal(t, rotated.Nonce, history[1].Nonce)
	assert.False(t, history[1].Revoked)
}

func TestService_Revoke_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newVerifiedService(t, "acme")

	b, err := svc.GenerateAndBind(ctx, "acme", "pk-acme")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "acme", "compromised"))
	require.NoError(t, svc.Revoke(ctx, "acme", "compromised"))

	var bindErr *BindingValidationError
	assert.ErrorAs(t, svc.Verify(ctx, b.Nonce, "acme"), &bindErr)
}

func TestService_IncrementUsage(t *testing.T) {
	ctx := context.Background()
	svc, bindings := newVerifiedService(t, "acme")

	b, err := svc.GenerateAndBind(ctx, "acme", "pk-acme")
	require.NoError(t, err)

	require.NoError(t, svc.IncrementUsage(ctx, b.Nonce, "acme"))
	require.NoError(t, svc.IncrementUsage(ctx, b.Nonce, "acme"))

	stored, err := bindings.GetBinding(ctx, b.Nonce)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.UsageCount)

	// Usage cannot be bumped with the wrong claimed org.
	assert.Error(t, svc.IncrementUsage(ctx, b.Nonce, "evil"))
}

func TestService_AtMostOneActiveBinding(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("rotations leave exactly one active binding", prop.ForAll(
		func(rotations int) bool {
			ctx := context.Background()
			svc, _ := newVerifiedService(t, "acme")

			if _, err := svc.GenerateAndBind(ctx, "acme", "pk-0"); err != nil {
				return false
			}
			for i := 0; i < rotations; i++ {
				if _, err := svc.Rotate(ctx, "acme", "pk-next", "cycle"); err != nil {
					return false
				}
			}

			history, err := svc.RotationHistory(ctx, "acme")
			if err != nil || len(history) != rotations+1 {
				return false
			}
			active := 0
			for _, b := range history {
				if !b.Revoked {
					active++
				}
			}
			return active == 1
		},
		gen.IntRange(0, 8),
	))
	properties.TestingRun(t)
}

func TestSQLiteBindingStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteBindingStore(db)
	require.NoError(t, err)

	identities := NewMemoryIdentityStore()
	svc := NewService(identities, store)
	require.NoError(t, svc.RegisterVerified(ctx, "acme", "A-key", VerificationResult{Verified: true, Method: MethodManual}))

	old, err := svc.GenerateAndBind(ctx, "acme", "A-key")
	require.NoError(t, err)
	require.NoError(t, svc.Verify(ctx, old.Nonce, "acme"))
	require.NoError(t, svc.IncrementUsage(ctx, old.Nonce, "acme"))

	rotated, err := svc.Rotate(ctx, "acme", "B-key", "quarterly")
	require.NoError(t, err)

	var bindErr *BindingValidationError
	require.ErrorAs(t, svc.Verify(ctx, old.Nonce, "acme"), &bindErr)
	assert.Contains(t, bindErr.Reason, "revoked")
	assert.NoError(t, svc.Verify(ctx, rotated.Nonce, "acme"))

	history, err := store.BindingsByOrg(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].UsageCount)
	assert.Equal(t, old.Nonce, history[1].PreviousNonce)
}
