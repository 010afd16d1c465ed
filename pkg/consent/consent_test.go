package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ExplicitConsentAdmits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Grant(ctx, Record{
		OrgID:       "acme",
		GrantedBy:   "legal@acme.example",
		GrantedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(365 * 24 * time.Hour),
		ConsentType: TypeExplicit,
	}))

	assert.NoError(t, s.CheckCalibrationConsent(ctx, "acme"))
}

func TestMemoryStore_NonExplicitIsExcluded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, typ := range []Type{TypeImplicit, TypeNone} {
		t.Run(string(typ), func(t *testing.T) {
			s := NewMemoryStore().WithClock(func() time.Time { return now })
			require.NoError(t, s.Grant(ctx, Record{
				OrgID:       "acme",
				GrantedAt:   now.Add(-time.Hour),
				ConsentType: typ,
			}))
			assert.ErrorIs(t, s.CheckCalibrationConsent(ctx, "acme"), ErrConsentMissing)
		})
	}
}

func TestMemoryStore_ExpiryAndRevocation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Grant(ctx, Record{
		OrgID:       "expired",
		GrantedAt:   now.Add(-48 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
		ConsentType: TypeExplicit,
	}))
	assert.ErrorIs(t, s.CheckCalibrationConsent(ctx, "expired"), ErrConsentMissing)

	require.NoError(t, s.Grant(ctx, Record{
		OrgID:       "revoked",
		GrantedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(time.Hour),
		ConsentType: TypeExplicit,
	}))
	require.NoError(t, s.Revoke(ctx, "revoked", now))
	assert.ErrorIs(t, s.CheckCalibrationConsent(ctx, "revoked"), ErrConsentMissing)

	// Revoking again is a no-op.
	require.NoError(t, s.Revoke(ctx, "revoked", now.Add(time.Minute)))
}

func TestMemoryStore_LatestRecordGoverns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Grant(ctx, Record{
		OrgID:       "acme",
		GrantedAt:   now.Add(-48 * time.Hour),
		ExpiresAt:   now.Add(-24 * time.Hour),
		ConsentType: TypeExplicit,
	}))
	assert.ErrorIs(t, s.CheckCalibrationConsent(ctx, "acme"), ErrConsentMissing)

	// A fresh explicit grant supersedes the expired one.
	require.NoError(t, s.Grant(ctx, Record{
		OrgID:       "acme",
		GrantedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(24 * time.Hour),
		ConsentType: TypeExplicit,
	}))
	assert.NoError(t, s.CheckCalibrationConsent(ctx, "acme"))
}

func TestMemoryStore_UnknownOrg(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.CheckCalibrationConsent(context.Background(), "nobody"), ErrConsentMissing)
}
