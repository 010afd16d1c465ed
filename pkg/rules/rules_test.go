package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/secrets"
)

func newTestRedactor(t *testing.T) *redact.Redactor {
	t.Helper()

	store := secrets.NewMemoryStore()
	store.Put("oracle/nonce/v1", []byte("0123456789abcdef0123456789abcdef"))

	cache, err := redact.NewNonceCache(store, redact.DefaultNonceCacheConfig())
	require.NoError(t, err)
	require.NoError(t, cache.Activate(context.Background(), "v1"))
	return redact.NewRedactor(cache)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	rule := Rule{
		ID:             "MD-001",
		Version:        "1.2.0",
		Title:          "workflow permissions too broad",
		Severity:       SeverityHigh,
		EvidenceKinds:  []string{"workflow"},
		Predicate:      `evidence.exists(e, e.kind == "workflow")`,
		DefaultOutcome: OutcomeBlock,
	}
	require.NoError(t, r.Register(rule))

	got, ok := r.Get("MD-001")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", got.Version)
}

func TestRegistry_RejectsInvalidRules(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	tests := []struct {
		name string
		rule Rule
	}{
		{"missing id", Rule{Version: "1.0.0", Predicate: "true", DefaultOutcome: OutcomeWarn}},
		{"bad version", Rule{ID: "MD-001", Version: "not-semver", Predicate: "true", DefaultOutcome: OutcomeWarn}},
		{"bad outcome", Rule{ID: "MD-001", Version: "1.0.0", Predicate: "true", DefaultOutcome: Outcome("MAYBE")}},
		{"bad predicate", Rule{ID: "MD-001", Version: "1.0.0", Predicate: "][", DefaultOutcome: OutcomeWarn}},
		{"bad schema", Rule{ID: "MD-001", Version: "1.0.0", Predicate: "true", DefaultOutcome: OutcomeWarn, EvidenceSchema: "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.rule))
		})
	}
}

func TestRegistry_VersionUpgradeOnly(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	base := Rule{ID: "MD-001", Version: "1.0.0", Predicate: "true", DefaultOutcome: OutcomeWarn}
	require.NoError(t, r.Register(base))

	// Same or older version is rejected.
	assert.Error(t, r.Register(base))
	older := base
	older.Version = "0.9.0"
	assert.Error(t, r.Register(older))

	newer := base
	newer.Version = "1.1.0"
	require.NoError(t, r.Register(newer))

	got, _ := r.Get("MD-001")
	assert.Equal(t, "1.1.0", got.Version)
}

func TestRegistry_RulesLexicographicOrder(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	for _, id := range []string{"MD-010", "MD-002", "AA-100", "MD-001"} {
		require.NoError(t, r.Register(Rule{ID: id, Version: "1.0.0", Predicate: "true", DefaultOutcome: OutcomeWarn}))
	}

	var ids []string
	for _, rule := range r.Rules() {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []string{"AA-100", "MD-001", "MD-002", "MD-010"}, ids)
}

func TestSortEvidence(t *testing.T) {
	refs := []EvidenceRef{
		{Path: "b.yml", StartLine: 1},
		{Path: "a.yml", StartLine: 9},
		{Path: "a.yml", StartLine: 2, EndLine: 5},
		{Path: "a.yml", StartLine: 2, EndLine: 3},
	}
	sortEvidence(refs)

	assert.Equal(t, "a.yml", refs[0].Path)
	assert.Equal(t, 2, refs[0].StartLine)
	assert.Equal(t, 3, refs[0].EndLine)
	assert.Equal(t, 5, refs[1].EndLine)
	assert.Equal(t, "b.yml", refs[3].Path)
}
