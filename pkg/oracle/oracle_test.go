package oracle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/anonymize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/archive"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/blockcounter"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/breaker"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/config"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/invariant"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/rules"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/secrets"
)

var fixedNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

const expectedSchemaHash = "sha256:0a1b2c3d"

type fixture struct {
	pipeline *Pipeline
	store    fpstore.Store
	counter  *blockcounter.MemoryCounter
	archive  *archive.MemoryStore
}

func newTestRedactor(t *testing.T) *redact.Redactor {
	t.Helper()

	secretStore := secrets.NewMemoryStore()
	secretStore.Put("oracle/nonce/v1", []byte("0123456789abcdef0123456789abcdef"))

	cache, err := redact.NewNonceCache(secretStore, redact.DefaultNonceCacheConfig())
	require.NoError(t, err)
	require.NoError(t, cache.Activate(context.Background(), "v1"))
	return redact.NewRedactor(cache)
}

func newChecker(t *testing.T) *invariant.Checker {
	t.Helper()

	cfg := invariant.DefaultCheckerConfig()
	cfg.ExpectedSchemaHash = expectedSchemaHash
	cfg.RequiredMask = 0b1100
	checker, err := invariant.NewChecker(cfg)
	require.NoError(t, err)
	return checker.WithClock(func() time.Time { return fixedNow })
}

func secretsRule(id string, outcome rules.Outcome) rules.Rule {
	return rules.Rule{
		ID:             id,
		Version:        "1.0.0",
		Title:          "secrets exposed to forked workflow",
		Severity:       rules.SeverityCritical,
		EvidenceKinds:  []string{"workflow"},
		Predicate:      `evidence.exists(e, e.kind == "workflow" && e.payload.uses_secrets)`,
		DefaultOutcome: outcome,
		LocalThreshold: 0.10,
	}
}

func newFixture(t *testing.T, tier config.Tier, ruleSet ...rules.Rule) *fixture {
	t.Helper()

	registry, err := rules.NewRegistry()
	require.NoError(t, err)
	for _, r := range ruleSet {
		require.NoError(t, registry.Register(r))
	}

	store := fpstore.NewMemoryStore()
	evaluator := rules.NewEvaluator(registry, store, nil, newTestRedactor(t), rules.DefaultEvaluatorConfig())

	counter := blockcounter.NewMemoryCounter()
	archiveStore := archive.NewMemoryStore()

	cfg := DefaultPipelineConfig()
	cfg.Tier = tier

	seq := 0
	pipeline, err := New(cfg, Deps{
		Checker:    newChecker(t),
		Evaluator:  evaluator,
		Breaker:    breaker.New(counter, breaker.DefaultConfig()),
		Store:      store,
		Counter:    counter,
		Anonymizer: anonymize.TestAnonymizer{},
		Archiver:   archive.NewArchiver(archiveStore),
	})
	require.NoError(t, err)
	pipeline.WithClock(func() time.Time { return fixedNow }).
		WithEventIDs(func() string { seq++; return fmt.Sprintf("evt-%04d", seq) })

	return &fixture{pipeline: pipeline, store: store, counter: counter, archive: archiveStore}
}

func cleanState() invariant.SnapshotState {
	return invariant.SnapshotState{
		SchemaHash:         expectedSchemaHash,
		PermissionBits:     0b1100,
		DriftMagnitude:     0.1,
		NonceEpoch:         3,
		NonceIssuedAt:      fixedNow.Add(-time.Hour),
		ContractionWitness: 1.0,
	}
}

func cleanRequest(evidence ...rules.Evidence) Request {
	return Request{
		Mode:  "pull_request",
		State: cleanState(),
		Input: rules.Input{
			Context:  rules.InvocationContext{OrgID: "acme", Repo: "acme/widgets", Branch: "main", EventType: "pull_request"},
			Evidence: evidence,
		},
	}
}

func firingEvidence() rules.Evidence {
	return rules.Evidence{
		Kind:      "workflow",
		Path:      ".github/workflows/ci.yml",
		StartLine: 12,
		EndLine:   18,
		Quote:     "secret: ghp_abc123",
		Payload:   map[string]any{"uses_secrets": true},
	}
}

func TestPipeline_CleanRunPasses(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeBlock))

	res, err := f.pipeline.Run(context.Background(), cleanRequest())
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomePass, res.Record.Decision)
	assert.Empty(t, res.Record.Findings)
	assert.Nil(t, res.Record.Degradation)
	assert.Equal(t, ExitPass, res.ExitCode)

	assert.Equal(t, expectedSchemaHash, res.Record.Meta.SchemaHash)
	assert.Equal(t, "2026-08-01T12:00:00Z", res.Record.Meta.GeneratedAt)
	assert.NotEmpty(t, res.Record.Meta.InputsDigest)
	assert.NotEmpty(t, res.ArchiveDigest)
}

func TestPipeline_L0ViolationBlocksBeforeRules(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeBlock))

	req := cleanRequest(firingEvidence())
	req.State.PermissionBits = 0b0101 // missing required 0b1100

	res, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeBlock, res.Record.Decision)
	require.NotNil(t, res.Record.L0Violation)
	assert.Equal(t, invariant.InvariantPermissionBits, res.Record.L0Violation.InvariantID)
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonL0Violation, res.Record.Degradation.Reason)
	assert.Equal(t, ExitBlock, res.ExitCode)

	// No rule ran and no side effect fired.
	assert.Empty(t, res.Record.Findings)
	window, err := f.store.WindowByCount(context.Background(), "MD-001", 50)
	require.NoError(t, err)
	assert.Zero(t, window.Statistics.Total)
}

func TestPipeline_BlockFindingBlocksAndRecords(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeBlock))

	res, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeBlock, res.Record.Decision)
	assert.Equal(t, ExitBlock, res.ExitCode)
	require.Len(t, res.Record.Findings, 1)
	assert.False(t, res.Record.Findings[0].Demoted)

	// The evaluation-time event was recorded pending review.
	window, err := f.store.WindowByCount(context.Background(), "MD-001", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, window.Statistics.Total)
	assert.Equal(t, 1, window.Statistics.Pending)

	// The block counter registered the hit under the pseudonymised org/repo.
	hash, err := anonymize.TestAnonymizer{}.Pseudonym("acme", "acme/widgets")
	require.NoError(t, err)
	count, err := f.counter.SumLastN(context.Background(), "MD-001", hash, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPipeline_TrippedBreakerDemotesToWarn(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeBlock))

	hash, err := anonymize.TestAnonymizer{}.Pseudonym("acme", "acme/widgets")
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		require.NoError(t, f.counter.Increment(context.Background(), "MD-001", hash))
	}

	res, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	require.Len(t, res.Record.Findings, 1)
	assert.Equal(t, rules.OutcomeWarn, res.Record.Findings[0].Outcome)
	assert.True(t, res.Record.Findings[0].Demoted)
	assert.Equal(t, rules.OutcomeWarn, res.Record.Decision)

	// The record carries the stamp, but a demoted run still completed with
	// full guarantees: it exits as its WARN decision would.
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonCircuitBreaker, res.Record.Degradation.Reason)
	assert.Contains(t, res.Record.Degradation.Details, "MD-001")
	assert.Equal(t, ExitPass, res.ExitCode)
}

func TestPipeline_BreakerDemotionExitsCleanOnPaidTier(t *testing.T) {
	f := newFixture(t, config.TierPaid, secretsRule("MD-001", rules.OutcomeBlock))

	hash, err := anonymize.TestAnonymizer{}.Pseudonym("acme", "acme/widgets")
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		require.NoError(t, f.counter.Increment(context.Background(), "MD-001", hash))
	}

	res, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeWarn, res.Record.Decision)
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonCircuitBreaker, res.Record.Degradation.Reason)
	assert.NotEqual(t, ExitBlock, res.ExitCode)
	assert.Equal(t, ExitPass, res.ExitCode)
}

func TestPipeline_PaidTierFailsClosedOnDegradation(t *testing.T) {
	p := newFailingFixture(t, config.TierPaid, false, true, secretsRule("MD-001", rules.OutcomeWarn))

	res, err := p.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeWarn, res.Record.Decision)
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonStoreUnavailable, res.Record.Degradation.Reason)
	assert.Equal(t, ExitBlock, res.ExitCode)
}

func TestPipeline_DeterministicRecordBytes(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-002", rules.OutcomeWarn), secretsRule("MD-001", rules.OutcomeWarn))

	first, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)
	second, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	require.Len(t, first.Record.Findings, 2)
	assert.Equal(t, "MD-001", first.Record.Findings[0].RuleID)
	assert.Equal(t, "MD-002", first.Record.Findings[1].RuleID)
	assert.Equal(t, string(first.Canonical), string(second.Canonical))
	assert.Equal(t, first.ArchiveDigest, second.ArchiveDigest)
}

type failingStore struct {
	fpstore.Store
	failWindow bool
	failRecord bool
}

func (s *failingStore) WindowByCount(ctx context.Context, ruleID string, n int) (*fpstore.FPWindow, error) {
	if s.failWindow {
		return nil, &fpstore.StoreError{Operation: "WindowByCount", RuleID: ruleID, Err: context.DeadlineExceeded}
	}
	return s.Store.WindowByCount(ctx, ruleID, n)
}

func (s *failingStore) RecordEvent(ctx context.Context, event *fpstore.FPEvent) error {
	if s.failRecord {
		return &fpstore.StoreError{Operation: "RecordEvent", RuleID: event.RuleID, EventID: event.EventID, Err: fmt.Errorf("connection refused")}
	}
	return s.Store.RecordEvent(ctx, event)
}

func newFailingFixture(t *testing.T, tier config.Tier, failWindow, failRecord bool, ruleSet ...rules.Rule) *Pipeline {
	t.Helper()

	registry, err := rules.NewRegistry()
	require.NoError(t, err)
	for _, r := range ruleSet {
		require.NoError(t, registry.Register(r))
	}

	store := &failingStore{Store: fpstore.NewMemoryStore(), failWindow: failWindow, failRecord: failRecord}
	counter := blockcounter.NewMemoryCounter()

	cfg := DefaultPipelineConfig()
	cfg.Tier = tier
	pipeline, err := New(cfg, Deps{
		Checker:    newChecker(t),
		Evaluator:  rules.NewEvaluator(registry, store, nil, newTestRedactor(t), rules.DefaultEvaluatorConfig()),
		Breaker:    breaker.New(counter, breaker.DefaultConfig()),
		Store:      store,
		Counter:    counter,
		Anonymizer: anonymize.TestAnonymizer{},
	})
	require.NoError(t, err)
	return pipeline.WithClock(func() time.Time { return fixedNow })
}

func TestPipeline_EvaluationStoreFaultDegrades(t *testing.T) {
	p := newFailingFixture(t, config.TierCommunity, true, false, secretsRule("MD-001", rules.OutcomeBlock))

	res, err := p.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeWarn, res.Record.Decision)
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonTimeout, res.Record.Degradation.Reason)
	assert.Equal(t, ExitDegraded, res.ExitCode)
}

func TestPipeline_SideEffectFaultDegrades(t *testing.T) {
	p := newFailingFixture(t, config.TierCommunity, false, true, secretsRule("MD-001", rules.OutcomeWarn))

	res, err := p.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeWarn, res.Record.Decision)
	require.NotNil(t, res.Record.Degradation)
	assert.Equal(t, ReasonStoreUnavailable, res.Record.Degradation.Reason)
	assert.Equal(t, ExitDegraded, res.ExitCode)
}

func TestPipeline_SideEffectFaultNeverWeakensBlock(t *testing.T) {
	p := newFailingFixture(t, config.TierCommunity, false, true, secretsRule("MD-001", rules.OutcomeBlock))

	res, err := p.Run(context.Background(), cleanRequest(firingEvidence()))
	require.NoError(t, err)

	assert.Equal(t, rules.OutcomeBlock, res.Record.Decision)
	assert.Equal(t, ExitBlock, res.ExitCode)
}

type recordingUsage struct {
	nonces []string
	orgs   []string
}

func (u *recordingUsage) IncrementUsage(_ context.Context, nonce, orgID string) error {
	u.nonces = append(u.nonces, nonce)
	u.orgs = append(u.orgs, orgID)
	return nil
}

func TestPipeline_NonceUsageRecordedOnContribution(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeBlock))
	usage := &recordingUsage{}
	f.pipeline.deps.Usage = usage

	req := cleanRequest(firingEvidence())
	req.Nonce = "aabbccdd"

	_, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, usage.nonces, 1)
	assert.Equal(t, "aabbccdd", usage.nonces[0])
	assert.Equal(t, "acme", usage.orgs[0])
}

func TestPipeline_DuplicateEventsTolerated(t *testing.T) {
	f := newFixture(t, config.TierCommunity, secretsRule("MD-001", rules.OutcomeWarn))
	f.pipeline.WithEventIDs(func() string { return "same-event" })

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.Run(context.Background(), cleanRequest(firingEvidence()))
		require.NoError(t, err)
		assert.Nil(t, res.Record.Degradation)
		assert.Equal(t, ExitPass, res.ExitCode)
	}
}

func TestPipeline_MissingDependenciesRejected(t *testing.T) {
	_, err := New(DefaultPipelineConfig(), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariant checker")
}
