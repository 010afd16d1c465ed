package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/config"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
)

func TestBuildRuntime_WiresNetworkFabric(t *testing.T) {
	ctx := context.Background()

	rt, err := buildRuntime(ctx, config.Default(), false, "v1")
	require.NoError(t, err)
	defer rt.close(ctx)

	// The identity service tracks nonce usage and gates contributions, the
	// aggregator answers as the evaluator's consensus source, and every FP
	// write goes through the validating wrapper.
	require.NotNil(t, rt.identity)
	require.NotNil(t, rt.consensus)
	_, isValidating := rt.fpStore.(*fpstore.ValidatingStore)
	assert.True(t, isValidating)

	// No contributions yet: the consensus source answers, with nothing to say.
	_, _, ok := rt.consensus.ConsensusFPR(ctx, "MD-001")
	assert.False(t, ok)
}

func TestBuildRuntime_LocalModeSkipsNetworkFabric(t *testing.T) {
	ctx := context.Background()

	rt, err := buildRuntime(ctx, config.Default(), true, "v1")
	require.NoError(t, err)
	defer rt.close(ctx)

	assert.Nil(t, rt.identity)
	assert.Nil(t, rt.consensus)
	_, isValidating := rt.fpStore.(*fpstore.ValidatingStore)
	assert.False(t, isValidating)
}

func TestEvaluate_UnverifiableNonceDegrades(t *testing.T) {
	dir := t.TempDir()

	doc := snapshotInput()
	doc["nonce"] = "0011223344556677"
	input := writeFile(t, dir, "input.json", doc)
	rulesPath := writeFile(t, dir, "rules.json", ruleSet())
	invariants := writeFile(t, dir, "invariants.json", map[string]any{
		"expected_schema_hash": "sha256:0a1b2c3d",
		"required_mask":        12,
		"max_drift_magnitude":  1.0,
		"freshness_window":     int64(24 * time.Hour),
		"min_nonce_epoch":      1,
		"witness_target":       1.0,
		"witness_epsilon":      1e-9,
	})

	// A contribution nonce with no registered binding fails verification;
	// community tier proceeds with the degraded exit code.
	code, stdout, _ := runCLI(t, "evaluate",
		"-mode", "pull_request", "-input", input, "-rules", rulesPath, "-invariants", invariants)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, `"reason":"STORE_UNAVAILABLE"`)
}
