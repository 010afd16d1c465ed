package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, v any) string {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func snapshotInput(evidence ...map[string]any) map[string]any {
	return map[string]any{
		"state": map[string]any{
			"schema_hash":         "sha256:0a1b2c3d",
			"permission_bits":     12,
			"drift_magnitude":     0.1,
			"nonce_epoch":         3,
			"nonce_issued_at":     time.Now().UTC().Format(time.RFC3339),
			"contraction_witness": 1.0,
		},
		"context": map[string]any{
			"org_id":     "acme",
			"repo":       "acme/widgets",
			"branch":     "main",
			"event_type": "pull_request",
		},
		"evidence": evidence,
	}
}

func ruleSet() []map[string]any {
	return []map[string]any{{
		"id":              "MD-001",
		"version":         "1.0.0",
		"title":           "secrets exposed to forked workflow",
		"severity":        "critical",
		"evidence_kinds":  []string{"workflow"},
		"predicate":       `evidence.exists(e, e.kind == "workflow" && e.payload.uses_secrets)`,
		"default_outcome": "BLOCK",
		"local_threshold": 0.10,
	}}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"phasemirror"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestEvaluate_LocalCleanRunPasses(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "input.json", snapshotInput())
	rulesPath := writeFile(t, dir, "rules.json", ruleSet())

	code, stdout, stderr := runCLI(t, "evaluate", "-mode", "local", "-input", input, "-rules", rulesPath)
	assert.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"decision":"PASS"`)
	assert.Contains(t, stdout, `"engineVersion"`)
}

func TestEvaluate_FiringRuleBlocks(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "input.json", snapshotInput(map[string]any{
		"kind":       "workflow",
		"path":       ".github/workflows/ci.yml",
		"start_line": 12,
		"end_line":   18,
		"quote":      "secret: ghp_abcdefghijklmnopqrstuv",
		"payload":    map[string]any{"uses_secrets": true},
	}))
	rulesPath := writeFile(t, dir, "rules.json", ruleSet())

	code, stdout, stderr := runCLI(t, "evaluate", "-mode", "local", "-input", input, "-rules", rulesPath)
	assert.Equal(t, 1, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"decision":"BLOCK"`)
	assert.Contains(t, stdout, "[REDACTED:github-token]")
}

func TestEvaluate_PermissionBitsViolationBlocks(t *testing.T) {
	dir := t.TempDir()
	doc := snapshotInput()
	doc["state"].(map[string]any)["permission_bits"] = 5 // 0b0101 misses required 0b1100

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

	code, stdout, _ := runCLI(t, "evaluate",
		"-mode", "pull_request", "-input", input, "-rules", rulesPath, "-invariants", invariants)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, `"invariant_id":"permission_bits"`)
	assert.Contains(t, stdout, `"reason":"L0_VIOLATION"`)
}

func TestEvaluate_RequiresInvariantsOutsideLocalMode(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "input.json", snapshotInput())
	rulesPath := writeFile(t, dir, "rules.json", ruleSet())

	code, _, stderr := runCLI(t, "evaluate", "-input", input, "-rules", rulesPath)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "-invariants")
}

func TestEvaluate_MissingFlags(t *testing.T) {
	code, _, stderr := runCLI(t, "evaluate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "-input and -rules are required")
}

func TestReview_UnknownFinding(t *testing.T) {
	code, _, stderr := runCLI(t, "review", "-finding", "MD-001@1.0.0:deadbeef", "-reviewer", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no recorded event")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, fmt.Sprintf("phasemirror %s\n", engineVersion), stdout)
}
