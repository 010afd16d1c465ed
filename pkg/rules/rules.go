// Package rules implements the oracle's closed-world rule registry and the L1
// evaluator. Rules are versioned, enumerated, and deterministic: evaluation
// walks the registry in lexicographic ruleId order and emits findings in a
// stable order, with every quoted piece of evidence wrapped through the
// redaction layer.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
)

// Severity orders findings for the document decision: BLOCK > WARN > PASS.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome is a finding's contribution to the document decision.
type Outcome string

const (
	OutcomePass  Outcome = "PASS"
	OutcomeWarn  Outcome = "WARN"
	OutcomeBlock Outcome = "BLOCK"
)

// Rule is one governance rule. The predicate is a CEL expression over the
// evidence set and invocation context; when it evaluates true the rule has
// surfaced a dissonance and produces a finding with DefaultOutcome.
type Rule struct {
	ID             string   `json:"id"`
	Version        string   `json:"version"` // semver
	Title          string   `json:"title"`
	Severity       Severity `json:"severity"`
	EvidenceKinds  []string `json:"evidence_kinds"` // required kinds, e.g. "manifest", "workflow"
	Predicate      string   `json:"predicate"`      // CEL over {evidence, ctx}
	DefaultOutcome Outcome  `json:"default_outcome"`
	EvidenceSchema string   `json:"evidence_schema,omitempty"` // optional JSON Schema for evidence payloads
	LocalThreshold float64  `json:"local_threshold"`           // observed-FPR demotion threshold
}

// Evidence is one piece of repository state a rule inspects.
type Evidence struct {
	Kind      string         `json:"kind"`
	Path      string         `json:"path"`
	StartLine int            `json:"start_line"`
	EndLine   int            `json:"end_line"`
	Quote     string         `json:"quote,omitempty"` // raw quoted text, redacted before emission
	Payload   map[string]any `json:"payload,omitempty"`
}

// EvidenceRef is the emitted form of Evidence: the quote is replaced by a
// MAC-wrapped redaction.
type EvidenceRef struct {
	Kind      string              `json:"kind"`
	Path      string              `json:"path"`
	StartLine int                 `json:"startLine"`
	EndLine   int                 `json:"endLine"`
	Quote     redact.RedactedText `json:"quote"`
}

// Finding is one rule-evaluation result.
type Finding struct {
	FindingID   string        `json:"findingId"`
	RuleID      string        `json:"ruleId"`
	RuleVersion string        `json:"ruleVersion"`
	Severity    Severity      `json:"severity"`
	Outcome     Outcome       `json:"outcome"`
	Demoted     bool          `json:"demoted,omitempty"` // BLOCK downgraded by FPR suppression
	Message     string        `json:"message"`
	Evidence    []EvidenceRef `json:"evidence"`
	ContextHash string        `json:"contextHash"`
}

// compiledRule pairs a rule with its compiled predicate and schema.
type compiledRule struct {
	rule    Rule
	program cel.Program
	schema  *jsonschema.Schema
}

// Registry is the closed-world rule set. Registration is the only way rules
// enter the engine; there is no dynamic loading.
type Registry struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]*compiledRule // ruleId -> compiled
}

// NewRegistry creates an empty registry with the shared CEL environment.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("evidence", cel.ListType(cel.DynType)),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create CEL environment: %w", err)
	}
	return &Registry{env: env, rules: make(map[string]*compiledRule)}, nil
}

// Register compiles and adds a rule. A ruleId may be registered once; version
// upgrades replace the entry only when the semver is strictly newer.
func (r *Registry) Register(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rules: rule id required")
	}
	version, err := semver.NewVersion(rule.Version)
	if err != nil {
		return fmt.Errorf("rules: rule %s version %q: %w", rule.ID, rule.Version, err)
	}
	switch rule.DefaultOutcome {
	case OutcomeWarn, OutcomeBlock:
	default:
		return fmt.Errorf("rules: rule %s default outcome %q must be WARN or BLOCK", rule.ID, rule.DefaultOutcome)
	}

	ast, issues := r.env.Compile(rule.Predicate)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("rules: compile predicate for %s: %w", rule.ID, issues.Err())
	}
	program, err := r.env.Program(ast)
	if err != nil {
		return fmt.Errorf("rules: build program for %s: %w", rule.ID, err)
	}

	var schema *jsonschema.Schema
	if rule.EvidenceSchema != "" {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(rule.ID+".schema.json", strings.NewReader(rule.EvidenceSchema)); err != nil {
			return fmt.Errorf("rules: add evidence schema for %s: %w", rule.ID, err)
		}
		schema, err = compiler.Compile(rule.ID + ".schema.json")
		if err != nil {
			return fmt.Errorf("rules: compile evidence schema for %s: %w", rule.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rules[rule.ID]; ok {
		existingVer := semver.MustParse(existing.rule.Version)
		if !version.GreaterThan(existingVer) {
			return fmt.Errorf("rules: rule %s already registered at %s (got %s)", rule.ID, existing.rule.Version, rule.Version)
		}
	}
	r.rules[rule.ID] = &compiledRule{rule: rule, program: program, schema: schema}
	return nil
}

// Rules returns the registered rules in lexicographic ruleId order — the
// canonical evaluation order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, len(r.rules))
	for _, c := range r.rules {
		out = append(out, c.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a rule by id.
func (r *Registry) Get(ruleID string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.rules[ruleID]
	if !ok {
		return Rule{}, false
	}
	return c.rule, true
}

func (r *Registry) compiled(ruleID string) (*compiledRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rules[ruleID]
	return c, ok
}

// sortEvidence orders evidence by path, then by line range.
func sortEvidence(evidence []EvidenceRef) {
	sort.Slice(evidence, func(i, j int) bool {
		if evidence[i].Path != evidence[j].Path {
			return evidence[i].Path < evidence[j].Path
		}
		if evidence[i].StartLine != evidence[j].StartLine {
			return evidence[i].StartLine < evidence[j].StartLine
		}
		return evidence[i].EndLine < evidence[j].EndLine
	})
}
