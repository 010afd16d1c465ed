package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/canonicalize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
)

// InvocationContext describes where the evaluation runs.
type InvocationContext struct {
	OrgID     string `json:"org_id"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	EventType string `json:"event_type"` // pull_request, merge_group, drift, local
}

// Input is one evaluation's worth of repository evidence.
type Input struct {
	Context  InvocationContext
	Evidence []Evidence
}

// ConsensusSource supplies the network consensus FPR for a rule, when one
// exists at sufficient confidence. Satisfied by the calibration aggregator.
type ConsensusSource interface {
	ConsensusFPR(ctx context.Context, ruleID string) (fpr float64, highConfidence bool, ok bool)
}

// EvaluatorConfig tunes L1 false-positive suppression.
type EvaluatorConfig struct {
	WindowSize  int     `json:"window_size"`  // FP window consulted per rule
	CriticalFPR float64 `json:"critical_fpr"` // fallback demotion threshold when a rule has none
}

// DefaultEvaluatorConfig returns the designed defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		WindowSize:  50,
		CriticalFPR: 0.10,
	}
}

// Evaluator runs registered rules over an input, applying local and
// network-calibrated false-positive suppression. It is pure with respect to
// store writes: it only reads; recording happens in the pipeline.
type Evaluator struct {
	registry  *Registry
	store     fpstore.Store
	consensus ConsensusSource
	redactor  *redact.Redactor
	cfg       EvaluatorConfig
	logger    *slog.Logger
}

// NewEvaluator wires the evaluator. consensus may be nil when network
// calibration is unavailable (local mode).
func NewEvaluator(registry *Registry, store fpstore.Store, consensus ConsensusSource, redactor *redact.Redactor, cfg EvaluatorConfig) *Evaluator {
	return &Evaluator{
		registry:  registry,
		store:     store,
		consensus: consensus,
		redactor:  redactor,
		cfg:       cfg,
		logger:    slog.Default().With("component", "evaluator"),
	}
}

// Evaluate runs every registered rule in lexicographic order and returns the
// findings in that order. Determinism: identical inputs, rule set, and store
// contents produce identical findings.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) ([]Finding, error) {
	var findings []Finding
	for _, rule := range e.registry.Rules() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		finding, fired, err := e.evaluateRule(ctx, rule, input)
		if err != nil {
			return nil, err
		}
		if fired {
			findings = append(findings, finding)
		}
	}
	return findings, nil
}

// evaluateRule runs one rule and, when it fires, builds the finding with
// redacted evidence and suppression applied.
func (e *Evaluator) evaluateRule(ctx context.Context, rule Rule, input Input) (Finding, bool, error) {
	compiled, ok := e.registry.compiled(rule.ID)
	if !ok {
		return Finding{}, false, fmt.Errorf("rules: rule %s vanished from registry", rule.ID)
	}

	relevant := filterEvidence(input.Evidence, rule.EvidenceKinds)
	if compiled.schema != nil {
		for i := range relevant {
			if relevant[i].Payload == nil {
				continue
			}
			if err := compiled.schema.Validate(toJSONValue(relevant[i].Payload)); err != nil {
				return Finding{}, false, fmt.Errorf("rules: evidence %s for %s fails schema: %w", relevant[i].Path, rule.ID, err)
			}
		}
	}

	fired, err := e.runPredicate(compiled, relevant, input.Context)
	if err != nil {
		return Finding{}, false, fmt.Errorf("rules: evaluate %s: %w", rule.ID, err)
	}
	if !fired {
		return Finding{}, false, nil
	}

	refs := make([]EvidenceRef, 0, len(relevant))
	for _, ev := range relevant {
		quote, err := e.redactor.Redact(ev.Quote)
		if err != nil {
			return Finding{}, false, fmt.Errorf("rules: redact evidence for %s: %w", rule.ID, err)
		}
		refs = append(refs, EvidenceRef{
			Kind:      ev.Kind,
			Path:      ev.Path,
			StartLine: ev.StartLine,
			EndLine:   ev.EndLine,
			Quote:     quote,
		})
	}
	sortEvidence(refs)

	primaryPath := ""
	if len(refs) > 0 {
		primaryPath = refs[0].Path
	}
	contextHash := ContextHash(input.Context.Repo, input.Context.Branch, input.Context.EventType, primaryPath)

	finding := Finding{
		FindingID:   findingID(rule, contextHash),
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Severity:    rule.Severity,
		Outcome:     rule.DefaultOutcome,
		Message:     rule.Title,
		Evidence:    refs,
		ContextHash: contextHash,
	}

	if finding.Outcome == OutcomeBlock {
		demoted, err := e.shouldDemote(ctx, rule, input.Context)
		if err != nil {
			return Finding{}, false, err
		}
		if demoted {
			finding.Outcome = OutcomeWarn
			finding.Demoted = true
		}
	}
	return finding, true, nil
}

func (e *Evaluator) runPredicate(compiled *compiledRule, evidence []Evidence, ic InvocationContext) (bool, error) {
	evList := make([]map[string]any, 0, len(evidence))
	for _, ev := range evidence {
		evList = append(evList, map[string]any{
			"kind":       ev.Kind,
			"path":       ev.Path,
			"start_line": ev.StartLine,
			"end_line":   ev.EndLine,
			"payload":    ev.Payload,
		})
	}

	out, _, err := compiled.program.Eval(map[string]any{
		"evidence": evList,
		"ctx": map[string]any{
			"org":        ic.OrgID,
			"repo":       ic.Repo,
			"branch":     ic.Branch,
			"event_type": ic.EventType,
		},
	})
	if err != nil {
		return false, err
	}

	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate returned %T, want bool", out.Value())
	}
	return fired, nil
}

// shouldDemote applies the L1/L2 suppression test: the effective FPR is the
// higher of the local window FPR and a high-confidence network consensus, and
// demotion also requires the finding to resemble a known false-positive
// context.
func (e *Evaluator) shouldDemote(ctx context.Context, rule Rule, ic InvocationContext) (bool, error) {
	window, err := e.store.WindowByCount(ctx, rule.ID, e.cfg.WindowSize)
	if err != nil {
		return false, fmt.Errorf("rules: consult FP window for %s: %w", rule.ID, err)
	}

	effectiveFPR := window.Statistics.ObservedFPR
	if e.consensus != nil {
		if consensusFPR, high, ok := e.consensus.ConsensusFPR(ctx, rule.ID); ok && high && consensusFPR > effectiveFPR {
			effectiveFPR = consensusFPR
		}
	}

	threshold := rule.LocalThreshold
	if threshold <= 0 {
		threshold = e.cfg.CriticalFPR
	}
	if effectiveFPR < threshold {
		return false, nil
	}

	// The FPR alone is not enough: the finding must also resemble a context
	// already reviewed as a false positive. Resemblance is an exact match on
	// the invocation context fingerprint (repo, branch, event type).
	matchHash := ContextHash(ic.Repo, ic.Branch, ic.EventType, "")
	for _, ev := range window.Events {
		if !ev.IsFalsePositive {
			continue
		}
		if ContextHash(ev.Context.Repo, ev.Context.Branch, ev.Context.EventType, "") == matchHash {
			e.logger.DebugContext(ctx, "demoting finding on FP suppression",
				"rule", rule.ID, "observed_fpr", window.Statistics.ObservedFPR, "effective_fpr", effectiveFPR)
			return true, nil
		}
	}
	return false, nil
}

func filterEvidence(evidence []Evidence, kinds []string) []Evidence {
	if len(kinds) == 0 {
		return evidence
	}
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	var out []Evidence
	for _, ev := range evidence {
		if kindSet[ev.Kind] {
			out = append(out, ev)
		}
	}
	return out
}

// ContextHash fingerprints the context a finding was raised in. Reviewed
// false positives store the same fingerprint, so "resembles a known-FP
// context" is an exact hash match.
func ContextHash(repo, branch, eventType, evidencePath string) string {
	h, err := canonicalize.CanonicalHash(map[string]string{
		"repo":       repo,
		"branch":     branch,
		"event_type": eventType,
		"path":       evidencePath,
	})
	if err != nil {
		// Canonicalising a flat string map cannot fail; keep the signature small.
		panic(fmt.Sprintf("rules: context hash: %v", err))
	}
	return h
}

// findingID derives a stable finding identifier from the rule and context.
func findingID(rule Rule, contextHash string) string {
	return fmt.Sprintf("%s@%s:%s", rule.ID, rule.Version, contextHash[:16])
}

func toJSONValue(m map[string]any) any {
	// jsonschema validates plain JSON values; evidence payloads are already
	// decoded into maps, slices, and scalars.
	return map[string]any(m)
}
