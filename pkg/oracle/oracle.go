// Package oracle assembles the evaluation pipeline: the L0 invariant gate,
// the L1 rule evaluator with calibrated false-positive suppression, the
// per-rule circuit breaker, and the canonical decision record the CI surface
// acts on. The pipeline is the only writer: evaluation itself is pure, and
// every store mutation is queued during the run and drained before the
// record is sealed.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/anonymize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/archive"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/blockcounter"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/breaker"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/canonicalize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/config"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/invariant"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/observability"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/rules"
)

// Exit codes surfaced to the CI runner.
const (
	ExitPass     = 0 // PASS or WARN
	ExitBlock    = 1 // BLOCK, or any L0 violation
	ExitDegraded = 2 // proceeded with degraded guarantees (community tier)
)

// Meta is the provenance header of a decision record.
type Meta struct {
	SchemaHash    string `json:"schemaHash"`
	GeneratedAt   string `json:"generatedAt"` // RFC 3339 UTC
	EngineVersion string `json:"engineVersion"`
	InputsDigest  string `json:"inputsDigest"`
}

// Degradation marks a decision produced under reduced guarantees.
type Degradation struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// DecisionRecord is the engine's output document. Identical inputs, rule set,
// and store contents canonicalise to identical bytes.
type DecisionRecord struct {
	Meta        Meta                 `json:"meta"`
	Decision    rules.Outcome        `json:"decision"`
	Findings    []rules.Finding      `json:"findings"`
	L0Violation *invariant.Violation `json:"l0Violation,omitempty"`
	Degradation *Degradation         `json:"degradation,omitempty"`
}

// Result pairs the record with its canonical form and the CI exit code.
type Result struct {
	Record        *DecisionRecord
	Canonical     []byte
	ArchiveDigest string
	ExitCode      int
}

// Request is one evaluation invocation.
type Request struct {
	Mode  string // pull_request, merge_group, drift, local
	State invariant.SnapshotState
	Input rules.Input
	Nonce string // organisation nonce, when contributing to the network
}

// UsageTracker records nonce usage on successful contributions. Satisfied by
// the identity binding service.
type UsageTracker interface {
	IncrementUsage(ctx context.Context, nonce, orgID string) error
}

// Config tunes the pipeline.
type Config struct {
	Tier          config.Tier
	EngineVersion string
	Timeout       time.Duration
}

// DefaultPipelineConfig returns the designed defaults.
func DefaultPipelineConfig() Config {
	return Config{
		Tier:          config.TierCommunity,
		EngineVersion: "1.0.0",
		Timeout:       2 * time.Minute,
	}
}

// Deps are the pipeline's collaborators. Usage, Archiver, and Observability
// are optional; everything else is required.
type Deps struct {
	Checker       *invariant.Checker
	Evaluator     *rules.Evaluator
	Breaker       *breaker.Breaker
	Store         fpstore.Store
	Counter       blockcounter.Counter
	Anonymizer    anonymize.Anonymizer
	Usage         UsageTracker
	Archiver      *archive.Archiver
	Observability *observability.Provider
}

// Pipeline executes evaluations end to end.
type Pipeline struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	clock      func() time.Time
	newEventID func() string
}

// New validates the wiring and returns a ready pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Checker == nil:
		return nil, fmt.Errorf("oracle: invariant checker required")
	case deps.Evaluator == nil:
		return nil, fmt.Errorf("oracle: evaluator required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("oracle: breaker required")
	case deps.Store == nil:
		return nil, fmt.Errorf("oracle: FP store required")
	case deps.Counter == nil:
		return nil, fmt.Errorf("oracle: block counter required")
	case deps.Anonymizer == nil:
		return nil, fmt.Errorf("oracle: anonymizer required")
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = DefaultPipelineConfig().EngineVersion
	}
	if cfg.Tier == "" {
		cfg.Tier = config.TierCommunity
	}
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		logger:     slog.Default().With("component", "oracle"),
		clock:      time.Now,
		newEventID: uuid.NewString,
	}, nil
}

// WithClock overrides the clock for testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithEventIDs overrides event id generation for testing.
func (p *Pipeline) WithEventIDs(gen func() string) *Pipeline {
	p.newEventID = gen
	return p
}

// sideEffect is one queued store mutation, drained before the record seals.
type sideEffect struct {
	name string
	run  func(ctx context.Context) error
}

// Run executes one evaluation. Degraded conditions are reported through the
// result, not the error: the error return is reserved for faults that prevent
// producing a record at all.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var done func(error)
	if p.deps.Observability != nil {
		ctx, done = p.deps.Observability.TrackEvaluation(ctx, req.Mode)
	}
	result, err := p.run(ctx, req)
	if done != nil {
		done(err)
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Result, error) {
	// L0 gate: any violation is terminal. No rule runs, no side effect fires.
	if violation := p.deps.Checker.Check(req.State); violation != nil {
		p.logger.WarnContext(ctx, "L0 invariant violated",
			"invariant", violation.InvariantID, "mode", req.Mode)
		record := &DecisionRecord{
			Decision:    rules.OutcomeBlock,
			Findings:    []rules.Finding{},
			L0Violation: violation,
			Degradation: &Degradation{Reason: ReasonL0Violation, Details: violation.Evidence},
		}
		return p.seal(ctx, req, record)
	}

	var degradation *Degradation
	findings, err := p.deps.Evaluator.Evaluate(ctx, req.Input)
	if err != nil {
		// Evaluation could not complete. Conservative fallback: a WARN
		// decision stamped with the degradation reason; the tier policy
		// decides whether the runner treats that as a failure.
		reason := classify(err)
		p.logger.ErrorContext(ctx, "evaluation degraded", "reason", reason, "error", err)
		record := &DecisionRecord{
			Decision:    rules.OutcomeWarn,
			Findings:    []rules.Finding{},
			Degradation: &Degradation{Reason: reason, Details: err.Error()},
		}
		return p.seal(ctx, req, record)
	}
	if findings == nil {
		findings = []rules.Finding{}
	}

	orgRepoHash, err := p.deps.Anonymizer.Pseudonym(req.Input.Context.OrgID, req.Input.Context.Repo)
	if err != nil {
		return nil, fmt.Errorf("oracle: derive org/repo pseudonym: %w", err)
	}

	// Breaker pass plus side-effect queueing. Block counters increment on the
	// pre-demotion outcome so a tripped rule keeps registering pressure.
	var effects []sideEffect
	for i := range findings {
		f := &findings[i]

		p.queueFPEvent(&effects, req, *f)

		if f.Outcome != rules.OutcomeBlock {
			continue
		}
		ruleID := f.RuleID
		effects = append(effects, sideEffect{
			name: "block counter " + ruleID,
			run: func(ctx context.Context) error {
				return p.deps.Counter.Increment(ctx, ruleID, orgRepoHash)
			},
		})

		decision, err := p.deps.Breaker.Check(ctx, f.RuleID, orgRepoHash)
		if err != nil {
			// Counter unreachable: proceed without breaker protection and
			// say so on the record.
			degradation = &Degradation{Reason: classify(err), Details: err.Error()}
			p.logger.ErrorContext(ctx, "breaker check failed, proceeding without demotion",
				"rule", f.RuleID, "error", err)
			continue
		}
		if decision.Demote {
			f.Outcome = rules.OutcomeWarn
			f.Demoted = true
			degradation = &Degradation{
				Reason:  ReasonCircuitBreaker,
				Details: fmt.Sprintf("rule %s: recent_blocks=%d threshold tripped", f.RuleID, decision.RecentBlocks),
			}
			if p.deps.Observability != nil {
				p.deps.Observability.RecordBreakerTrip(ctx, f.RuleID, decision.RecentBlocks)
			}
		}
	}

	if req.Nonce != "" && p.deps.Usage != nil {
		nonce, orgID := req.Nonce, req.Input.Context.OrgID
		effects = append(effects, sideEffect{
			name: "nonce usage",
			run: func(ctx context.Context) error {
				return p.deps.Usage.IncrementUsage(ctx, nonce, orgID)
			},
		})
	}

	if err := p.drain(ctx, effects); err != nil && degradation == nil {
		degradation = &Degradation{Reason: classify(err), Details: err.Error()}
	}

	if ctx.Err() != nil && degradation == nil {
		degradation = &Degradation{Reason: ReasonTimeout, Details: ctx.Err().Error()}
	}

	record := &DecisionRecord{
		Decision:    aggregate(findings),
		Findings:    findings,
		Degradation: degradation,
	}
	return p.seal(ctx, req, record)
}

// queueFPEvent schedules the evaluation-time event write for one finding.
func (p *Pipeline) queueFPEvent(effects *[]sideEffect, req Request, f rules.Finding) {
	event := &fpstore.FPEvent{
		EventID:     p.newEventID(),
		RuleID:      f.RuleID,
		RuleVersion: f.RuleVersion,
		FindingID:   f.FindingID,
		Outcome:     storeOutcome(f.Outcome),
		Timestamp:   p.clock().UTC(),
		Context: fpstore.EventContext{
			Repo:      req.Input.Context.Repo,
			Branch:    req.Input.Context.Branch,
			EventType: req.Input.Context.EventType,
		},
		ExpiresAt: p.clock().UTC().Add(fpstore.DefaultEventTTL),
	}
	*effects = append(*effects, sideEffect{
		name: "fp event " + f.FindingID,
		run: func(ctx context.Context) error {
			return p.deps.Store.RecordEvent(ctx, event)
		},
	})
}

// drain runs every queued side effect. Expected kinds (duplicate events) are
// tolerated; the first transport fault is returned after the remaining
// effects have still been attempted.
func (p *Pipeline) drain(ctx context.Context, effects []sideEffect) error {
	var firstErr error
	for _, eff := range effects {
		if err := eff.run(ctx); err != nil && !recoverable(err) {
			p.logger.ErrorContext(ctx, "side effect failed", "effect", eff.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// seal stamps the meta header, canonicalises, archives, and maps the exit
// code. The archive write is best effort: a failed write is logged, never
// blocking the decision already made.
func (p *Pipeline) seal(ctx context.Context, req Request, record *DecisionRecord) (*Result, error) {
	inputsDigest, err := canonicalize.CanonicalHash(map[string]any{
		"state":    req.State,
		"context":  req.Input.Context,
		"evidence": req.Input.Evidence,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: digest inputs: %w", err)
	}
	record.Meta = Meta{
		SchemaHash:    req.State.SchemaHash,
		GeneratedAt:   canonicalize.FormatTime(p.clock()),
		EngineVersion: p.cfg.EngineVersion,
		InputsDigest:  inputsDigest,
	}

	canonical, err := canonicalize.JCS(record)
	if err != nil {
		return nil, fmt.Errorf("oracle: canonicalise decision record: %w", err)
	}

	result := &Result{
		Record:    record,
		Canonical: canonical,
		ExitCode:  p.exitCode(record),
	}

	if p.deps.Archiver != nil {
		digest, err := p.deps.Archiver.Archive(ctx, record)
		if err != nil {
			p.logger.ErrorContext(ctx, "decision archive failed", "error", err)
		} else {
			result.ArchiveDigest = digest
		}
	}

	reason := ""
	if record.Degradation != nil {
		reason = record.Degradation.Reason
	}
	if p.deps.Observability != nil {
		p.deps.Observability.RecordDecision(ctx, string(record.Decision), reason)
	}
	p.logger.InfoContext(ctx, "decision sealed",
		"decision", record.Decision,
		"findings", len(record.Findings),
		"degradation", reason,
		"exit_code", result.ExitCode)
	return result, nil
}

// exitCode maps the record to the CI exit code under the tier policy.
func (p *Pipeline) exitCode(record *DecisionRecord) int {
	if record.L0Violation != nil || record.Decision == rules.OutcomeBlock {
		return ExitBlock
	}
	// A breaker demotion changes the outcome, not the engine's guarantees:
	// the record carries the CIRCUIT_BREAKER stamp but the run itself
	// completed normally. Only infrastructure degradation maps to the
	// degraded exit path.
	if record.Degradation != nil && record.Degradation.Reason != ReasonCircuitBreaker {
		if p.cfg.Tier == config.TierPaid {
			return ExitBlock
		}
		return ExitDegraded
	}
	return ExitPass
}

// aggregate reduces findings to the document decision: BLOCK > WARN > PASS.
func aggregate(findings []rules.Finding) rules.Outcome {
	decision := rules.OutcomePass
	for _, f := range findings {
		switch f.Outcome {
		case rules.OutcomeBlock:
			return rules.OutcomeBlock
		case rules.OutcomeWarn:
			decision = rules.OutcomeWarn
		}
	}
	return decision
}

func storeOutcome(o rules.Outcome) fpstore.Outcome {
	switch o {
	case rules.OutcomeBlock:
		return fpstore.OutcomeBlock
	case rules.OutcomeWarn:
		return fpstore.OutcomeWarn
	default:
		return fpstore.OutcomePass
	}
}
