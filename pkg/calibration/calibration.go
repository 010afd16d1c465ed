// Package calibration computes the network consensus false-positive rate per
// rule: consent-gated, pseudonymous, reputation-weighted, and Byzantine
// filtered, under a k-anonymity floor. Outputs never carry contributor
// identities.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/anonymize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/consent"
)

// Contribution is one org's attested FPR sample for a rule.
type Contribution struct {
	OrgID      string    `json:"org_id"`
	RepoID     string    `json:"repo_id"`
	FPRate     float64   `json:"fp_rate"`
	EventCount int       `json:"event_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContributionSource yields the network's contributions for a rule.
type ContributionSource interface {
	Contributions(ctx context.Context, ruleID string) ([]Contribution, error)
}

// MemoryContributionSource is an in-memory ContributionSource.
type MemoryContributionSource struct {
	mu     sync.RWMutex
	byRule map[string][]Contribution
}

// NewMemoryContributionSource creates an empty source.
func NewMemoryContributionSource() *MemoryContributionSource {
	return &MemoryContributionSource{byRule: make(map[string][]Contribution)}
}

// Add appends a contribution for the rule.
func (s *MemoryContributionSource) Add(ruleID string, c Contribution) {
	s.mu.Lock()
	s.byRule[ruleID] = append(s.byRule[ruleID], c)
	s.mu.Unlock()
}

func (s *MemoryContributionSource) Contributions(_ context.Context, ruleID string) ([]Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contribution(nil), s.byRule[ruleID]...), nil
}

var _ ContributionSource = (*MemoryContributionSource)(nil)

// ParticipationChecker gates contributors on reputation and stake. Satisfied
// by the reputation engine.
type ParticipationChecker interface {
	CanParticipateInNetwork(ctx context.Context, orgID string) (bool, error)
	ContributionWeight(ctx context.Context, orgID string) (float64, error)
}

// ConfidenceCategory buckets the confidence level.
type ConfidenceCategory string

const (
	ConfidenceHigh         ConfidenceCategory = "high"
	ConfidenceMedium       ConfidenceCategory = "medium"
	ConfidenceLow          ConfidenceCategory = "low"
	ConfidenceInsufficient ConfidenceCategory = "insufficient"
)

// Confidence carries the blended level, its category, and the four factors.
type Confidence struct {
	Level    float64            `json:"level"`
	Category ConfidenceCategory `json:"category"`
	Factors  map[string]float64 `json:"factors,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// ByzantineFilterSummary reports what the filter removed, in aggregate only.
type ByzantineFilterSummary struct {
	OutliersDropped      int     `json:"outliers_dropped"`
	LowReputationDropped int     `json:"low_reputation_dropped"`
	FilterRate           float64 `json:"filter_rate"`
}

// Result is one rule's calibration output. ConsensusFPRate is nil when the
// k-anonymity floor is not met.
type Result struct {
	RuleID                  string                 `json:"rule_id"`
	ConsensusFPRate         *float64               `json:"consensus_fp_rate,omitempty"`
	Confidence              Confidence             `json:"confidence"`
	TrustedContributorCount int                    `json:"trusted_contributor_count"`
	TotalContributorCount   int                    `json:"total_contributor_count"`
	TotalEventCount         int                    `json:"total_event_count"`
	ByzantineFilterSummary  ByzantineFilterSummary `json:"byzantine_filter_summary"`
	CalculatedAt            time.Time              `json:"calculated_at"`
}

// Config tunes the aggregation.
type Config struct {
	KAnonymityFloor             int     `json:"k_anonymity_floor"`
	ZScoreThreshold             float64 `json:"z_score_threshold"`
	ByzantinePercentile         float64 `json:"byzantine_percentile"` // fraction dropped by reputation
	MinContributorsForFiltering int     `json:"min_contributors_for_filtering"`
	FanOutPerSecond             float64 `json:"fan_out_per_second"` // store-read rate ceiling
	FanOutBurst                 int     `json:"fan_out_burst"`
	HighConfidenceThreshold     float64 `json:"high_confidence_threshold"`
	MediumConfidenceThreshold   float64 `json:"medium_confidence_threshold"`
	LowConfidenceThreshold      float64 `json:"low_confidence_threshold"`
	// Normalisers for the count-based confidence factors.
	ContributorSaturation int `json:"contributor_saturation"`
	EventSaturation       int `json:"event_saturation"`
}

// DefaultConfig returns the designed defaults.
func DefaultConfig() Config {
	return Config{
		KAnonymityFloor:             5,
		ZScoreThreshold:             3.0,
		ByzantinePercentile:         0.20,
		MinContributorsForFiltering: 5,
		FanOutPerSecond:             100,
		FanOutBurst:                 20,
		HighConfidenceThreshold:     0.75,
		MediumConfidenceThreshold:   0.5,
		LowConfidenceThreshold:      0.25,
		ContributorSaturation:       20,
		EventSaturation:             200,
	}
}

// Aggregator computes calibration results.
type Aggregator struct {
	source        ContributionSource
	consentStore  consent.Store
	participation ParticipationChecker
	anonymizer    anonymize.Anonymizer
	cfg           Config
	limiter       *rate.Limiter
	clock         func() time.Time
	logger        *slog.Logger

	mu      sync.RWMutex
	results map[string]*Result
}

// NewAggregator wires the aggregator.
func NewAggregator(source ContributionSource, consentStore consent.Store, participation ParticipationChecker, anonymizer anonymize.Anonymizer, cfg Config) *Aggregator {
	return &Aggregator{
		source:        source,
		consentStore:  consentStore,
		participation: participation,
		anonymizer:    anonymizer,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.FanOutPerSecond), cfg.FanOutBurst),
		clock:         time.Now,
		results:       make(map[string]*Result),
		logger:        slog.Default().With("component", "calibration"),
	}
}

// WithClock overrides the clock for testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// contributor is one pseudonym bucket during aggregation.
type contributor struct {
	pseudonym  string
	fpRate     float64
	eventCount int
	weight     float64
}

// Calibrate computes the consensus FPR for one rule over a snapshot of its
// contributions. Deterministic given the same inputs.
func (a *Aggregator) Calibrate(ctx context.Context, ruleID string) (*Result, error) {
	contributions, err := a.source.Contributions(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("calibration: contributions for %s: %w", ruleID, err)
	}

	result := &Result{RuleID: ruleID, CalculatedAt: a.clock()}

	// Consent + participation gate, one bounded store round-trip per org.
	buckets := make(map[string]*contributor)
	var order []string
	for _, c := range contributions {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("calibration: fan-out for %s: %w", ruleID, err)
		}

		if err := a.consentStore.CheckCalibrationConsent(ctx, c.OrgID); err != nil {
			if errors.Is(err, consent.ErrConsentMissing) {
				continue
			}
			return nil, fmt.Errorf("calibration: consent check for %s: %w", ruleID, err)
		}
		ok, err := a.participation.CanParticipateInNetwork(ctx, c.OrgID)
		if err != nil {
			return nil, fmt.Errorf("calibration: participation check for %s: %w", ruleID, err)
		}
		if !ok {
			continue
		}

		pseudo, err := a.anonymizer.Pseudonym(c.OrgID, c.RepoID)
		if err != nil {
			return nil, fmt.Errorf("calibration: pseudonym for %s: %w", ruleID, err)
		}

		bucket, exists := buckets[pseudo]
		if !exists {
			weight, err := a.participation.ContributionWeight(ctx, c.OrgID)
			if err != nil {
				return nil, fmt.Errorf("calibration: weight for %s: %w", ruleID, err)
			}
			bucket = &contributor{pseudonym: pseudo, weight: weight}
			buckets[pseudo] = bucket
			order = append(order, pseudo)
		}
		// A later sample for the same pseudonym replaces the rate and
		// accumulates the event count.
		bucket.fpRate = c.FPRate
		bucket.eventCount += c.EventCount
	}
	sort.Strings(order)

	result.TotalContributorCount = len(buckets)
	for _, b := range buckets {
		result.TotalEventCount += b.eventCount
	}

	if len(buckets) < a.cfg.KAnonymityFloor {
		result.Confidence = Confidence{
			Category: ConfidenceInsufficient,
			Reason:   fmt.Sprintf("%d contributors below k-anonymity floor %d", len(buckets), a.cfg.KAnonymityFloor),
		}
		a.storeResult(result)
		return result, nil
	}

	survivors := make([]*contributor, 0, len(order))
	for _, p := range order {
		survivors = append(survivors, buckets[p])
	}
	survivors, summary := a.byzantineFilter(survivors)
	result.ByzantineFilterSummary = summary
	result.TrustedContributorCount = len(survivors)

	if len(survivors) == 0 {
		result.Confidence = Confidence{
			Category: ConfidenceInsufficient,
			Reason:   "byzantine filter removed all contributors",
		}
		a.storeResult(result)
		return result, nil
	}

	var weightedSum, weightTotal float64
	for _, s := range survivors {
		weightedSum += s.weight * s.fpRate
		weightTotal += s.weight
	}
	if weightTotal == 0 {
		result.Confidence = Confidence{
			Category: ConfidenceInsufficient,
			Reason:   "all surviving contributors have zero weight",
		}
		a.storeResult(result)
		return result, nil
	}

	consensus := weightedSum / weightTotal
	result.ConsensusFPRate = &consensus
	result.Confidence = a.confidence(survivors, consensus, result.TotalEventCount)

	a.logger.DebugContext(ctx, "calibration complete",
		"rule", ruleID,
		"consensus_fpr", consensus,
		"contributors", result.TrustedContributorCount,
		"confidence", result.Confidence.Category)

	a.storeResult(result)
	return result, nil
}

// byzantineFilter drops FPR outliers by z-score, then the lowest-reputation
// tail, when enough contributors exist to filter safely. The z-score is
// computed leave-one-out: each contributor is measured against the mean and
// deviation of the others, so a single extreme value cannot mask itself.
func (a *Aggregator) byzantineFilter(contributors []*contributor) ([]*contributor, ByzantineFilterSummary) {
	var summary ByzantineFilterSummary
	if len(contributors) < a.cfg.MinContributorsForFiltering {
		return contributors, summary
	}
	initial := len(contributors)

	kept := contributors[:0:0]
	for i, c := range contributors {
		if a.leaveOneOutZ(contributors, i) > a.cfg.ZScoreThreshold {
			summary.OutliersDropped++
			continue
		}
		kept = append(kept, c)
	}

	// Drop the bottom percentile by weight.
	drop := int(math.Floor(float64(len(kept)) * a.cfg.ByzantinePercentile))
	if drop > 0 && drop < len(kept) {
		byWeight := append([]*contributor(nil), kept...)
		sort.SliceStable(byWeight, func(i, j int) bool { return byWeight[i].weight < byWeight[j].weight })
		cut := make(map[string]bool, drop)
		for _, c := range byWeight[:drop] {
			cut[c.pseudonym] = true
		}

		filtered := kept[:0:0]
		for _, c := range kept {
			if cut[c.pseudonym] {
				summary.LowReputationDropped++
				continue
			}
			filtered = append(filtered, c)
		}
		kept = filtered
	}

	summary.FilterRate = float64(initial-len(kept)) / float64(initial)
	return kept, summary
}

// leaveOneOutZ returns |z| of contributor i against the mean and standard
// deviation of the remaining contributors.
func (a *Aggregator) leaveOneOutZ(contributors []*contributor, i int) float64 {
	var sum float64
	n := 0
	for j, c := range contributors {
		if j == i {
			continue
		}
		sum += c.fpRate
		n++
	}
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)

	var variance float64
	for j, c := range contributors {
		if j == i {
			continue
		}
		variance += (c.fpRate - mean) * (c.fpRate - mean)
	}
	stddev := math.Sqrt(variance / float64(n))
	if stddev == 0 {
		if contributors[i].fpRate == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(contributors[i].fpRate-mean) / stddev
}

// confidence blends four [0,1] factors by geometric mean: contributor count,
// inter-contributor agreement, event volume, and mean contributor weight.
func (a *Aggregator) confidence(survivors []*contributor, consensus float64, totalEvents int) Confidence {
	countFactor := math.Min(1, float64(len(survivors))/float64(a.cfg.ContributorSaturation))
	eventFactor := math.Min(1, float64(totalEvents)/float64(a.cfg.EventSaturation))

	var dispersion, weightSum float64
	for _, s := range survivors {
		dispersion += math.Abs(s.fpRate - consensus)
		weightSum += s.weight
	}
	dispersion /= float64(len(survivors))
	// FPRs live in [0,1]; a mean absolute deviation of 0.5 is total
	// disagreement.
	agreement := math.Max(0, 1-dispersion/0.5)
	meanWeight := weightSum / float64(len(survivors))

	level := math.Pow(countFactor*agreement*eventFactor*meanWeight, 0.25)

	var category ConfidenceCategory
	switch {
	case level >= a.cfg.HighConfidenceThreshold:
		category = ConfidenceHigh
	case level >= a.cfg.MediumConfidenceThreshold:
		category = ConfidenceMedium
	case level >= a.cfg.LowConfidenceThreshold:
		category = ConfidenceLow
	default:
		category = ConfidenceInsufficient
	}

	return Confidence{
		Level:    level,
		Category: category,
		Factors: map[string]float64{
			"contributor_count": countFactor,
			"agreement":         agreement,
			"event_volume":      eventFactor,
			"mean_reputation":   meanWeight,
		},
	}
}

func (a *Aggregator) storeResult(r *Result) {
	a.mu.Lock()
	a.results[r.RuleID] = r
	a.mu.Unlock()
}

// Latest returns the most recent calibration result for the rule, if any.
func (a *Aggregator) Latest(ruleID string) (*Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.results[ruleID]
	return r, ok
}

// ConsensusFPR satisfies the evaluator's consensus source using the latest
// cached result.
func (a *Aggregator) ConsensusFPR(_ context.Context, ruleID string) (float64, bool, bool) {
	r, ok := a.Latest(ruleID)
	if !ok || r.ConsensusFPRate == nil {
		return 0, false, false
	}
	return *r.ConsensusFPRate, r.Confidence.Category == ConfidenceHigh, true
}
