// Package reputation weighs calibration contributors. Every organisation
// carries a reputation score, an optional stake pledge, and a consistency
// score derived from how well its past FPR contributions tracked consensus.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// StakeStatus is the lifecycle of an organisation's stake pledge.
type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeSlashed   StakeStatus = "slashed"
	StakeWithdrawn StakeStatus = "withdrawn"
)

// ErrNotFound is returned when no reputation exists for an org.
var ErrNotFound = errors.New("reputation: not found")

// OrganizationReputation is the stored reputation state for one org.
type OrganizationReputation struct {
	OrgID             string      `json:"org_id"`
	ReputationScore   float64     `json:"reputation_score"` // [0,1]
	ConsistencyScore  float64     `json:"consistency_score"`
	StakePledge       int64       `json:"stake_pledge"` // USD
	StakeStatus       StakeStatus `json:"stake_status"`
	ContributionCount int         `json:"contribution_count"`
	FlaggedCount      int         `json:"flagged_count"`
	AgeScore          float64     `json:"age_score"`
	VolumeScore       float64     `json:"volume_score"`
	SlashReason       string      `json:"slash_reason,omitempty"`
	SlashedAt         *time.Time  `json:"slashed_at,omitempty"`
	LastUpdated       time.Time   `json:"last_updated"`
}

// ContributionRecord is one attested (org, rule) sample used by the
// consistency scorer. Append-only.
type ContributionRecord struct {
	RuleID            string    `json:"rule_id"`
	ContributedFPRate float64   `json:"contributed_fp_rate"`
	ConsensusFPRate   float64   `json:"consensus_fp_rate"`
	EventCount        int       `json:"event_count"`
	Timestamp         time.Time `json:"timestamp"`
}

// Store persists reputation state and contribution history.
type Store interface {
	Get(ctx context.Context, orgID string) (*OrganizationReputation, error)
	Put(ctx context.Context, rep *OrganizationReputation) error
	AppendContribution(ctx context.Context, orgID string, rec ContributionRecord) error
	Contributions(ctx context.Context, orgID string) ([]ContributionRecord, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	reps          map[string]*OrganizationReputation
	contributions map[string][]ContributionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reps:          make(map[string]*OrganizationReputation),
		contributions: make(map[string][]ContributionRecord),
	}
}

func (s *MemoryStore) Get(_ context.Context, orgID string) (*OrganizationReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reps[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rep
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, rep *OrganizationReputation) error {
	if rep.OrgID == "" {
		return errors.New("reputation: org id required")
	}
	s.mu.Lock()
	copied := *rep
	s.reps[rep.OrgID] = &copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendContribution(_ context.Context, orgID string, rec ContributionRecord) error {
	s.mu.Lock()
	s.contributions[orgID] = append(s.contributions[orgID], rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Contributions(_ context.Context, orgID string) ([]ContributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ContributionRecord(nil), s.contributions[orgID]...), nil
}

var _ Store = (*MemoryStore)(nil)

// Config holds the weighting and participation thresholds.
type Config struct {
	MinStake                  int64         `json:"min_stake"`            // pledge normaliser for the log curve
	StakeMultiplierCap        float64       `json:"stake_multiplier_cap"` // cap on log1p(pledge/minStake)
	ConsistencyBonusCap       float64       `json:"consistency_bonus_cap"`
	RequireStake              bool          `json:"require_stake"`
	MinimumReputationScore    float64       `json:"minimum_reputation_score"`
	MinStakeForParticipation  int64         `json:"min_stake_for_participation"`
	MaxContributionAge        time.Duration `json:"max_contribution_age"`
	MinContributionsRequired  int           `json:"min_contributions_required"`
	OutlierDeviationThreshold float64       `json:"outlier_deviation_threshold"`
	OutlierZThreshold         float64       `json:"outlier_z_threshold"`
	DecayRate                 float64       `json:"decay_rate"` // per day
	MaxConsistencyBonus       float64       `json:"max_consistency_bonus"`
}

// DefaultConfig returns the designed defaults.
func DefaultConfig() Config {
	return Config{
		MinStake:                  100,
		StakeMultiplierCap:        2.0,
		ConsistencyBonusCap:       0.2,
		RequireStake:              false,
		MinimumReputationScore:    0.1,
		MinStakeForParticipation:  0,
		MaxContributionAge:        180 * 24 * time.Hour,
		MinContributionsRequired:  3,
		OutlierDeviationThreshold: 0.3,
		OutlierZThreshold:         3.0,
		DecayRate:                 0.01,
		MaxConsistencyBonus:       0.2,
	}
}

// IdentityChecker reports whether an org holds a verified identity. Satisfied
// by the identity service.
type IdentityChecker interface {
	IsVerified(ctx context.Context, orgID string) (bool, error)
}

// Engine computes contribution weights and participation eligibility.
type Engine struct {
	store    Store
	identity IdentityChecker
	cfg      Config
	clock    func() time.Time
}

// NewEngine wires the engine. identity may be nil in local mode, in which case
// every org counts as verified.
func NewEngine(store Store, identity IdentityChecker, cfg Config) *Engine {
	return &Engine{
		store:    store,
		identity: identity,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// ContributionWeight returns the org's calibration weight in [0,1].
//
//	weight = clamp(baseReputation * stakeMultiplier + consistencyBonus, 0, 1)
func (e *Engine) ContributionWeight(ctx context.Context, orgID string) (float64, error) {
	rep, err := e.store.Get(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("reputation: weight for %s: %w", orgID, err)
	}
	if rep.StakeStatus == StakeSlashed {
		return 0, nil
	}

	base := clamp01(rep.ReputationScore)

	var stakeMult float64
	switch {
	case rep.StakeStatus == StakeActive && rep.StakePledge > 0:
		stakeMult = math.Min(e.cfg.StakeMultiplierCap, math.Log1p(float64(rep.StakePledge)/float64(e.cfg.MinStake)))
	case e.cfg.RequireStake:
		stakeMult = 0
	default:
		stakeMult = 1
	}

	bonus := (rep.ConsistencyScore - 0.5) * 2
	if bonus < 0 {
		bonus = 0
	}
	bonus = math.Min(e.cfg.ConsistencyBonusCap, bonus)

	return clamp01(base*stakeMult + bonus), nil
}

// ConsistencyResult is the scored output with provenance.
type ConsistencyResult struct {
	Score          float64 `json:"score"`
	HasMinimumData bool    `json:"has_minimum_data"`
	RecordsUsed    int     `json:"records_used"`
	OutliersFound  int     `json:"outliers_found"`
}

// ConsistencyScore scores how closely the org's contributed FPRs tracked
// consensus, with exponential time decay and outlier flagging. Returns a
// neutral 0.5 when too few recent records exist.
func (e *Engine) ConsistencyScore(ctx context.Context, orgID string) (ConsistencyResult, error) {
	records, err := e.store.Contributions(ctx, orgID)
	if err != nil {
		return ConsistencyResult{}, fmt.Errorf("reputation: contributions for %s: %w", orgID, err)
	}

	now := e.clock()
	var recent []ContributionRecord
	for _, r := range records {
		if now.Sub(r.Timestamp) <= e.cfg.MaxContributionAge {
			recent = append(recent, r)
		}
	}
	if len(recent) < e.cfg.MinContributionsRequired {
		return ConsistencyResult{Score: 0.5, HasMinimumData: false, RecordsUsed: len(recent)}, nil
	}

	deviations := make([]float64, len(recent))
	var sum float64
	for i, r := range recent {
		deviations[i] = math.Abs(r.ContributedFPRate - r.ConsensusFPRate)
		sum += deviations[i]
	}
	mean := sum / float64(len(deviations))

	var variance float64
	for _, d := range deviations {
		variance += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(variance / float64(len(deviations)))

	outliers := 0
	var weightedDev, weightSum float64
	for i, r := range recent {
		d := deviations[i]
		if d > e.cfg.OutlierDeviationThreshold || (stddev > 0 && math.Abs(d-mean)/stddev > e.cfg.OutlierZThreshold) {
			outliers++
		}
		ageDays := now.Sub(r.Timestamp).Hours() / 24
		w := math.Exp(-e.cfg.DecayRate * ageDays)
		weightedDev += w * d
		weightSum += w
	}

	meanDev := weightedDev / weightSum
	bonus := math.Min(e.cfg.MaxConsistencyBonus, math.Max(0, e.cfg.MaxConsistencyBonus*(1-meanDev)))
	score := clamp01(0.5 + bonus - meanDev)

	return ConsistencyResult{
		Score:          score,
		HasMinimumData: true,
		RecordsUsed:    len(recent),
		OutliersFound:  outliers,
	}, nil
}

// CanParticipateInNetwork applies the participation gate: verified identity,
// not slashed, reputation above floor, stake above floor when configured.
func (e *Engine) CanParticipateInNetwork(ctx context.Context, orgID string) (bool, error) {
	if e.identity != nil {
		verified, err := e.identity.IsVerified(ctx, orgID)
		if err != nil {
			return false, fmt.Errorf("reputation: verify identity for %s: %w", orgID, err)
		}
		if !verified {
			return false, nil
		}
	}

	rep, err := e.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if rep.StakeStatus == StakeSlashed {
		return false, nil
	}
	if rep.ReputationScore < e.cfg.MinimumReputationScore {
		return false, nil
	}
	if e.cfg.MinStakeForParticipation > 0 && rep.StakePledge < e.cfg.MinStakeForParticipation {
		return false, nil
	}
	return true, nil
}

// SlashStake marks the org's stake slashed and zeroes its reputation.
// Irreversible.
func (e *Engine) SlashStake(ctx context.Context, orgID, reason string) error {
	rep, err := e.store.Get(ctx, orgID)
	if err != nil {
		return fmt.Errorf("reputation: slash %s: %w", orgID, err)
	}

	now := e.clock()
	rep.StakeStatus = StakeSlashed
	rep.ReputationScore = 0
	rep.SlashReason = reason
	rep.SlashedAt = &now
	rep.LastUpdated = now
	return e.store.Put(ctx, rep)
}

// RecordContribution appends a contribution sample and bumps the counter.
func (e *Engine) RecordContribution(ctx context.Context, orgID string, rec ContributionRecord) error {
	if err := e.store.AppendContribution(ctx, orgID, rec); err != nil {
		return err
	}
	rep, err := e.store.Get(ctx, orgID)
	if err != nil {
		return err
	}
	rep.ContributionCount++
	rep.LastUpdated = e.clock()
	return e.store.Put(ctx, rep)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
