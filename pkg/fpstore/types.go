// Package fpstore records false-positive events per rule and derives windowed
// FPR statistics from them. Events are created at evaluation time, reviewed
// later, and expire via TTL. The store never silently drops a write: every
// transport fault surfaces as a StoreError.
package fpstore

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Outcome is the recorded evaluation outcome for a finding.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeWarn  Outcome = "warn"
	OutcomeBlock Outcome = "block"
)

// DefaultEventTTL is how long events are retained before TTL expiry.
const DefaultEventTTL = 90 * 24 * time.Hour

// ErrDuplicateEvent is returned when (ruleId, eventId) already exists.
// Expected under retries and tolerated by callers.
var ErrDuplicateEvent = errors.New("fpstore: duplicate event")

// ErrNotFound is returned when a finding has no recorded event.
var ErrNotFound = errors.New("fpstore: not found")

// StoreError wraps a transport or contention fault. It always carries the
// operation and identifiers so the failure is attributable.
type StoreError struct {
	Operation string
	RuleID    string
	EventID   string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("fpstore: %s failed (rule=%s event=%s): %v", e.Operation, e.RuleID, e.EventID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// EventContext identifies where a finding was raised.
type EventContext struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	EventType string `json:"event_type"`
}

// FPEvent is one recorded evaluation outcome, later reviewable as a false
// positive. The (RuleID, EventID) pair is unique.
type FPEvent struct {
	EventID           string       `json:"event_id"`
	RuleID            string       `json:"rule_id"`
	RuleVersion       string       `json:"rule_version"`
	FindingID         string       `json:"finding_id"`
	Outcome           Outcome      `json:"outcome"`
	IsFalsePositive   bool         `json:"is_false_positive"`
	Timestamp         time.Time    `json:"timestamp"`
	Context           EventContext `json:"context"`
	Reviewer          string       `json:"reviewer,omitempty"`
	ReviewedAt        *time.Time   `json:"reviewed_at,omitempty"`
	SuppressionTicket string       `json:"suppression_ticket,omitempty"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

// Pending reports whether the event has not been reviewed yet. Pending events
// are excluded from the FPR denominator.
func (e *FPEvent) Pending() bool {
	return e.Reviewer == ""
}

// Validate rejects structurally incomplete events before any write.
func (e *FPEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("fpstore: event id required")
	}
	if e.RuleID == "" {
		return errors.New("fpstore: rule id required")
	}
	switch e.Outcome {
	case OutcomePass, OutcomeWarn, OutcomeBlock:
	default:
		return fmt.Errorf("fpstore: invalid outcome %q", e.Outcome)
	}
	if e.Timestamp.IsZero() {
		return errors.New("fpstore: timestamp required")
	}
	return nil
}

// WindowStatistics summarises the events in one FPWindow.
type WindowStatistics struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	FalsePositives int     `json:"false_positives"`
	ObservedFPR    float64 `json:"observed_fpr"`
}

// FPWindow is a derived, pure view over a set of events for one rule.
type FPWindow struct {
	RuleID      string           `json:"rule_id"`
	WindowSize  int              `json:"window_size"`
	Events      []*FPEvent       `json:"events"`
	RuleVersion string           `json:"rule_version"` // statistical mode of versions in the window
	Statistics  WindowStatistics `json:"statistics"`
}

// ComputeWindow builds an FPWindow from newest-first events. The reported
// rule version is the mode of versions in the window; ties resolve to the
// newest version by semver precedence, falling back to the version carried by
// the most recent event when a tied version does not parse.
func ComputeWindow(ruleID string, events []*FPEvent, windowSize int) *FPWindow {
	w := &FPWindow{
		RuleID:     ruleID,
		WindowSize: windowSize,
		Events:     events,
	}

	counts := make(map[string]int)
	for _, e := range events {
		w.Statistics.Total++
		if e.Pending() {
			w.Statistics.Pending++
		}
		if e.IsFalsePositive {
			w.Statistics.FalsePositives++
		}
		if e.RuleVersion != "" {
			counts[e.RuleVersion]++
		}
	}

	reviewed := w.Statistics.Total - w.Statistics.Pending
	if reviewed < 1 {
		reviewed = 1
	}
	w.Statistics.ObservedFPR = float64(w.Statistics.FalsePositives) / float64(reviewed)

	w.RuleVersion = modeVersion(counts, events)
	return w
}

// modeVersion picks the most frequent version; ties go to the newest.
func modeVersion(counts map[string]int, newestFirst []*FPEvent) string {
	if len(counts) == 0 {
		return ""
	}

	best := 0
	var tied []string
	for v, n := range counts {
		if n > best {
			best = n
			tied = tied[:0]
		}
		if n == best {
			tied = append(tied, v)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	sort.Strings(tied)

	// Prefer semver precedence among the tied versions.
	var (
		winner    string
		winnerVer *semver.Version
		parsedAll = true
	)
	for _, v := range tied {
		sv, err := semver.NewVersion(v)
		if err != nil {
			parsedAll = false
			break
		}
		if winnerVer == nil || sv.GreaterThan(winnerVer) {
			winner, winnerVer = v, sv
		}
	}
	if parsedAll {
		return winner
	}

	// Fall back to the version carried by the most recent tied event.
	tiedSet := make(map[string]bool, len(tied))
	for _, v := range tied {
		tiedSet[v] = true
	}
	for _, e := range newestFirst {
		if tiedSet[e.RuleVersion] {
			return e.RuleVersion
		}
	}
	return tied[0]
}
