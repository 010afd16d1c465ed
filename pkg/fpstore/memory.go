package fpstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for local mode and tests. TTL expiry is
// applied lazily on read.
type MemoryStore struct {
	mu       sync.RWMutex
	byRule   map[string]map[string]*FPEvent // ruleId -> eventId -> event
	byFind   map[string]*FPEvent            // findingId -> event (secondary index)
	eventTTL time.Duration
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory store with the default TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRule:   make(map[string]map[string]*FPEvent),
		byFind:   make(map[string]*FPEvent),
		eventTTL: DefaultEventTTL,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// RecordEvent conditionally inserts the event.
func (s *MemoryStore) RecordEvent(_ context.Context, event *FPEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.byRule[event.RuleID]
	if !ok {
		rule = make(map[string]*FPEvent)
		s.byRule[event.RuleID] = rule
	}
	if _, exists := rule[event.EventID]; exists {
		return ErrDuplicateEvent
	}

	stored := *event
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = stored.Timestamp.Add(s.eventTTL)
	}
	rule[event.EventID] = &stored
	if stored.FindingID != "" {
		s.byFind[stored.FindingID] = &stored
	}
	return nil
}

// MarkFalsePositive updates the event found via the findingId index.
func (s *MemoryStore) MarkFalsePositive(_ context.Context, findingID, reviewer, suppressionTicket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.byFind[findingID]
	if !ok || s.expired(event) {
		return ErrNotFound
	}

	now := s.clock()
	event.IsFalsePositive = true
	event.Reviewer = reviewer
	event.ReviewedAt = &now
	event.SuppressionTicket = suppressionTicket
	return nil
}

// WindowByCount returns up to n newest-first events for the rule.
func (s *MemoryStore) WindowByCount(_ context.Context, ruleID string, n int) (*FPWindow, error) {
	events := s.liveEventsNewestFirst(ruleID)
	if len(events) > n {
		events = events[:n]
	}
	return ComputeWindow(ruleID, events, n), nil
}

// WindowBySince returns events at or after the cutoff, newest first.
func (s *MemoryStore) WindowBySince(_ context.Context, ruleID string, since time.Time) (*FPWindow, error) {
	all := s.liveEventsNewestFirst(ruleID)
	events := all[:0:0]
	for _, e := range all {
		if !e.Timestamp.Before(since) {
			events = append(events, e)
		}
	}
	return ComputeWindow(ruleID, events, len(events)), nil
}

// EventsByRule returns all live events for the rule, newest first.
func (s *MemoryStore) EventsByRule(_ context.Context, ruleID string) ([]*FPEvent, error) {
	return s.liveEventsNewestFirst(ruleID), nil
}

func (s *MemoryStore) liveEventsNewestFirst(ruleID string) []*FPEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule := s.byRule[ruleID]
	events := make([]*FPEvent, 0, len(rule))
	for _, e := range rule {
		if s.expired(e) {
			continue
		}
		copied := *e
		events = append(events, &copied)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].EventID > events[j].EventID
	})
	return events
}

func (s *MemoryStore) expired(e *FPEvent) bool {
	return !e.ExpiresAt.IsZero() && !s.clock().Before(e.ExpiresAt)
}
