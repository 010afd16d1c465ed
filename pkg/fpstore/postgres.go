package fpstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store over a shared Postgres instance. It relies
// on the composite primary key for conditional inserts and on a partial index
// over finding_id for review lookups.
type PostgresStore struct {
	db       *sql.DB
	eventTTL time.Duration
	clock    func() time.Time
}

// PostgresSchema is the DDL the store expects. Applied by the operator's
// migration tooling, not by the store itself.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS fp_events (
    rule_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    rule_version TEXT NOT NULL DEFAULT '',
    finding_id TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    is_false_positive BOOLEAN NOT NULL DEFAULT FALSE,
    timestamp TIMESTAMPTZ NOT NULL,
    repo TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    reviewer TEXT NOT NULL DEFAULT '',
    reviewed_at TIMESTAMPTZ,
    suppression_ticket TEXT NOT NULL DEFAULT '',
    expires_at BIGINT NOT NULL,
    PRIMARY KEY (rule_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_fp_events_finding ON fp_events (finding_id) WHERE finding_id <> '';
CREATE INDEX IF NOT EXISTS idx_fp_events_rule_ts ON fp_events (rule_id, timestamp DESC);`

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, eventTTL: DefaultEventTTL, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// RecordEvent conditionally inserts the event.
func (s *PostgresStore) RecordEvent(ctx context.Context, event *FPEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	expiresAt := event.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = event.Timestamp.Add(s.eventTTL)
	}

	var reviewedAt any
	if event.ReviewedAt != nil {
		reviewedAt = event.ReviewedAt.UTC()
	}

	query := `INSERT INTO fp_events (` + eventColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query,
		event.RuleID, event.EventID, event.RuleVersion, event.FindingID, string(event.Outcome),
		event.IsFalsePositive, event.Timestamp.UTC(),
		event.Context.Repo, event.Context.Branch, event.Context.EventType,
		event.Reviewer, reviewedAt, event.SuppressionTicket, expiresAt.Unix(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrDuplicateEvent
		}
		return &StoreError{Operation: "record_event", RuleID: event.RuleID, EventID: event.EventID, Err: err}
	}
	return nil
}

// MarkFalsePositive updates the newest live row carrying the finding_id, the
// same event the finding_id index resolves to.
func (s *PostgresStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, suppressionTicket string) error {
	now := s.clock()
	query := `UPDATE fp_events
        SET is_false_positive = TRUE, reviewer = $1, reviewed_at = $2, suppression_ticket = $3
        WHERE (rule_id, event_id) = (
            SELECT rule_id, event_id FROM fp_events
            WHERE finding_id = $4 AND expires_at > $5
            ORDER BY timestamp DESC, event_id DESC
            LIMIT 1)`
	res, err := s.db.ExecContext(ctx, query, reviewer, now.UTC(), suppressionTicket, findingID, now.Unix())
	if err != nil {
		return &StoreError{Operation: "mark_false_positive", EventID: findingID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Operation: "mark_false_positive", EventID: findingID, Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// WindowByCount returns up to n newest-first events for the rule.
func (s *PostgresStore) WindowByCount(ctx context.Context, ruleID string, n int) (*FPWindow, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = $1 AND expires_at > $2
        ORDER BY timestamp DESC, event_id DESC
        LIMIT $3`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix(), n)
	if err != nil {
		return nil, &StoreError{Operation: "window_by_count", RuleID: ruleID, Err: err}
	}
	return ComputeWindow(ruleID, events, n), nil
}

// WindowBySince returns events at or after the cutoff, newest first.
func (s *PostgresStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (*FPWindow, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = $1 AND expires_at > $2 AND timestamp >= $3
        ORDER BY timestamp DESC, event_id DESC`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix(), since.UTC())
	if err != nil {
		return nil, &StoreError{Operation: "window_by_since", RuleID: ruleID, Err: err}
	}
	return ComputeWindow(ruleID, events, len(events)), nil
}

// EventsByRule returns all live events for the rule, newest first.
func (s *PostgresStore) EventsByRule(ctx context.Context, ruleID string) ([]*FPEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = $1 AND expires_at > $2
        ORDER BY timestamp DESC, event_id DESC`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix())
	if err != nil {
		return nil, &StoreError{Operation: "events_by_rule", RuleID: ruleID, Err: err}
	}
	return events, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*FPEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*FPEvent
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanPostgresEvent(rows *sql.Rows) (*FPEvent, error) {
	var (
		e          FPEvent
		outcome    string
		reviewedAt sql.NullTime
		expiresAt  int64
	)
	err := rows.Scan(&e.RuleID, &e.EventID, &e.RuleVersion, &e.FindingID, &outcome, &e.IsFalsePositive,
		&e.Timestamp, &e.Context.Repo, &e.Context.Branch, &e.Context.EventType,
		&e.Reviewer, &reviewedAt, &e.SuppressionTicket, &expiresAt)
	if err != nil {
		return nil, err
	}

	e.Outcome = Outcome(outcome)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		e.ReviewedAt = &t
	}
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
