package fpstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is an embedded SQL implementation of Store. The primary key is
// (rule_id, event_id); a secondary index covers finding_id lookups.
type SQLiteStore struct {
	db       *sql.DB
	eventTTL time.Duration
	clock    func() time.Time
}

// NewSQLiteStore migrates the schema and returns a ready store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, eventTTL: DefaultEventTTL, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS fp_events (
        rule_id TEXT NOT NULL,
        event_id TEXT NOT NULL,
        rule_version TEXT NOT NULL DEFAULT '',
        finding_id TEXT NOT NULL DEFAULT '',
        outcome TEXT NOT NULL,
        is_false_positive INTEGER NOT NULL DEFAULT 0,
        timestamp TEXT NOT NULL,
        repo TEXT NOT NULL DEFAULT '',
        branch TEXT NOT NULL DEFAULT '',
        event_type TEXT NOT NULL DEFAULT '',
        reviewer TEXT NOT NULL DEFAULT '',
        reviewed_at TEXT,
        suppression_ticket TEXT NOT NULL DEFAULT '',
        expires_at INTEGER NOT NULL,
        PRIMARY KEY (rule_id, event_id)
    );
    CREATE INDEX IF NOT EXISTS idx_fp_events_finding ON fp_events (finding_id);
    CREATE INDEX IF NOT EXISTS idx_fp_events_rule_ts ON fp_events (rule_id, timestamp DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return &StoreError{Operation: "migrate", Err: err}
	}
	return nil
}

const eventColumns = `rule_id, event_id, rule_version, finding_id, outcome, is_false_positive,
        timestamp, repo, branch, event_type, reviewer, reviewed_at, suppression_ticket, expires_at`

// RecordEvent conditionally inserts the event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *FPEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	expiresAt := event.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = event.Timestamp.Add(s.eventTTL)
	}

	var reviewedAt any
	if event.ReviewedAt != nil {
		reviewedAt = event.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}

	query := `INSERT INTO fp_events (` + eventColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		event.RuleID, event.EventID, event.RuleVersion, event.FindingID, string(event.Outcome),
		boolToInt(event.IsFalsePositive), event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Context.Repo, event.Context.Branch, event.Context.EventType,
		event.Reviewer, reviewedAt, event.SuppressionTicket, expiresAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return &StoreError{Operation: "record_event", RuleID: event.RuleID, EventID: event.EventID, Err: err}
	}
	return nil
}

// MarkFalsePositive updates the newest live row carrying the finding_id, the
// same event the finding_id index resolves to. The review fields land in the
// same write as the flag flip.
func (s *SQLiteStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, suppressionTicket string) error {
	now := s.clock()
	query := `UPDATE fp_events
        SET is_false_positive = 1, reviewer = ?, reviewed_at = ?, suppression_ticket = ?
        WHERE (rule_id, event_id) = (
            SELECT rule_id, event_id FROM fp_events
            WHERE finding_id = ? AND expires_at > ?
            ORDER BY timestamp DESC, event_id DESC
            LIMIT 1)`
	res, err := s.db.ExecContext(ctx, query,
		reviewer, now.UTC().Format(time.RFC3339Nano), suppressionTicket, findingID, now.Unix())
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
func (s *SQLiteStore) WindowByCount(ctx context.Context, ruleID string, n int) (*FPWindow, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = ? AND expires_at > ?
        ORDER BY timestamp DESC, event_id DESC
        LIMIT ?`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix(), n)
	if err != nil {
		return nil, &StoreError{Operation: "window_by_count", RuleID: ruleID, Err: err}
	}
	return ComputeWindow(ruleID, events, n), nil
}

// WindowBySince returns events at or after the cutoff, newest first.
func (s *SQLiteStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (*FPWindow, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = ? AND expires_at > ? AND timestamp >= ?
        ORDER BY timestamp DESC, event_id DESC`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix(), since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, &StoreError{Operation: "window_by_since", RuleID: ruleID, Err: err}
	}
	return ComputeWindow(ruleID, events, len(events)), nil
}

// EventsByRule returns all live events for the rule, newest first.
func (s *SQLiteStore) EventsByRule(ctx context.Context, ruleID string) ([]*FPEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM fp_events
        WHERE rule_id = ? AND expires_at > ?
        ORDER BY timestamp DESC, event_id DESC`
	events, err := s.queryEvents(ctx, query, ruleID, s.clock().Unix())
	if err != nil {
		return nil, &StoreError{Operation: "events_by_rule", RuleID: ruleID, Err: err}
	}
	return events, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*FPEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*FPEvent
	for rows.Next() {
		e, err := scanEvent(rows)
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

func scanEvent(rows *sql.Rows) (*FPEvent, error) {
	var (
		e          FPEvent
		outcome    string
		isFP       int
		timestamp  string
		reviewedAt sql.NullString
		expiresAt  int64
	)
	err := rows.Scan(&e.RuleID, &e.EventID, &e.RuleVersion, &e.FindingID, &outcome, &isFP,
		&timestamp, &e.Context.Repo, &e.Context.Branch, &e.Context.EventType,
		&e.Reviewer, &reviewedAt, &e.SuppressionTicket, &expiresAt)
	if err != nil {
		return nil, err
	}

	e.Outcome = Outcome(outcome)
	e.IsFalsePositive = isFP != 0
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", timestamp, err)
	}
	if reviewedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, reviewedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse reviewed_at %q: %w", reviewedAt.String, err)
		}
		e.ReviewedAt = &t
	}
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
