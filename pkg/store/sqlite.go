package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steward-sh/steward/pkg/plan"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable Store backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload JSON,
		status TEXT NOT NULL,
		scheduled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_plan ON attempts(plan_id);

	CREATE TABLE IF NOT EXISTS cycle_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		units JSON,
		summary TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, p *plan.Plan) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}
	query := `INSERT INTO plans (id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, string(p.Channel), p.ActionType, string(payload), string(p.Status),
		formatNullableTime(p.ScheduledAt), formatTime(p.CreatedAt), formatTime(p.UpdatedAt), p.FilePath,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path
		 FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*plan.Plan, error) {
	query := `SELECT id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path FROM plans WHERE 1=1`
	args := make([]any, 0, 3)
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, string(f.Channel))
	}
	if f.ActiveOnly {
		query += ` AND status != ?`
		args = append(args, string(plan.StatusArchived))
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *SQLiteStore) UpdateFilePath(ctx context.Context, id, filePath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET file_path = ? WHERE id = ?`, filePath, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	return nil
}

// TransitionStatus is the single-writer compare-and-set for plan
// status. The WHERE clause carries the expected prior status, so a
// racing caller sees zero rows affected and gets ErrInvalidStatus.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to plan.Status) error {
	if !plan.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", plan.ErrInvalidStatus, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now().UTC()), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition plan %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: plan %s is %s, expected %s", plan.ErrInvalidStatus, id, current, from)
	}
	return nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *plan.ExecutionAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, plan_id, started_at, finished_at, outcome, result_summary, error_detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PlanID, formatTime(a.StartedAt), formatNullableTime(a.FinishedAt),
		string(a.Outcome), a.ResultSummary, a.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, outcome plan.Outcome, summary, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET finished_at = ?, outcome = ?, result_summary = ?, error_detail = ? WHERE id = ?`,
		formatTime(finishedAt), string(outcome), summary, errDetail, attemptID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", attemptID, plan.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AttemptsForPlan(ctx context.Context, planID string) ([]*plan.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, started_at, finished_at, outcome, result_summary, error_detail
		 FROM attempts WHERE plan_id = ? ORDER BY started_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*plan.ExecutionAttempt
	for rows.Next() {
		var (
			a          plan.ExecutionAttempt
			startedAt  string
			finishedAt sql.NullString
			outcome    string
		)
		if err := rows.Scan(&a.ID, &a.PlanID, &startedAt, &finishedAt, &outcome, &a.ResultSummary, &a.ErrorDetail); err != nil {
			return nil, err
		}
		a.StartedAt = parseTime(startedAt)
		if finishedAt.Valid && finishedAt.String != "" {
			t := parseTime(finishedAt.String)
			a.FinishedAt = &t
		}
		a.Outcome = plan.Outcome(outcome)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM plans GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[plan.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[plan.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) SaveCycleRun(ctx context.Context, run *plan.CycleRun) error {
	units, err := json.Marshal(run.Units)
	if err != nil {
		return fmt.Errorf("serialize unit results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cycle_runs (id, mode, status, started_at, completed_at, units, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at,
			units = excluded.units, summary = excluded.summary`,
		run.ID, string(run.Mode), string(run.Status), formatTime(run.StartedAt),
		formatNullableTime(run.CompletedAt), string(units), run.Summary,
	)
	if err != nil {
		return fmt.Errorf("save cycle run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastCycleRun(ctx context.Context) (*plan.CycleRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, status, started_at, completed_at, units, summary
		 FROM cycle_runs ORDER BY started_at DESC LIMIT 1`)
	var (
		run         plan.CycleRun
		mode        string
		status      string
		startedAt   string
		completedAt sql.NullString
		units       sql.NullString
	)
	err := row.Scan(&run.ID, &mode, &status, &startedAt, &completedAt, &units, &run.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Mode = plan.CycleMode(mode)
	run.Status = plan.CycleStatus(status)
	run.StartedAt = parseTime(startedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	if units.Valid && units.String != "" {
		_ = json.Unmarshal([]byte(units.String), &run.Units)
	}
	return &run, nil
}

func (s *SQLiteStore) ReapStuckExecuting(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM plans WHERE status = ? AND updated_at < ?`,
		string(plan.StatusExecuting), formatTime(cutoff.UTC()))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := formatTime(time.Now().UTC())
	var reaped []string
	for _, id := range ids {
		// CAS again so a plan whose attempt just landed is left alone.
		res, err := s.db.ExecContext(ctx,
			`UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(plan.StatusFailed), now, id, string(plan.StatusExecuting))
		if err != nil {
			return reaped, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE attempts SET finished_at = ?, outcome = ?, error_detail = ?
			 WHERE plan_id = ? AND finished_at IS NULL`,
			now, string(plan.OutcomeTimeout), "reaped: no outcome reported within time budget", id)
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (s *SQLiteStore) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ?
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(plan.StatusArchived), formatTime(time.Now().UTC()),
		string(plan.StatusExecuted), string(plan.StatusRejected), string(plan.StatusFailed),
		formatTime(cutoff.UTC()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*plan.Plan, error) {
	var (
		p           plan.Plan
		channel     string
		status      string
		payload     sql.NullString
		scheduledAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&p.ID, &channel, &p.ActionType, &payload, &status, &scheduledAt, &createdAt, &updatedAt, &p.FilePath)
	if err != nil {
		return nil, err
	}
	p.Channel = plan.Channel(channel)
	p.Status = plan.Status(status)
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &p.Payload)
	}
	if scheduledAt.Valid && scheduledAt.String != "" {
		t := parseTime(scheduledAt.String)
		p.ScheduledAt = &t
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// timeLayout is fixed-width so lexicographic order on the TEXT column
// matches chronological order in range predicates.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
