package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steward-sh/steward/pkg/plan"
)

// PostgresStore is the deployment-scale Store backend. The caller opens
// the handle with the lib/pq driver registered:
//
//	import _ "github.com/lib/pq"
//	db, _ := sql.Open("postgres", cfg.DatabaseURL)
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle and migrates the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload JSONB,
		status TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		file_path TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		outcome TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_plan ON attempts(plan_id);

	CREATE TABLE IF NOT EXISTS cycle_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		units JSONB,
		summary TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, p *plan.Plan) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}
	query := `INSERT INTO plans (id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, string(p.Channel), p.ActionType, string(payload), string(p.Status),
		nullableTime(p.ScheduledAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.FilePath,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path
		 FROM plans WHERE id = $1`, id)
	p, err := scanPlanPG(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*plan.Plan, error) {
	query := `SELECT id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path FROM plans WHERE TRUE`
	args := make([]any, 0, 3)
	n := 0
	add := func(clause string, arg any) {
		n++
		query += fmt.Sprintf(clause, n)
		args = append(args, arg)
	}
	if f.Status != "" {
		add(` AND status = $%d`, string(f.Status))
	}
	if f.Channel != "" {
		add(` AND channel = $%d`, string(f.Channel))
	}
	if f.ActiveOnly {
		add(` AND status != $%d`, string(plan.StatusArchived))
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		add(` LIMIT $%d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*plan.Plan
	for rows.Next() {
		p, err := scanPlanPG(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) UpdateFilePath(ctx context.Context, id, filePath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET file_path = $1 WHERE id = $2`, filePath, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to plan.Status) error {
	if !plan.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", plan.ErrInvalidStatus, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
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
		err := s.db.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = $1`, id).Scan(&current)
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

func (s *PostgresStore) RecordAttempt(ctx context.Context, a *plan.ExecutionAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, plan_id, started_at, finished_at, outcome, result_summary, error_detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.PlanID, a.StartedAt.UTC(), nullableTime(a.FinishedAt),
		string(a.Outcome), a.ResultSummary, a.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, outcome plan.Outcome, summary, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET finished_at = $1, outcome = $2, result_summary = $3, error_detail = $4 WHERE id = $5`,
		finishedAt.UTC(), string(outcome), summary, errDetail, attemptID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", attemptID, plan.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AttemptsForPlan(ctx context.Context, planID string) ([]*plan.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, started_at, finished_at, outcome, result_summary, error_detail
		 FROM attempts WHERE plan_id = $1 ORDER BY started_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*plan.ExecutionAttempt
	for rows.Next() {
		var (
			a          plan.ExecutionAttempt
			finishedAt sql.NullTime
			outcome    string
		)
		if err := rows.Scan(&a.ID, &a.PlanID, &a.StartedAt, &finishedAt, &outcome, &a.ResultSummary, &a.ErrorDetail); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			a.FinishedAt = &t
		}
		a.Outcome = plan.Outcome(outcome)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
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

func (s *PostgresStore) SaveCycleRun(ctx context.Context, run *plan.CycleRun) error {
	units, err := json.Marshal(run.Units)
	if err != nil {
		return fmt.Errorf("serialize unit results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cycle_runs (id, mode, status, started_at, completed_at, units, summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at,
			units = EXCLUDED.units, summary = EXCLUDED.summary`,
		run.ID, string(run.Mode), string(run.Status), run.StartedAt.UTC(),
		nullableTime(run.CompletedAt), string(units), run.Summary,
	)
	if err != nil {
		return fmt.Errorf("save cycle run: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastCycleRun(ctx context.Context) (*plan.CycleRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, status, started_at, completed_at, units, summary
		 FROM cycle_runs ORDER BY started_at DESC LIMIT 1`)
	var (
		run         plan.CycleRun
		mode        string
		status      string
		completedAt sql.NullTime
		units       sql.NullString
	)
	err := row.Scan(&run.ID, &mode, &status, &run.StartedAt, &completedAt, &units, &run.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Mode = plan.CycleMode(mode)
	run.Status = plan.CycleStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if units.Valid && units.String != "" {
		_ = json.Unmarshal([]byte(units.String), &run.Units)
	}
	return &run, nil
}

func (s *PostgresStore) ReapStuckExecuting(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE plans SET status = $1, updated_at = $2
		 WHERE status = $3 AND updated_at < $4
		 RETURNING id`,
		string(plan.StatusFailed), time.Now().UTC(), string(plan.StatusExecuting), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reaped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return reaped, err
		}
		reaped = append(reaped, id)
	}
	if err := rows.Err(); err != nil {
		return reaped, err
	}
	for _, id := range reaped {
		_, err := s.db.ExecContext(ctx,
			`UPDATE attempts SET finished_at = $1, outcome = $2, error_detail = $3
			 WHERE plan_id = $4 AND finished_at IS NULL`,
			time.Now().UTC(), string(plan.OutcomeTimeout), "reaped: no outcome reported within time budget", id)
		if err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

func (s *PostgresStore) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = $1, updated_at = $2
		 WHERE status IN ($3, $4, $5) AND updated_at < $6`,
		string(plan.StatusArchived), time.Now().UTC(),
		string(plan.StatusExecuted), string(plan.StatusRejected), string(plan.StatusFailed),
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanPlanPG(row rowScanner) (*plan.Plan, error) {
	var (
		p           plan.Plan
		channel     string
		status      string
		payload     sql.NullString
		scheduledAt sql.NullTime
	)
	err := row.Scan(&p.ID, &channel, &p.ActionType, &payload, &status, &scheduledAt, &p.CreatedAt, &p.UpdatedAt, &p.FilePath)
	if err != nil {
		return nil, err
	}
	p.Channel = plan.Channel(channel)
	p.Status = plan.Status(status)
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &p.Payload)
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		p.ScheduledAt = &t
	}
	return &p, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
