package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the durable Log backend. Appends within one partition
// are serialized so the chain head is read and extended atomically.
type SQLiteLog struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteLog(db)
}

// NewSQLiteLog wraps an existing handle and migrates the schema.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLog) WithClock(clock func() time.Time) *SQLiteLog {
	l.clock = clock
	return l
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		partition TEXT NOT NULL,
		action_type TEXT NOT NULL,
		actor TEXT NOT NULL,
		target TEXT NOT NULL,
		approval_status TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		previous_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_partition ON audit_entries(partition);
	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_entries(target);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying handle.
func (l *SQLiteLog) Close() error { return l.db.Close() }

func (l *SQLiteLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	partition := now.Format(PartitionLayout)
	if !e.Timestamp.IsZero() {
		partition = e.Timestamp.UTC().Format(PartitionLayout)
	}

	head, err := l.chainHead(ctx, partition)
	if err != nil {
		return nil, err
	}
	if err := seal(&e, head, now); err != nil {
		return nil, err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, timestamp, partition, action_type, actor, target,
			approval_status, approved_by, result, error, previous_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Partition, e.ActionType, e.Actor, e.Target,
		e.ApprovalStatus, e.ApprovedBy, e.Result, e.Error, e.PreviousHash, e.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return &e, nil
}

// chainHead returns the hash of the newest entry in a partition, or ""
// for a fresh partition. rowid order is insertion order.
func (l *SQLiteLog) chainHead(ctx context.Context, partition string) (string, error) {
	var head string
	err := l.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_entries WHERE partition = ? ORDER BY rowid DESC LIMIT 1`,
		partition).Scan(&head)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

func (l *SQLiteLog) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `SELECT id, timestamp, partition, action_type, actor, target,
		approval_status, approved_by, result, error, previous_hash, hash
		FROM audit_entries WHERE 1=1`
	args := make([]any, 0, 4)
	if f.FromPartition != "" {
		query += ` AND partition >= ?`
		args = append(args, f.FromPartition)
	}
	if f.ToPartition != "" {
		query += ` AND partition <= ?`
		args = append(args, f.ToPartition)
	}
	if f.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, f.ActionType)
	}
	if f.Target != "" {
		query += ` AND target = ?`
		args = append(args, f.Target)
	}
	query += ` ORDER BY rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLog) VerifyChain(ctx context.Context, partition string) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, timestamp, partition, action_type, actor, target,
			approval_status, approved_by, result, error, previous_hash, hash
		 FROM audit_entries WHERE partition = ? ORDER BY rowid ASC`, partition)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := verifyEntries(entries); err != nil {
		return fmt.Errorf("partition %s: %w", partition, err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ts string
	if err := rows.Scan(&e.ID, &ts, &e.Partition, &e.ActionType, &e.Actor, &e.Target,
		&e.ApprovalStatus, &e.ApprovedBy, &e.Result, &e.Error, &e.PreviousHash, &e.Hash); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp in audit entry %s: %w", e.ID, err)
	}
	e.Timestamp = t
	return &e, nil
}
