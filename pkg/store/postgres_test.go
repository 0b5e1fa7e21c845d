package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

func openPostgres(t *testing.T) (*store.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS plans`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := store.NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_TransitionStatus_CAS(t *testing.T) {
	s, mock := openPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE plans SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(string(plan.StatusExecuting), sqlmock.AnyArg(), "p1", string(plan.StatusApproved)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.TransitionStatus(ctx, "p1", plan.StatusApproved, plan.StatusExecuting))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStore_TransitionStatus_LostRace verifies the zero-rows
// path: the stored status is re-read to distinguish a lost race from a
// missing plan.
func TestPostgresStore_TransitionStatus_LostRace(t *testing.T) {
	s, mock := openPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE plans SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(string(plan.StatusExecuting), sqlmock.AnyArg(), "p1", string(plan.StatusApproved)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM plans WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(plan.StatusExecuting)))

	err := s.TransitionStatus(ctx, "p1", plan.StatusApproved, plan.StatusExecuting)
	assert.ErrorIs(t, err, plan.ErrInvalidStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionStatus_NotFound(t *testing.T) {
	s, mock := openPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE plans SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(string(plan.StatusRejected), sqlmock.AnyArg(), "ghost", string(plan.StatusPendingApproval)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM plans WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := s.TransitionStatus(ctx, "ghost", plan.StatusPendingApproval, plan.StatusRejected)
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStore_TransitionStatus_IllegalEdge verifies an illegal
// edge never reaches the database.
func TestPostgresStore_TransitionStatus_IllegalEdge(t *testing.T) {
	s, mock := openPostgres(t)

	err := s.TransitionStatus(context.Background(), "p1", plan.StatusDraft, plan.StatusExecuted)
	assert.ErrorIs(t, err, plan.ErrInvalidStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReapStuckExecuting(t *testing.T) {
	s, mock := openPostgres(t)
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-10 * time.Minute)

	mock.ExpectQuery(`UPDATE plans SET status = \$1, updated_at = \$2\s+WHERE status = \$3 AND updated_at < \$4\s+RETURNING id`).
		WithArgs(string(plan.StatusFailed), sqlmock.AnyArg(), string(plan.StatusExecuting), cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1").AddRow("p2"))
	mock.ExpectExec(`UPDATE attempts SET finished_at = \$1, outcome = \$2, error_detail = \$3`).
		WithArgs(sqlmock.AnyArg(), string(plan.OutcomeTimeout), sqlmock.AnyArg(), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE attempts SET finished_at = \$1, outcome = \$2, error_detail = \$3`).
		WithArgs(sqlmock.AnyArg(), string(plan.OutcomeTimeout), sqlmock.AnyArg(), "p2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	reaped, err := s.ReapStuckExecuting(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ArchiveTerminal(t *testing.T) {
	s, mock := openPostgres(t)
	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`UPDATE plans SET status = \$1, updated_at = \$2\s+WHERE status IN \(\$3, \$4, \$5\) AND updated_at < \$6`).
		WithArgs(string(plan.StatusArchived), sqlmock.AnyArg(),
			string(plan.StatusExecuted), string(plan.StatusRejected), string(plan.StatusFailed), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.ArchiveTerminal(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := openPostgres(t)

	mock.ExpectQuery(`SELECT id, channel, action_type, payload, status, scheduled_at, created_at, updated_at, file_path`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel", "action_type", "payload", "status", "scheduled_at", "created_at", "updated_at", "file_path"}))

	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
