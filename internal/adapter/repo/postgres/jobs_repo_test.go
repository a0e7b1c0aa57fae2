package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

func jobRows(fixed time.Time, id string, status domain.JobStatus, parentID *string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "queue", "parent_id", "status", "attempts", "max_attempts", "payload", "error", "created_at", "updated_at", "terminated_at"}).
		AddRow(id, "file-analysis", parentID, string(status), 0, 3, `{"batchId":"b1"}`, "", fixed, fixed, nil)
}

func TestJobRepo_Create_Get(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "file-analysis", (*string)(nil), domain.JobQueued, 0, 3, `{"batchId":"b1"}`, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := repo.Create(ctx, domain.Job{Queue: "file-analysis", Status: domain.JobQueued, MaxAttempts: 3, Payload: `{"batchId":"b1"}`})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	fixed := time.Now().UTC()
	m.ExpectQuery(`SELECT id, queue, parent_id, status, attempts, max_attempts, payload, COALESCE\(error,''\), created_at, updated_at, terminated_at FROM jobs WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(jobRows(fixed, id, domain.JobQueued, nil))
	j, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, domain.JobQueued, j.Status)

	m.ExpectQuery(`SELECT id, queue, parent_id, status`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_UpdateStatus_Terminal(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec("UPDATE jobs SET status=").
		WithArgs("job-1", domain.JobCompleted, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()
	require.NoError(t, repo.UpdateStatus(ctx, "job-1", domain.JobCompleted, ""))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_UpdateStatus_ExecError_Rollback(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec("UPDATE jobs SET status=").WillReturnError(assert.AnError)
	m.ExpectRollback()
	require.Error(t, repo.UpdateStatus(ctx, "job-1", domain.JobProcessing, ""))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_AddDependencies(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec("UPDATE jobs SET parent_id=").
		WithArgs("child-1", "parent-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE jobs SET parent_id=").
		WithArgs("child-2", "parent-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE jobs SET status=").
		WithArgs("parent-1", domain.JobWaitingChildren, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	require.NoError(t, repo.AddDependencies(ctx, "parent-1", []string{"child-1", "child-2"}))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_TerminalChildCount(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"terminated", "total"}).AddRow(2, 3)
	m.ExpectQuery(`SELECT COUNT\(\*\) FILTER`).WithArgs("parent-1").WillReturnRows(rows)

	terminated, total, err := repo.TerminalChildCount(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, terminated)
	assert.Equal(t, 3, total)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_DeleteBatch_Empty(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	require.NoError(t, repo.DeleteBatch(context.Background(), nil))
}

func TestJobRepo_DeleteBatch(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectExec("DELETE FROM jobs WHERE id = ANY").
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	require.NoError(t, repo.DeleteBatch(ctx, []string{"a", "b"}))
	require.NoError(t, m.ExpectationsWereMet())
}
