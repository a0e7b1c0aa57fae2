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

func TestRunRepo_Create_Get(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRunRepo(m)
	ctx := context.Background()

	m.ExpectExec("INSERT INTO runs").
		WithArgs(pgxmock.AnyArg(), "/repo", pgxmock.AnyArg(), (*time.Time)(nil), "", 0, 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	runID, err := repo.Create(ctx, domain.Run{TargetDirectory: "/repo"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	fixed := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"run_id", "target_directory", "started_at", "finished_at", "error", "files_total", "files_completed", "files_errored", "batches_total"}).
		AddRow(runID, "/repo", fixed, nil, "", 10, 4, 0, 2)
	m.ExpectQuery("SELECT run_id, target_directory, started_at").WithArgs(runID).WillReturnRows(rows)

	run, err := repo.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "/repo", run.TargetDirectory)
	assert.Equal(t, 10, run.FilesTotal)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRunRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRunRepo(m)
	ctx := context.Background()

	m.ExpectQuery("SELECT run_id, target_directory, started_at").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRunRepo_UpdateCounters(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRunRepo(m)
	ctx := context.Background()

	m.ExpectExec("UPDATE runs SET files_total=").
		WithArgs("run-1", 10, 5, 1, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateCounters(ctx, "run-1", 10, 5, 1, 3))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRunRepo_Count(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRunRepo(m)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"count"}).AddRow(int64(7))
	m.ExpectQuery("SELECT COUNT\\(\\*\\) FROM runs").WillReturnRows(rows)
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, m.ExpectationsWereMet())
}
