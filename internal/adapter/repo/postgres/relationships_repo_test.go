package postgres_test

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

func relationshipRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "source_poi_id", "target_poi_id", "type", "status", "confidence_score", "run_id", "explanation"}).
		AddRow("rel-1", "poi-a", "poi-b", string(domain.RelationshipCalls), string(domain.RelationshipValidated), 0.7, "run-1", "calls it")
}

func TestRelationshipRepo_Create(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	m.ExpectExec("INSERT INTO relationships").
		WithArgs(pgxmock.AnyArg(), "poi-a", "poi-b", domain.RelationshipCalls, domain.RelationshipPending, 0.0, "run-1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := repo.Create(ctx, domain.CandidateRelationship{SourcePOIID: "poi-a", TargetPOIID: "poi-b", Type: domain.RelationshipCalls, RunID: "run-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_ListValidatedPage(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	m.ExpectQuery("SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation").
		WithArgs("run-1", domain.RelationshipValidated, "", 50).
		WillReturnRows(relationshipRows())

	got, err := repo.ListValidatedPage(ctx, "run-1", "", 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rel-1", got[0].ID)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_UpdateStatusAndScore(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	m.ExpectExec("UPDATE relationships SET status=").
		WithArgs("rel-1", domain.RelationshipValidated, 0.72).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateStatusAndScore(ctx, "rel-1", domain.RelationshipValidated, 0.72))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_ListPendingForRun(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	pendingRow := pgxmock.NewRows([]string{"id", "source_poi_id", "target_poi_id", "type", "status", "confidence_score", "run_id", "explanation"}).
		AddRow("rel-2", "poi-a", "poi-b", string(domain.RelationshipCalls), string(domain.RelationshipPending), 0.0, "run-1", "")

	m.ExpectQuery("SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation").
		WithArgs("run-1", domain.RelationshipPending, 200).
		WillReturnRows(pendingRow)

	got, err := repo.ListPendingForRun(ctx, "run-1", 200)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rel-2", got[0].ID)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_ListPendingForDirectory(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	pendingRow := pgxmock.NewRows([]string{"id", "source_poi_id", "target_poi_id", "type", "status", "confidence_score", "run_id", "explanation"}).
		AddRow("rel-3", "poi-a", "poi-b", string(domain.RelationshipCalls), string(domain.RelationshipPending), 0.0, "run-1", "")

	m.ExpectQuery("SELECT DISTINCT rel.id").
		WithArgs("run-1", domain.RelationshipPending, "internal/app/%", 500).
		WillReturnRows(pendingRow)

	got, err := repo.ListPendingForDirectory(ctx, "run-1", "internal/app", 500)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rel-3", got[0].ID)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_ListPendingForDirectory_RepoRootPattern(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	m.ExpectQuery("SELECT DISTINCT rel.id").
		WithArgs("run-1", domain.RelationshipPending, "%", 500).
		WillReturnRows(pgxmock.NewRows([]string{"id", "source_poi_id", "target_poi_id", "type", "status", "confidence_score", "run_id", "explanation"}))

	got, err := repo.ListPendingForDirectory(ctx, "run-1", ".", 500)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRelationshipRepo_CountByStatus(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewRelationshipRepo(m)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"status", "count"}).
		AddRow(string(domain.RelationshipValidated), 3).
		AddRow(string(domain.RelationshipDiscarded), 1)

	m.ExpectQuery("SELECT status, COUNT").
		WithArgs("run-1").
		WillReturnRows(rows)

	got, err := repo.CountByStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got[domain.RelationshipValidated])
	assert.Equal(t, 1, got[domain.RelationshipDiscarded])
	require.NoError(t, m.ExpectationsWereMet())
}
