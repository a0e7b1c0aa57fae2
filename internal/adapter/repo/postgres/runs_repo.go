package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// RunRepo persists Run rows, one per pipeline invocation over a
// targetDirectory.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

// Create inserts a new run and returns its id.
func (r *RunRepo) Create(ctx domain.Context, run domain.Run) (string, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "runs"),
	)
	runID := run.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	q := `INSERT INTO runs (run_id, target_directory, started_at, finished_at, error, files_total, files_completed, files_errored, batches_total)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, runID, run.TargetDirectory, startedAt, run.FinishedAt, run.Error, run.FilesTotal, run.FilesCompleted, run.FilesErrored, run.BatchesTotal)
	if err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	return runID, nil
}

// Get loads a run by id.
func (r *RunRepo) Get(ctx domain.Context, runID string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "runs"),
	)
	q := `SELECT run_id, target_directory, started_at, finished_at, error, files_total, files_completed, files_errored, batches_total FROM runs WHERE run_id=$1`
	row := r.Pool.QueryRow(ctx, q, runID)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}

// Finish stamps finished_at and records a terminal error, if any, ending a
// run's lifecycle.
func (r *RunRepo) Finish(ctx domain.Context, runID string, errMsg string) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Finish")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "runs"))

	q := `UPDATE runs SET finished_at=$2, error=$3 WHERE run_id=$1`
	_, err := r.Pool.Exec(ctx, q, runID, time.Now().UTC(), errMsg)
	if err != nil {
		return fmt.Errorf("op=run.finish: %w", err)
	}
	return nil
}

// UpdateCounters overwrites a run's progress counters, called as the
// batcher discovers files and as the file analysis worker completes them.
func (r *RunRepo) UpdateCounters(ctx domain.Context, runID string, filesTotal, filesCompleted, filesErrored, batchesTotal int) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.UpdateCounters")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "runs"))

	q := `UPDATE runs SET files_total=$2, files_completed=$3, files_errored=$4, batches_total=$5 WHERE run_id=$1`
	_, err := r.Pool.Exec(ctx, q, runID, filesTotal, filesCompleted, filesErrored, batchesTotal)
	if err != nil {
		return fmt.Errorf("op=run.update_counters: %w", err)
	}
	return nil
}

// List returns runs newest-first for the operator status API.
func (r *RunRepo) List(ctx domain.Context, offset, limit int) ([]domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.List")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "runs"), attribute.Int("limit", limit))

	q := `SELECT run_id, target_directory, started_at, finished_at, error, files_total, files_completed, files_errored, batches_total
	FROM runs ORDER BY started_at DESC OFFSET $1 LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=run.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("op=run.list_scan: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=run.list_rows: %w", err)
	}
	return out, nil
}

// Count returns the total number of runs, for the operator API's pagination.
func (r *RunRepo) Count(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Count")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "runs"))

	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=run.count: %w", err)
	}
	return n, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	if err := row.Scan(&run.RunID, &run.TargetDirectory, &run.StartedAt, &run.FinishedAt, &run.Error, &run.FilesTotal, &run.FilesCompleted, &run.FilesErrored, &run.BatchesTotal); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}
