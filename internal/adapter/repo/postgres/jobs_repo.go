// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// It is the source of truth for parent/child dependency state backing the
// queue manager's barrier (§4.1/§4.3); the broker only ever carries payload.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, queue, parent_id, status, attempts, max_attempts, payload, error, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, j.Queue, j.ParentID, j.Status, j.Attempts, maxAttempts, j.Payload, j.Error, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// UpdateStatus updates a job's status and optional error message with
// explicit transaction management. Terminal statuses (completed/failed/
// dead-lettered) stamp terminated_at so TerminalChildCount can tell a
// waiting parent apart from one whose children are still running.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("rollback failed", slog.String("job_id", id), slog.Any("error", rbErr))
			}
		}
	}()

	terminal := status == domain.JobCompleted || status == domain.JobFailed || status == domain.JobDeadLettered
	now := time.Now().UTC()
	var execErr error
	if terminal {
		_, execErr = tx.Exec(ctx, `UPDATE jobs SET status=$2, error=$3, updated_at=$4, terminated_at=$4 WHERE id=$1`, id, status, errMsg, now)
	} else {
		_, execErr = tx.Exec(ctx, `UPDATE jobs SET status=$2, error=$3, updated_at=$4 WHERE id=$1`, id, status, errMsg, now)
	}
	if execErr != nil {
		return fmt.Errorf("op=job.update_status.exec: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, queue, parent_id, status, attempts, max_attempts, payload, COALESCE(error,''), created_at, updated_at, terminated_at FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// AddDependencies links childIDs to parentID and moves parentID into
// JobWaitingChildren. Must run after all children already exist as rows and
// before any child is resumed, to avoid the race where a child finishes
// before the parent is registered as waiting on it.
func (r *JobRepo) AddDependencies(ctx domain.Context, parentID string, childIDs []string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AddDependencies")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"), attribute.Int("child_count", len(childIDs)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.add_dependencies.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	for _, childID := range childIDs {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET parent_id=$2, updated_at=$3 WHERE id=$1`, childID, parentID, now); err != nil {
			return fmt.Errorf("op=job.add_dependencies.link_child: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1`, parentID, domain.JobWaitingChildren, now); err != nil {
		return fmt.Errorf("op=job.add_dependencies.mark_parent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.add_dependencies.commit: %w", err)
	}
	committed = true
	return nil
}

// TerminalChildCount returns (terminated, total) children of parentID.
func (r *JobRepo) TerminalChildCount(ctx domain.Context, parentID string) (int, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TerminalChildCount")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	q := `SELECT COUNT(*) FILTER (WHERE terminated_at IS NOT NULL), COUNT(*) FROM jobs WHERE parent_id=$1`
	row := r.Pool.QueryRow(ctx, q, parentID)
	var terminated, total int
	if err := row.Scan(&terminated, &total); err != nil {
		return 0, 0, fmt.Errorf("op=job.terminal_child_count: %w", err)
	}
	return terminated, total, nil
}

// ListPausedOrphansByRun finds paused jobs belonging to a run for idempotent
// cleanup after a crashed batcher (matched by payload containing the runId,
// since payload is opaque JSON and runs don't otherwise own job rows).
func (r *JobRepo) ListPausedOrphansByRun(ctx domain.Context, runID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPausedOrphansByRun")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	q := `SELECT id, queue, parent_id, status, attempts, max_attempts, payload, COALESCE(error,''), created_at, updated_at, terminated_at
	FROM jobs WHERE status=$1 AND payload LIKE '%' || $2 || '%' ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, domain.JobPaused, runID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_paused_orphans: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_paused_orphans_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_paused_orphans_rows: %w", err)
	}
	return jobs, nil
}

// DeleteBatch removes a set of job rows in one statement, used to discard
// orphaned paused jobs whose parent batcher run is being restarted.
func (r *JobRepo) DeleteBatch(ctx domain.Context, ids []string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteBatch")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"), attribute.Int("count", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	_, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("op=job.delete_batch: %w", err)
	}
	return nil
}

// ListStaleProcessing pages through jobs stuck in JobProcessing whose
// updated_at predates the cutoff, for the stuck-job sweeper.
func (r *JobRepo) ListStaleProcessing(ctx domain.Context, olderThan time.Duration, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStaleProcessing")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	cutoff := time.Now().UTC().Add(-olderThan)
	q := `SELECT id, queue, parent_id, status, attempts, max_attempts, payload, COALESCE(error,''), created_at, updated_at, terminated_at
	FROM jobs WHERE status=$1 AND updated_at < $2 ORDER BY updated_at OFFSET $3 LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, domain.JobProcessing, cutoff, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale_processing: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale_processing_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stale_processing_rows: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Queue, &j.ParentID, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Payload, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.TerminatedAt); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}
