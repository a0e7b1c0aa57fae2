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

// OutboxRepo persists and advances OutboxEvent rows backing the
// transactional outbox publisher (§4.5).
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Create inserts an outbox row. Callers that need it written atomically with
// the state change it describes should run this against a transaction-scoped
// PgxPool (any *pgx.Tx satisfies the interface).
func (r *OutboxRepo) Create(ctx domain.Context, e domain.OutboxEvent) (string, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "outbox"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := e.Status
	if status == "" {
		status = domain.OutboxPending
	}
	now := time.Now().UTC()
	q := `INSERT INTO outbox (id, event_type, payload, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$5)`
	_, err := r.Pool.Exec(ctx, q, id, e.EventType, e.Payload, status, now)
	if err != nil {
		return "", fmt.Errorf("op=outbox.create: %w", err)
	}
	return id, nil
}

// LeaseBatch selects up to limit PENDING rows ordered by id with SELECT ...
// FOR UPDATE SKIP LOCKED inside its own transaction and commits it at once.
// The rows are not marked as claimed: their locks end at that commit and
// they stay PENDING, so a later call can select them again until
// MarkPublished or MarkFailed moves them.
func (r *OutboxRepo) LeaseBatch(ctx domain.Context, limit int) ([]domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.LeaseBatch")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "outbox"), attribute.Int("limit", limit))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=outbox.lease_batch.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	q := `SELECT id, event_type, payload, status, created_at FROM outbox
	WHERE status = $1 ORDER BY id FOR UPDATE SKIP LOCKED LIMIT $2`
	rows, err := tx.Query(ctx, q, domain.OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.lease_batch.select: %w", err)
	}
	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.Status, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=outbox.lease_batch.scan: %w", err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.lease_batch.rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=outbox.lease_batch.commit: %w", err)
	}
	committed = true
	return out, nil
}

// MarkPublished advances a leased row to PUBLISHED, its terminal state.
func (r *OutboxRepo) MarkPublished(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkPublished")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "outbox"))

	q := `UPDATE outbox SET status=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.OutboxPublished, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", err)
	}
	return nil
}

// MarkFailed marks a leased row FAILED; ResetFailed later requeues it.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "outbox"))

	q := `UPDATE outbox SET status=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.OutboxFailed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	return nil
}

// ResetFailed reverts rows that have sat FAILED for longer than olderThan
// back to PENDING, so a transient publish error is retried automatically
// rather than stranding the event forever.
func (r *OutboxRepo) ResetFailed(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ResetFailed")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "outbox"))

	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	q := `UPDATE outbox SET status=$1, updated_at=$2 WHERE status=$3 AND updated_at < $4`
	tag, err := r.Pool.Exec(ctx, q, domain.OutboxPending, now, domain.OutboxFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.reset_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
