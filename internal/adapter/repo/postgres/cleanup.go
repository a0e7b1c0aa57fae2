package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the subset of pgx.Tx the cleanup sweep needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a transaction; satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type beginnerPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type poolBeginner struct{ pool beginnerPool }

func (b poolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewPoolBeginner wraps a *pgxpool.Pool (or anything with a matching Begin)
// so it satisfies Beginner.
func NewPoolBeginner(pool beginnerPool) Beginner { return poolBeginner{pool: pool} }

// CleanupService purges data this process is allowed to age out: terminal
// job rows and already-published outbox rows. It never deletes files, pois,
// relationships, or relationship_evidence — those are the graph's durable
// record, and retention is a job/outbox-only concern.
type CleanupService struct {
	beginner      Beginner
	retentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(b Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{beginner: b, retentionDays: retentionDays}
}

// CleanupOldData removes job and outbox rows older than the retention
// window in a single transaction.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	tx, err := s.beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin_tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedOutbox int64
	err = tx.QueryRow(ctx, `
		DELETE FROM outbox
		WHERE status = 'PUBLISHED' AND updated_at < $1
		RETURNING count(*)
	`, cutoff).Scan(&deletedOutbox)
	if err != nil {
		slog.Debug("no outbox rows to delete", slog.Any("error", err))
	}

	var deletedJobs int64
	err = tx.QueryRow(ctx, `
		DELETE FROM jobs
		WHERE terminated_at IS NOT NULL AND terminated_at < $1
		RETURNING count(*)
	`, cutoff).Scan(&deletedJobs)
	if err != nil {
		slog.Debug("no job rows to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_outbox", deletedOutbox),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup sweep until ctx is canceled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
