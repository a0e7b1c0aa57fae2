// Package reconciler implements the Relationship Reconciliation & Confidence
// Scorer (spec §4.7) as a periodic pass: for every unfinished run, it pages
// through pending candidate relationships, fuses each one's evidence array
// via domain/reconcile, and writes the resulting status and score back.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain/reconcile"
)

// Config bundles the reconciler's tunables.
type Config struct {
	PollInterval time.Duration
	PageSize     int
	Thresholds   reconcile.Thresholds
}

// Worker is the Confidence Scoring & Reconciliation component (C7).
type Worker struct {
	cfg           Config
	runs          domain.RunRepository
	relationships domain.RelationshipRepository
	evidence      domain.EvidenceRepository
}

// New constructs a Worker, defaulting unset tunables to spec §4.7's values.
func New(cfg Config, runs domain.RunRepository, relationships domain.RelationshipRepository, evidence domain.EvidenceRepository) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.Thresholds == (reconcile.Thresholds{}) {
		cfg.Thresholds = reconcile.DefaultThresholds()
	}
	return &Worker{cfg: cfg, runs: runs, relationships: relationships, evidence: evidence}
}

// Run ticks at PollInterval until ctx is cancelled, reconciling one pass
// over every unfinished run's pending relationships per tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	tracer := otel.Tracer("reconciler")
	ctx, span := tracer.Start(ctx, "Worker.tick")
	defer span.End()

	const recentRunPage = 50
	runs, err := w.runs.List(ctx, 0, recentRunPage)
	if err != nil {
		span.RecordError(err)
		slog.Error("reconciler failed to list runs", slog.Any("error", err))
		return
	}

	totalReconciled := 0
	for _, r := range runs {
		if r.FinishedAt != nil {
			continue
		}
		n, err := w.reconcileRun(ctx, r.RunID)
		if err != nil {
			slog.Error("reconciler failed for run", slog.String("run_id", r.RunID), slog.Any("error", err))
			continue
		}
		totalReconciled += n
	}
	span.SetAttributes(attribute.Int("reconciler.relationships_reconciled", totalReconciled))
}

// reconcileRun pages through one run's pending relationships until a page
// comes back short of PageSize, reconciling each relationship found.
func (w *Worker) reconcileRun(ctx domain.Context, runID string) (int, error) {
	total := 0
	for {
		pending, err := w.relationships.ListPendingForRun(ctx, runID, w.cfg.PageSize)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		for _, rel := range pending {
			if err := w.reconcileOne(ctx, rel); err != nil {
				slog.Error("reconciler failed on relationship", slog.String("relationship_id", rel.ID), slog.Any("error", err))
				continue
			}
			total++
		}
		// ListPendingForRun only ever returns PENDING rows, so a successful
		// reconciliation pass always shrinks the page; a short page means no
		// work is left rather than "more pages exist".
		if len(pending) < w.cfg.PageSize {
			return total, nil
		}
	}
}

func (w *Worker) reconcileOne(ctx domain.Context, rel domain.CandidateRelationship) error {
	evidence, err := w.evidence.ListByRelationship(ctx, rel.ID)
	if err != nil {
		return err
	}
	if len(evidence) == 0 {
		// Nothing to reconcile yet; leave pending for a later tick once the
		// file/directory/global workers have produced at least one opinion.
		return nil
	}
	result := reconcile.Score(evidence)
	status := reconcile.Status(result, w.cfg.Thresholds)
	return w.relationships.UpdateStatusAndScore(ctx, rel.ID, status, result.FinalScore)
}
