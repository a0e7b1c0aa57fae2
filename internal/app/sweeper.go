// Package app hosts cross-cutting pipeline workers that are not tied to a
// single queue: the stuck-job sweeper and (in their own subpackages) the
// batcher, analysis worker, outbox publisher, resolvers, reconciler and
// graph builder.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// StuckJobSweeper reclaims jobs that a worker claimed (JobProcessing) but
// never finished — crashed mid-handler, lost its heartbeat, or was killed —
// by marking them failed once they exceed maxProcessingAge instead of leaving
// them in processing forever. The sweeper does not re-enqueue them or send
// them to the dead-letter topic.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper, defaulting maxProcessingAge to
// 3 minutes and interval to 1 minute when zero.
func NewStuckJobSweeper(jobs domain.JobRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	totalChecked, totalMarkedFailed := 0, 0
	for offset := 0; ; offset += pageSize {
		jobs, err := s.jobs.ListStaleProcessing(ctx, s.maxProcessingAge, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(jobs)
		if len(jobs) == 0 {
			break
		}

		for _, j := range jobs {
			msg := fmt.Sprintf("job processing exceeded maximum age %v; marked failed by sweeper", s.maxProcessingAge)
			if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, msg); err != nil {
				slog.Error("stuck job sweep failed to update job status", slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			totalMarkedFailed++
		}

		if len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
}
