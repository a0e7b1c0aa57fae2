// Package graphbuild implements the Graph Finalization Worker (spec §4.8):
// triggered once the graph-build-finalization parent leaves waiting-children
// (every analyze-file job in the run has terminated, via the resolver's
// promotion chain), it pages through VALIDATED relationships and merges them
// into the external graph sink idempotently, retrying a failing batch at
// half its size down to a single relationship before giving up on it.
package graphbuild

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Config bundles the worker's tunables.
type Config struct {
	PageSize int
}

// Worker is the Graph Finalization Worker (C8).
type Worker struct {
	cfg           Config
	jobs          domain.JobRepository
	runs          domain.RunRepository
	relationships domain.RelationshipRepository
	pois          domain.POIRepository
	files         domain.FileRepository
	sink          domain.GraphSink
}

// New constructs a Worker, defaulting PageSize to spec §4.8's default of 1000.
func New(cfg Config, jobs domain.JobRepository, runs domain.RunRepository, relationships domain.RelationshipRepository, pois domain.POIRepository, files domain.FileRepository, sink domain.GraphSink) *Worker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Worker{cfg: cfg, jobs: jobs, runs: runs, relationships: relationships, pois: pois, files: files, sink: sink}
}

type finalizationPayload struct {
	RunID string `json:"runId"`
}

// Handle is the Handler bound to batcher.GraphBuildQueue. It only ever runs
// after every analyze-file job in the run has terminated, since the job sits
// in waiting-children until the resolver's global pass promotes it.
func (w *Worker) Handle(ctx domain.Context, jobID string, payload []byte) error {
	tracer := otel.Tracer("graphbuild")
	ctx, span := tracer.Start(ctx, "graphbuild.Handle")
	defer span.End()

	var p finalizationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("op=graphbuild.handle.unmarshal: %w: %s", domain.ErrSchemaInvalid, err)
	}
	span.SetAttributes(attribute.String("run.id", p.RunID))

	afterID := ""
	totalIngested, totalFailed := 0, 0
	for {
		page, err := w.relationships.ListValidatedPage(ctx, p.RunID, afterID, w.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("op=graphbuild.handle.list_page: %w", err)
		}
		if len(page) == 0 {
			break
		}

		ingested, failed := w.mergePageWithShrinkingRetry(ctx, page)
		totalIngested += ingested
		totalFailed += failed

		afterID = page[len(page)-1].ID
		if len(page) < w.cfg.PageSize {
			break
		}
	}

	if err := w.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, ""); err != nil {
		slog.Error("failed to mark graph-build-finalization job completed", slog.String("job_id", jobID), slog.Any("error", err))
	}

	finishErr := ""
	if totalFailed > 0 {
		finishErr = fmt.Sprintf("%d relationships could not be merged into the graph sink after shrinking retry", totalFailed)
	}
	if err := w.runs.Finish(ctx, p.RunID, finishErr); err != nil {
		slog.Error("failed to mark run finished", slog.String("run_id", p.RunID), slog.Any("error", err))
	}

	span.SetAttributes(attribute.Int("relationships.ingested", totalIngested), attribute.Int("relationships.failed", totalFailed))
	slog.Info("graph finalization complete", slog.String("run_id", p.RunID), slog.Int("ingested", totalIngested), slog.Int("failed", totalFailed))
	return nil
}

// mergePageWithShrinkingRetry resolves each relationship's source/target POI
// and file, attempts one sink transaction over the whole page, and on
// failure halves the page and retries each half independently down to a
// single relationship (spec §4.8). Relationships that still fail at size 1
// are left VALIDATED (never promoted to ingested) and logged, rather than
// aborting the rest of the run.
func (w *Worker) mergePageWithShrinkingRetry(ctx domain.Context, page []domain.CandidateRelationship) (ingested, failed int) {
	merges := make([]domain.RelationshipMerge, 0, len(page))
	resolvable := make([]domain.CandidateRelationship, 0, len(page))
	for _, rel := range page {
		merge, err := w.buildMerge(ctx, rel)
		if err != nil {
			slog.Error("skipping relationship unresolvable into a graph merge", slog.String("relationship_id", rel.ID), slog.Any("error", err))
			failed++
			continue
		}
		merges = append(merges, merge)
		resolvable = append(resolvable, rel)
	}
	if len(merges) == 0 {
		return ingested, failed
	}

	if err := w.sink.MergeBatch(ctx, merges); err == nil {
		for _, rel := range resolvable {
			if uerr := w.relationships.UpdateStatusAndScore(ctx, rel.ID, domain.RelationshipIngested, rel.ConfidenceScore); uerr != nil {
				slog.Error("failed to mark relationship ingested", slog.String("relationship_id", rel.ID), slog.Any("error", uerr))
			}
		}
		return ingested + len(resolvable), failed
	}

	if len(resolvable) == 1 {
		slog.Error("relationship permanently failed graph merge at minimum batch size, leaving it validated", slog.String("relationship_id", resolvable[0].ID))
		return ingested, failed + 1
	}

	mid := len(resolvable) / 2
	i1, f1 := w.mergePageWithShrinkingRetry(ctx, resolvable[:mid])
	i2, f2 := w.mergePageWithShrinkingRetry(ctx, resolvable[mid:])
	return ingested + i1 + i2, failed + f1 + f2
}

func (w *Worker) buildMerge(ctx domain.Context, rel domain.CandidateRelationship) (domain.RelationshipMerge, error) {
	source, err := w.pois.Get(ctx, rel.SourcePOIID)
	if err != nil {
		return domain.RelationshipMerge{}, fmt.Errorf("op=graphbuild.build_merge.get_source_poi: %w", err)
	}
	target, err := w.pois.Get(ctx, rel.TargetPOIID)
	if err != nil {
		return domain.RelationshipMerge{}, fmt.Errorf("op=graphbuild.build_merge.get_target_poi: %w", err)
	}
	sourceFile, err := w.files.Get(ctx, source.FileID)
	if err != nil {
		return domain.RelationshipMerge{}, fmt.Errorf("op=graphbuild.build_merge.get_source_file: %w", err)
	}
	targetFile, err := w.files.Get(ctx, target.FileID)
	if err != nil {
		return domain.RelationshipMerge{}, fmt.Errorf("op=graphbuild.build_merge.get_target_file: %w", err)
	}
	return domain.RelationshipMerge{
		SourceChecksum: source.Checksum,
		SourceFilePath: sourceFile.Path,
		TargetChecksum: target.Checksum,
		TargetFilePath: targetFile.Path,
		Type:           rel.Type,
		Explanation:    rel.Explanation,
		Weight:         rel.ConfidenceScore,
	}, nil
}
