// Package resolver implements the Directory & Global Resolution Workers
// (spec §4.6): once every analyze-file job under a directory (or every
// directory-aggregation job in a run) has terminated, the sibling
// aggregation parent is promoted out of waiting-children and its handler
// re-examines the relationships in scope, synthesizing a second-opinion
// Evidence row per relationship plus an outbox announcement.
package resolver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// retryRouter mirrors analysisworker's narrow view of redpanda.RetryManager.
type retryRouter interface {
	RetryJob(ctx domain.Context, queue, jobID string, retryInfo *domain.RetryInfo, payload []byte) error
}

// promoter mirrors analysisworker's narrow view of queue.Manager.
type promoter interface {
	PromoteParentIfReady(ctx domain.Context, parentID string) error
}

// Config bundles the resolver's tunables.
type Config struct {
	DirectoryQueue string
	GlobalQueue    string
	// ScopeLimit bounds how many pending relationships one aggregation pass
	// considers, mirroring the page sizes used elsewhere in the pipeline.
	ScopeLimit int
}

// Worker is the Directory & Global Resolution Worker (C6). One instance
// serves both queues: the only difference between a directory and a global
// pass is the relationship scope query and the evidence/outbox tagging.
type Worker struct {
	cfg           Config
	jobs          domain.JobRepository
	relationships domain.RelationshipRepository
	evidence      domain.EvidenceRepository
	outbox        domain.OutboxRepository
	retry         retryRouter
	promote       promoter
}

// New constructs a Worker.
func New(cfg Config, jobs domain.JobRepository, relationships domain.RelationshipRepository, evidence domain.EvidenceRepository, outbox domain.OutboxRepository, retry retryRouter, promote promoter) *Worker {
	if cfg.ScopeLimit <= 0 {
		cfg.ScopeLimit = 500
	}
	return &Worker{cfg: cfg, jobs: jobs, relationships: relationships, evidence: evidence, outbox: outbox, retry: retry, promote: promote}
}

type directoryParentPayload struct {
	RunID     string `json:"runId"`
	Directory string `json:"directory"`
}

type globalParentPayload struct {
	RunID string `json:"runId"`
}

// HandleDirectory is the Handler bound to batcher.DirectoryResolutionQueue.
// It only ever runs once all analyze-file jobs under one directory have
// terminated, since the job itself sits in waiting-children until then.
func (w *Worker) HandleDirectory(ctx domain.Context, jobID string, payload []byte) error {
	var p directoryParentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return w.fail(ctx, w.cfg.DirectoryQueue, jobID, payload, fmt.Errorf("op=resolver.handle_directory.unmarshal: %w: %s", domain.ErrSchemaInvalid, err))
	}

	scoped, err := w.relationships.ListPendingForDirectory(ctx, p.RunID, p.Directory, w.cfg.ScopeLimit)
	if err != nil {
		return w.fail(ctx, w.cfg.DirectoryQueue, jobID, payload, fmt.Errorf("op=resolver.handle_directory.list_scope: %w", err))
	}

	if err := w.synthesize(ctx, scoped, p.RunID, domain.EvidenceSourceDirectory, domain.OutboxDirectoryAnalysisFind,
		map[string]string{"directory": p.Directory}); err != nil {
		return w.fail(ctx, w.cfg.DirectoryQueue, jobID, payload, fmt.Errorf("op=resolver.handle_directory.synthesize: %w", err))
	}

	return w.complete(ctx, jobID)
}

// HandleGlobal is the Handler bound to batcher.GlobalResolutionQueue. It
// runs once per run, after every directory-aggregation job has terminated
// (the batcher links every directory handle as a dependency of the single
// global job), to propose evidence across directory boundaries.
func (w *Worker) HandleGlobal(ctx domain.Context, jobID string, payload []byte) error {
	var p globalParentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return w.fail(ctx, w.cfg.GlobalQueue, jobID, payload, fmt.Errorf("op=resolver.handle_global.unmarshal: %w: %s", domain.ErrSchemaInvalid, err))
	}

	scoped, err := w.relationships.ListPendingForRun(ctx, p.RunID, w.cfg.ScopeLimit)
	if err != nil {
		return w.fail(ctx, w.cfg.GlobalQueue, jobID, payload, fmt.Errorf("op=resolver.handle_global.list_scope: %w", err))
	}

	if err := w.synthesize(ctx, scoped, p.RunID, domain.EvidenceSourceGlobal, domain.OutboxRelationshipAnalysisFnd, nil); err != nil {
		return w.fail(ctx, w.cfg.GlobalQueue, jobID, payload, fmt.Errorf("op=resolver.handle_global.synthesize: %w", err))
	}

	return w.complete(ctx, jobID)
}

// synthesize re-examines each in-scope relationship's existing evidence and
// records this tier's own opinion: a majority-vote foundRelationship and the
// average of the contributing initialScores, tagged with source. Relationships
// with no prior evidence are skipped — there is nothing yet to aggregate.
func (w *Worker) synthesize(ctx domain.Context, relationships []domain.CandidateRelationship, runID string, source domain.EvidenceSource, eventType domain.OutboxEventType, extra map[string]string) error {
	tracer := otel.Tracer("resolver")
	ctx, span := tracer.Start(ctx, "resolver.synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("source_worker", string(source)), attribute.Int("relationships.count", len(relationships)))

	for _, rel := range relationships {
		priorEvidence, err := w.evidence.ListByRelationship(ctx, rel.ID)
		if err != nil {
			return fmt.Errorf("op=resolver.synthesize.list_evidence: %w", err)
		}
		if len(priorEvidence) == 0 {
			continue
		}

		agreements, disagreements, scoreSum, counted := 0, 0, 0.0, 0
		for _, e := range priorEvidence {
			if e.Malformed {
				slog.Warn("resolver skipping malformed evidence while aggregating",
					slog.String("relationship_id", rel.ID), slog.String("evidence_id", e.ID))
				continue
			}
			if e.FoundRelationship {
				agreements++
			} else {
				disagreements++
			}
			scoreSum += e.InitialScore
			counted++
		}
		if counted == 0 {
			continue
		}

		found := agreements >= disagreements
		avgScore := clamp01(scoreSum / float64(counted))

		evidencePayload, err := json.Marshal(struct {
			RunID         string `json:"runId"`
			Agreements    int    `json:"agreements"`
			Disagreements int    `json:"disagreements"`
		}{RunID: runID, Agreements: agreements, Disagreements: disagreements})
		if err != nil {
			return fmt.Errorf("op=resolver.synthesize.marshal_evidence: %w", err)
		}

		if _, err := w.evidence.Create(ctx, domain.Evidence{
			RelationshipID:    rel.ID,
			RunID:             runID,
			SourceWorker:      source,
			InitialScore:      avgScore,
			FoundRelationship: found,
			Payload:           string(evidencePayload),
		}); err != nil {
			return fmt.Errorf("op=resolver.synthesize.create_evidence: %w", err)
		}

		findingPayload, err := json.Marshal(struct {
			RelationshipID string            `json:"relationshipId"`
			RunID          string            `json:"runId"`
			Extra          map[string]string `json:"extra,omitempty"`
		}{RelationshipID: rel.ID, RunID: runID, Extra: extra})
		if err != nil {
			return fmt.Errorf("op=resolver.synthesize.marshal_finding: %w", err)
		}
		if _, err := w.outbox.Create(ctx, domain.OutboxEvent{EventType: eventType, Payload: string(findingPayload)}); err != nil {
			return fmt.Errorf("op=resolver.synthesize.create_outbox: %w", err)
		}
	}
	return nil
}

// complete marks jobID done and promotes its parent — the global job for a
// directory pass, the graph-build-finalization job for the global pass —
// out of waiting-children once every sibling has also terminated.
func (w *Worker) complete(ctx domain.Context, jobID string) error {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		slog.Warn("resolver failed to reload job before promoting parent", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if err := w.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, ""); err != nil {
		slog.Error("failed to mark resolution job completed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if job.ParentID != nil && w.promote != nil {
		if err := w.promote.PromoteParentIfReady(ctx, *job.ParentID); err != nil {
			slog.Error("failed to promote resolution parent", slog.String("job_id", jobID), slog.String("parent_id", *job.ParentID), slog.Any("error", err))
		}
	}
	return nil
}

func (w *Worker) fail(ctx domain.Context, queue, jobID string, payload []byte, cause error) error {
	retryInfo := &domain.RetryInfo{
		RetryStatus:  domain.RetryStatusNone,
		LastError:    cause.Error(),
		ErrorHistory: []string{cause.Error()},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if w.retry != nil {
		if err := w.retry.RetryJob(ctx, queue, jobID, retryInfo, payload); err != nil {
			slog.Error("retry manager failed to route resolver failure", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return nil
	}
	return cause
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
