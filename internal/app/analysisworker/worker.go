// Package analysisworker implements the File Analysis Worker (spec §4.4):
// it consumes an analyze-file batch, prompts the LLM collaborator for its
// points-of-interest and candidate relationships, and persists the findings
// — plus one outbox event announcing them — in a single database
// transaction.
package analysisworker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
	"github.com/fairyhunter13/codegraph-pipeline/pkg/jsonx"
)

// retryRouter is the subset of redpanda.RetryManager the worker needs,
// accepted as an interface so this package never imports the broker
// adapter directly. *redpanda.RetryManager satisfies it as-is.
type retryRouter interface {
	RetryJob(ctx domain.Context, queue, jobID string, retryInfo *domain.RetryInfo, payload []byte) error
}

// promoter is the subset of queue.Manager the worker needs to advance the
// directory-aggregation parent once a batch's job terminates successfully.
// *queue.Manager satisfies it as-is.
type promoter interface {
	PromoteParentIfReady(ctx domain.Context, parentID string) error
}

// Config bundles the worker's tunables.
type Config struct {
	Queue             string
	MaxResponseTokens int
}

// Worker is the File Analysis Worker (C4).
type Worker struct {
	cfg     Config
	llm     domain.LLMClient
	pool    postgres.PgxPool
	jobs    domain.JobRepository
	retry   retryRouter
	promote promoter
}

// New constructs a Worker.
func New(cfg Config, llm domain.LLMClient, pool postgres.PgxPool, jobs domain.JobRepository, retry retryRouter, promote promoter) *Worker {
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = 4096
	}
	return &Worker{cfg: cfg, llm: llm, pool: pool, jobs: jobs, retry: retry, promote: promote}
}

// batchPayload mirrors batcher.batchPayload's wire shape (spec §6); it is
// redeclared here rather than imported since the two packages must never
// depend on each other — the queue payload is the only contract between them.
type batchPayload struct {
	BatchID string             `json:"batchId"`
	RunID   string             `json:"runId"`
	Files   []domain.FileBlock `json:"files"`
}

// Handle processes one analyze-file job: it is the Handler bound to the
// file-analysis-queue Consumer.
func (w *Worker) Handle(ctx domain.Context, jobID string, payload []byte) error {
	tracer := otel.Tracer("analysisworker")
	ctx, span := tracer.Start(ctx, "analysisworker.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, jobErr := w.jobs.Get(ctx, jobID)
	if jobErr != nil {
		slog.Warn("failed to load job row before processing, proceeding without attempt/parent context",
			slog.String("job_id", jobID), slog.Any("error", jobErr))
	}

	var batch batchPayload
	if err := json.Unmarshal(payload, &batch); err != nil {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.unmarshal_payload: %w: %s", domain.ErrSchemaInvalid, err))
	}

	system := buildSystemPrompt()
	user := buildUserPrompt(batch.Files)

	raw, err := w.llm.CompleteJSON(ctx, system, user, w.cfg.MaxResponseTokens)
	if err != nil {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.complete_json: %w", err))
	}

	sanitized := jsonx.StripFences(raw)
	sanitized = jsonx.StripTrailingCommas(sanitized)
	sanitized = jsonx.CompleteDelimiters(sanitized)

	var presence map[string]any
	if err := json.Unmarshal([]byte(sanitized), &presence); err != nil {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.parse_presence: %w: %s", domain.ErrSchemaInvalid, err))
	}
	if _, ok := presence["pois"]; !ok {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.missing_pois: %w", domain.ErrSchemaInvalid))
	}
	if _, ok := presence["relationships"]; !ok {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.missing_relationships: %w", domain.ErrSchemaInvalid))
	}

	var resp jsonx.Finding
	if err := json.Unmarshal([]byte(sanitized), &resp); err != nil {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.parse_typed: %w: %s", domain.ErrSchemaInvalid, err))
	}

	if err := postgres.WithTx(ctx, w.pool, func(txPool postgres.PgxPool) error {
		return w.persist(ctx, txPool, batch, resp)
	}); err != nil {
		return w.fail(ctx, job, jobID, payload, fmt.Errorf("op=analysisworker.handle.persist: %w", err))
	}

	if err := w.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, ""); err != nil {
		slog.Error("failed to mark analyze-file job completed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if job.ParentID != nil && w.promote != nil {
		if err := w.promote.PromoteParentIfReady(ctx, *job.ParentID); err != nil {
			slog.Error("failed to promote directory-aggregation parent", slog.String("job_id", jobID), slog.String("parent_id", *job.ParentID), slog.Any("error", err))
		}
	}
	return nil
}

// persist writes every File/POI/Relationship/Evidence row plus the outbox
// announcement produced by one LLM response, all against the single
// transaction-scoped pool txPool (spec §4.4 step 6).
func (w *Worker) persist(ctx domain.Context, txPool postgres.PgxPool, batch batchPayload, resp jsonx.Finding) error {
	files := postgres.NewFileRepo(txPool)
	pois := postgres.NewPOIRepo(txPool)
	relationships := postgres.NewRelationshipRepo(txPool)
	evidence := postgres.NewEvidenceRepo(txPool)
	outbox := postgres.NewOutboxRepo(txPool)

	fileIDByPath := map[string]string{}
	for _, f := range batch.Files {
		id, err := files.Upsert(ctx, domain.File{
			ID:       fileIDFromPath(f.Path),
			Path:     f.Path,
			Status:   domain.FileStatusProcessing,
			Checksum: checksumOf(f.Content),
		})
		if err != nil {
			return fmt.Errorf("op=analysisworker.persist.upsert_file: %w", err)
		}
		fileIDByPath[f.Path] = id
	}

	poiIDByName := map[string]string{}
	for _, p := range resp.POIs {
		poiType, ok := validPOITypes[p.Type]
		if !ok {
			slog.Warn("dropping POI with unrecognized type", slog.String("type", p.Type), slog.String("name", p.Name))
			continue
		}
		fileID := fileIDByPath[p.FilePath]
		if fileID == "" {
			slog.Warn("dropping POI referencing an unknown file path", slog.String("file_path", p.FilePath), slog.String("name", p.Name))
			continue
		}
		checksum := poiChecksum(string(poiType), p.Name, p.FilePath)
		id, err := pois.UpsertByChecksum(ctx, domain.POI{
			FileID:     fileID,
			Type:       poiType,
			Name:       p.Name,
			StartLine:  p.StartLine,
			EndLine:    p.EndLine,
			IsExported: p.IsExported,
			Checksum:   checksum,
		})
		if err != nil {
			return fmt.Errorf("op=analysisworker.persist.upsert_poi: %w", err)
		}
		poiIDByName[p.Name] = id
	}

	runID := batch.RunID
	for _, rel := range resp.Relationships {
		relType, ok := validRelationshipTypes[rel.Type]
		if !ok {
			slog.Warn("dropping relationship with unrecognized type", slog.String("type", rel.Type))
			continue
		}
		sourceID, sourceOK := poiIDByName[rel.Source]
		targetID, targetOK := poiIDByName[rel.Target]
		if !sourceOK || !targetOK {
			slog.Warn("dropping relationship with unresolved endpoint",
				slog.String("source", rel.Source), slog.String("target", rel.Target))
			continue
		}
		probability := 0.5
		if rel.Probability != nil {
			probability = *rel.Probability
		} else {
			slog.Warn("relationship missing probability, defaulting to 0.5",
				slog.String("source", rel.Source), slog.String("target", rel.Target))
		}

		relID, err := relationships.Create(ctx, domain.CandidateRelationship{
			SourcePOIID:     sourceID,
			TargetPOIID:     targetID,
			Type:            relType,
			Status:          domain.RelationshipPending,
			ConfidenceScore: probability,
			RunID:           runID,
			Explanation:     rel.Explanation,
		})
		if err != nil {
			return fmt.Errorf("op=analysisworker.persist.create_relationship: %w", err)
		}

		evidencePayload, err := json.Marshal(rel)
		if err != nil {
			return fmt.Errorf("op=analysisworker.persist.marshal_evidence: %w", err)
		}
		if _, err := evidence.Create(ctx, domain.Evidence{
			RelationshipID:    relID,
			RunID:             runID,
			SourceWorker:      domain.EvidenceSourceFile,
			InitialScore:      probability,
			FoundRelationship: true,
			Payload:           string(evidencePayload),
		}); err != nil {
			return fmt.Errorf("op=analysisworker.persist.create_evidence: %w", err)
		}
	}

	findingPayload, err := json.Marshal(struct {
		BatchID string `json:"batchId"`
		RunID   string `json:"runId"`
	}{BatchID: batch.BatchID, RunID: runID})
	if err != nil {
		return fmt.Errorf("op=analysisworker.persist.marshal_finding: %w", err)
	}
	if _, err := outbox.Create(ctx, domain.OutboxEvent{
		EventType: domain.OutboxFileAnalysisFinding,
		Payload:   string(findingPayload),
	}); err != nil {
		return fmt.Errorf("op=analysisworker.persist.create_outbox: %w", err)
	}

	for _, f := range batch.Files {
		if err := files.UpdateStatus(ctx, fileIDByPath[f.Path], domain.FileStatusCompleted); err != nil {
			return fmt.Errorf("op=analysisworker.persist.update_file_status: %w", err)
		}
	}
	return nil
}

// fail classifies err against the job's current attempt count and routes it
// through the retry manager, which moves deterministic errors (schema
// invalid, unresolvable references) and upstream timeout or rate-limit
// errors (LLM timeouts included) straight to the dead-letter topic, and
// backs off other transient ones (e.g. LLM transport) per DefaultRetryConfig.
// Timeouts are not retried inline.
func (w *Worker) fail(ctx domain.Context, job domain.Job, jobID string, payload []byte, cause error) error {
	queue := w.cfg.Queue
	if job.Queue != "" {
		queue = job.Queue
	}
	retryInfo := &domain.RetryInfo{
		AttemptCount:  job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		LastAttemptAt: time.Now(),
		RetryStatus:   domain.RetryStatusNone,
		LastError:     cause.Error(),
		ErrorHistory:  []string{cause.Error()},
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if w.retry != nil {
		if err := w.retry.RetryJob(ctx, queue, jobID, retryInfo, payload); err != nil {
			slog.Error("retry manager failed to route job failure", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return nil
	}
	return cause
}

func fileIDFromPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

func checksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func poiChecksum(poiType, name, filePath string) string {
	sum := sha256.Sum256([]byte(poiType + "\x00" + name + "\x00" + filePath))
	return hex.EncodeToString(sum[:])
}
