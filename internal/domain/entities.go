// Package domain defines core entities, ports, and domain-specific errors
// for the code-analysis pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
	// ErrLockHeld is returned (not a fatal error) when a discovery lock is
	// already held by another batcher process.
	ErrLockHeld = errors.New("lock held")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// FileStatus is the lifecycle state of a File row.
type FileStatus string

// File status values.
const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusError      FileStatus = "error"
)

// FileSpecialType marks files that play a structural role in the repository.
type FileSpecialType string

// Special file types. Empty string means "no special role".
const (
	FileSpecialManifest   FileSpecialType = "manifest"
	FileSpecialEntrypoint FileSpecialType = "entrypoint"
	FileSpecialConfig     FileSpecialType = "config"
	FileSpecialNone       FileSpecialType = ""
)

// File is a source file discovered and analyzed by the pipeline.
// Invariant: ID is a stable hash of Path; Checksum is SHA-256 of content.
// Files are never deleted, only replaced on content change.
type File struct {
	ID            string
	Path          string
	Checksum      string
	Language      string
	Status        FileStatus
	SpecialType   FileSpecialType
	LastProcessed time.Time
}

// POIType enumerates the kinds of points of interest a file can contain.
type POIType string

// POI kinds.
const (
	POITypeFile     POIType = "File"
	POITypeClass    POIType = "Class"
	POITypeFunction POIType = "Function"
	POITypeMethod   POIType = "Method"
	POITypeVariable POIType = "Variable"
	POITypeImport   POIType = "Import"
	POITypeExport   POIType = "Export"
	POITypeDatabase POIType = "Database"
	POITypeTable    POIType = "Table"
	POITypeView     POIType = "View"
)

// POI (Point of Interest) is a named code entity extracted from a File.
// Checksum is a hash of {Type, Name, filePath} — a stable identity across
// runs so re-analysis of unchanged content never creates a duplicate row.
type POI struct {
	ID         string
	FileID     string
	Type       POIType
	Name       string
	StartLine  int
	EndLine    int
	IsExported bool
	Checksum   string
}

// RelationshipType enumerates the kinds of candidate relationships between POIs.
type RelationshipType string

// Relationship kinds.
const (
	RelationshipCalls        RelationshipType = "CALLS"
	RelationshipImports      RelationshipType = "IMPORTS"
	RelationshipInheritsFrom RelationshipType = "INHERITS_FROM"
	RelationshipImplements   RelationshipType = "IMPLEMENTS"
	RelationshipUses         RelationshipType = "USES"
	RelationshipExports      RelationshipType = "EXPORTS"
	RelationshipHasMethod    RelationshipType = "HAS_METHOD"
)

// RelationshipStatus is the reconciliation state of a CandidateRelationship.
type RelationshipStatus string

// Relationship status values. Ingested is reached only from Validated, after
// the graph finalization worker has merged the relationship into the sink.
const (
	RelationshipPending    RelationshipStatus = "pending"
	RelationshipValidated  RelationshipStatus = "validated"
	RelationshipDiscarded  RelationshipStatus = "discarded"
	RelationshipConflicted RelationshipStatus = "conflicted"
	RelationshipIngested   RelationshipStatus = "ingested"
)

// CandidateRelationship is a proposed edge between two POIs awaiting
// reconciliation across one or more Evidence records.
type CandidateRelationship struct {
	ID              string
	SourcePOIID     string
	TargetPOIID     string
	Type            RelationshipType
	Status          RelationshipStatus
	ConfidenceScore float64
	RunID           string
	Explanation     string
}

// EvidenceSource names the worker tier that produced a piece of evidence.
type EvidenceSource string

// Evidence sources.
const (
	EvidenceSourceFile      EvidenceSource = "File"
	EvidenceSourceDirectory EvidenceSource = "Directory"
	EvidenceSourceGlobal    EvidenceSource = "Global"
)

// Evidence is one worker's opinion about whether a CandidateRelationship holds.
type Evidence struct {
	ID                string
	RelationshipID    string
	RunID             string
	SourceWorker      EvidenceSource
	InitialScore      float64
	FoundRelationship bool
	Payload           string // opaque JSON
	Malformed         bool   // stored with the row; true when InitialScore/FoundRelationship could not be determined
}

// OutboxEventType enumerates the kinds of rows the transactional outbox can carry.
type OutboxEventType string

// Outbox event types (normative, wire-visible).
const (
	OutboxFileAnalysisFinding     OutboxEventType = "file-analysis-finding"
	OutboxDirectoryAnalysisFind   OutboxEventType = "directory-analysis-finding"
	OutboxRelationshipAnalysisFnd OutboxEventType = "relationship-analysis-finding"
)

// OutboxStatus is the publication state of an OutboxEvent row.
type OutboxStatus string

// Outbox status values. FAILED is distinct from a retry: a separate sweeper
// resets FAILED rows back to PENDING.
const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and advanced by exactly one consumer, the outbox publisher.
type OutboxEvent struct {
	ID        string
	EventType OutboxEventType
	Payload   string
	Status    OutboxStatus
	CreatedAt time.Time
}

// Run is one invocation of the analysis pipeline over a targetDirectory.
type Run struct {
	RunID           string
	TargetDirectory string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Error           string
	FilesTotal      int
	FilesCompleted  int
	FilesErrored    int
	BatchesTotal    int
}

// FileBlock is one file's content inlined into a Batch's prompt payload.
type FileBlock struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Batch is the transient payload of an analyze-file job; it exists only as
// a queue message, never as a persisted row.
type Batch struct {
	BatchID    string
	RunID      string
	Files      []FileBlock
	TokenCount int
}

// Repositories (ports)

// FileRepository persists File rows, upserted by Path.
type FileRepository interface {
	Upsert(ctx Context, f File) (string, error)
	Get(ctx Context, id string) (File, error)
	UpdateStatus(ctx Context, id string, status FileStatus) error
}

// POIRepository persists POI rows, deduplicated by Checksum.
type POIRepository interface {
	// UpsertByChecksum inserts a POI or returns the existing row's ID when
	// a POI with the same checksum already exists (data-integrity conflicts
	// are treated as success, per the unique-key-violation error policy).
	UpsertByChecksum(ctx Context, p POI) (string, error)
	Get(ctx Context, id string) (POI, error)
}

// RelationshipRepository persists CandidateRelationship rows.
type RelationshipRepository interface {
	Create(ctx Context, r CandidateRelationship) (string, error)
	Get(ctx Context, id string) (CandidateRelationship, error)
	UpdateStatusAndScore(ctx Context, id string, status RelationshipStatus, score float64) error
	// ListValidatedPage pages through validated relationships for a run,
	// ordered by id, for the graph finalization worker.
	ListValidatedPage(ctx Context, runID string, afterID string, limit int) ([]CandidateRelationship, error)
	// ListPendingForRun returns relationships awaiting reconciliation.
	ListPendingForRun(ctx Context, runID string, limit int) ([]CandidateRelationship, error)
	// ListPendingForDirectory returns pending relationships for a run whose
	// source or target POI belongs to a file under directory, for the
	// directory resolution worker's scoped aggregation.
	ListPendingForDirectory(ctx Context, runID, directory string, limit int) ([]CandidateRelationship, error)
	// CountByStatus tallies a run's relationships per status, for the
	// operator run-summary API.
	CountByStatus(ctx Context, runID string) (map[RelationshipStatus]int, error)
}

// EvidenceRepository persists Evidence rows.
type EvidenceRepository interface {
	Create(ctx Context, e Evidence) (string, error)
	ListByRelationship(ctx Context, relationshipID string) ([]Evidence, error)
}

// OutboxRepository persists and advances OutboxEvent rows.
type OutboxRepository interface {
	// Create is expected to be called within the same transaction as the
	// state change it describes; callers pass a Tx-scoped repository where
	// the adapter supports it.
	Create(ctx Context, e OutboxEvent) (string, error)
	// LeaseBatch selects up to limit PENDING rows ordered by id. It does not
	// change their status; rows stay PENDING until MarkPublished or
	// MarkFailed moves them.
	LeaseBatch(ctx Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx Context, id string) error
	MarkFailed(ctx Context, id string) error
	// ResetFailed reverts rows stuck in FAILED back to PENDING so a future
	// tick retries publication.
	ResetFailed(ctx Context, olderThan time.Duration) (int, error)
}

// RunRepository persists Run rows.
type RunRepository interface {
	Create(ctx Context, r Run) (string, error)
	Get(ctx Context, runID string) (Run, error)
	Finish(ctx Context, runID string, errMsg string) error
	UpdateCounters(ctx Context, runID string, filesTotal, filesCompleted, filesErrored, batchesTotal int) error
	List(ctx Context, offset, limit int) ([]Run, error)
	Count(ctx Context) (int64, error)
}

// JobStatus captures the lifecycle state of a queue-backed job row.
type JobStatus string

// Job status values. "paused" jobs are enqueued but not yet fetchable by
// workers (see enqueueBulkPaused); "waiting-children" is the barrier state
// a parent job sits in until every child has terminated.
const (
	JobPaused          JobStatus = "paused"
	JobWaitingChildren JobStatus = "waiting-children"
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobDeadLettered    JobStatus = "dead-lettered"
)

// Job is the domain model for a row-tracked unit of queue work. The
// relational store is the source of truth for parent/child dependency
// state; the broker only carries the wire payload.
type Job struct {
	ID          string
	Queue       string
	ParentID    *string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	Payload     string // opaque JSON, queue-specific shape
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	TerminatedAt *time.Time
}

// JobRepository tracks parent/child job state backing the queue manager's
// dependency barrier.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg string) error
	// AddDependencies links childIDs to parentID and moves parentID into
	// JobWaitingChildren. Must be called only after all children already
	// exist as rows, and before any child is resumed, to avoid the race
	// where a child finishes before the parent is registered.
	AddDependencies(ctx Context, parentID string, childIDs []string) error
	// TerminalChildCount returns (terminated, total) children of parentID.
	TerminalChildCount(ctx Context, parentID string) (terminated int, total int, err error)
	// ListPausedOrphansByRun finds jobs belonging to a run for idempotent cleanup after
	// a crashed batcher (matched by payload's runId).
	ListPausedOrphansByRun(ctx Context, runID string) ([]Job, error)
	DeleteBatch(ctx Context, ids []string) error
	// ListStaleProcessing pages through jobs stuck in JobProcessing whose
	// updated_at is older than olderThan, for the stuck-job sweeper.
	ListStaleProcessing(ctx Context, olderThan time.Duration, offset, limit int) ([]Job, error)
}

// Queue (port)

// JobHandle identifies a job accepted by the queue manager.
type JobHandle struct {
	JobID string
	Queue string
}

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	MaxAttempts int
}

// Queue is the typed job-queue abstraction over the broker (§4.1). Workers
// are created separately via the adapter's own constructor, not this
// interface, since handler signatures vary by queue.
type Queue interface {
	Enqueue(ctx Context, queue string, payload []byte, opts EnqueueOptions) (JobHandle, error)
	// EnqueueBulkPaused enqueues many jobs in a state no worker can fetch
	// until Resume is called on each handle.
	EnqueueBulkPaused(ctx Context, queue string, payloads [][]byte, opts EnqueueOptions) ([]JobHandle, error)
	Resume(ctx Context, handle JobHandle) error
	AddDependencies(ctx Context, parent JobHandle, children []JobHandle) error
	Close(ctx Context) error
}

// LLMClient (port)

// LLMClient abstracts the external language-model collaborator. The core
// pipeline only consumes a "prompt → JSON string" callable; transport,
// auth, and model selection are the adapter's concern.
type LLMClient interface {
	CompleteJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// GraphSink (port)

// RelationshipMerge is one idempotent merge operation for the graph sink.
type RelationshipMerge struct {
	SourceChecksum string
	SourceFilePath string
	TargetChecksum string
	TargetFilePath string
	Type           RelationshipType
	Explanation    string
	Weight         float64
}

// GraphSink abstracts the external graph database. It must support
// multi-statement transactions and merges keyed by
// (source.checksum, type, target.checksum).
type GraphSink interface {
	MergeBatch(ctx Context, merges []RelationshipMerge) error
}

// TokenCounter (port)

// TokenCounter counts tokens in text against a fixed encoding, used by the
// batcher to bound batch size by maxTokensPerBatch.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// DistributedLock (port)

// DistributedLock guards the discovery:<path> critical section so at most
// one batcher process runs against a targetDirectory at a time.
type DistributedLock interface {
	// Acquire attempts a set-if-absent lock with the given TTL. ok is false
	// (not an error) when another process already holds it.
	Acquire(ctx Context, key string, ttl time.Duration) (ok bool, err error)
	Release(ctx Context, key string) error
	// Heartbeat refreshes a stalled-job marker so the holder is not
	// considered dead by another process's sweep.
	Heartbeat(ctx Context, key string, ttl time.Duration) error
}
