// Package batcher implements the File Discovery & Batcher (spec §4.3): it
// streams the target directory, packs files into token-bounded batches, and
// fans them out as paused analyze-file jobs gated behind a parent/child
// barrier, all under a distributed discovery lock so at most one producer
// runs against a given target directory at a time.
package batcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
	"github.com/fairyhunter13/codegraph-pipeline/pkg/textx"
)

const (
	// FileAnalysisQueue is the normative wire name for analyze-file jobs (spec §6).
	FileAnalysisQueue = "file-analysis-queue"
	// GraphBuildQueue is the normative wire name for the finalization parent (spec §6).
	GraphBuildQueue = "graph-build-queue"
	// DirectoryResolutionQueue carries the per-directory aggregation parent (spec §4.6).
	DirectoryResolutionQueue = "resolve-directory"
	// GlobalResolutionQueue carries the single per-run global aggregation job (spec §4.6).
	GlobalResolutionQueue = "resolve-global"

	discoveryLockPrefix = "discovery:"
)

// Config bundles the Batcher's tunables, mirroring config.Config's C3 fields.
type Config struct {
	TargetDirectory   string
	GlobPatterns      []string
	IgnorePatterns    []string
	MaxTokensPerBatch int
	PromptOverhead    int
	LockTTL           time.Duration
	JobMaxAttempts    int
}

// Batcher implements the File Discovery & Batcher component.
type Batcher struct {
	cfg    Config
	lock   domain.DistributedLock
	runs   domain.RunRepository
	files  domain.FileRepository
	jobs   domain.JobRepository
	queue  domain.Queue
	tokens domain.TokenCounter
}

// New constructs a Batcher.
func New(cfg Config, lock domain.DistributedLock, runs domain.RunRepository, files domain.FileRepository, jobs domain.JobRepository, queue domain.Queue, tokens domain.TokenCounter) *Batcher {
	return &Batcher{cfg: cfg, lock: lock, runs: runs, files: files, jobs: jobs, queue: queue, tokens: tokens}
}

// batchPayload is the wire shape of an analyze-file job (spec §6).
type batchPayload struct {
	BatchID string            `json:"batchId"`
	RunID   string            `json:"runId"`
	Files   []domain.FileBlock `json:"files"`
}

type directoryParentPayload struct {
	RunID     string `json:"runId"`
	Directory string `json:"directory"`
}

type globalParentPayload struct {
	RunID string `json:"runId"`
}

type finalizationPayload struct {
	RunID string `json:"runId"`
}

// Run executes one end-to-end discovery/batching pass. It returns nil both
// when the run completes and when the discovery lock is already held
// (spec §7: lock contention exits cleanly, not an error).
func (b *Batcher) Run(ctx domain.Context) error {
	lockKey := discoveryLockPrefix + b.cfg.TargetDirectory
	ttl := b.cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := b.lock.Acquire(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("op=batcher.run.acquire_lock: %w", err)
	}
	if !ok {
		slog.Info("discovery lock held by another batcher, exiting cleanly", slog.String("target_directory", b.cfg.TargetDirectory))
		return nil
	}
	defer func() {
		if err := b.lock.Release(ctx, lockKey); err != nil {
			slog.Error("failed to release discovery lock", slog.String("key", lockKey), slog.Any("error", err))
		}
	}()

	if err := b.cleanupOrphanedRuns(ctx); err != nil {
		slog.Error("orphan run cleanup failed, proceeding anyway", slog.Any("error", err))
	}

	runID := uuid.New().String()
	now := time.Now().UTC()
	if _, err := b.runs.Create(ctx, domain.Run{RunID: runID, TargetDirectory: b.cfg.TargetDirectory, StartedAt: now}); err != nil {
		return fmt.Errorf("op=batcher.run.create_run: %w", err)
	}

	opts := domain.EnqueueOptions{MaxAttempts: b.cfg.JobMaxAttempts}

	finalPayload, err := json.Marshal(finalizationPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("op=batcher.run.marshal_finalization: %w", err)
	}
	finalHandles, err := b.queue.EnqueueBulkPaused(ctx, GraphBuildQueue, [][]byte{finalPayload}, opts)
	if err != nil {
		_ = b.runs.Finish(ctx, runID, err.Error())
		return fmt.Errorf("op=batcher.run.create_finalization_parent: %w", err)
	}
	finalHandle := finalHandles[0]

	globalPayload, err := json.Marshal(globalParentPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("op=batcher.run.marshal_global: %w", err)
	}
	globalHandles, err := b.queue.EnqueueBulkPaused(ctx, GlobalResolutionQueue, [][]byte{globalPayload}, opts)
	if err != nil {
		_ = b.runs.Finish(ctx, runID, err.Error())
		return fmt.Errorf("op=batcher.run.create_global_parent: %w", err)
	}
	globalHandle := globalHandles[0]

	filesTotal, batchesTotal, dirHandles, fileHandles, err := b.streamAndEnqueue(ctx, runID, opts)
	if err != nil {
		_ = b.runs.Finish(ctx, runID, err.Error())
		return fmt.Errorf("op=batcher.run.stream: %w", err)
	}

	if len(dirHandles) > 0 {
		if err := b.queue.AddDependencies(ctx, globalHandle, dirHandles); err != nil {
			_ = b.runs.Finish(ctx, runID, err.Error())
			return fmt.Errorf("op=batcher.run.link_global: %w", err)
		}
	}
	if err := b.queue.AddDependencies(ctx, finalHandle, []domain.JobHandle{globalHandle}); err != nil {
		_ = b.runs.Finish(ctx, runID, err.Error())
		return fmt.Errorf("op=batcher.run.link_finalization: %w", err)
	}

	for _, h := range fileHandles {
		if err := b.queue.Resume(ctx, h); err != nil {
			slog.Error("failed to resume analyze-file job", slog.String("job_id", h.JobID), slog.Any("error", err))
		}
	}

	if err := b.runs.UpdateCounters(ctx, runID, filesTotal, 0, 0, batchesTotal); err != nil {
		slog.Error("failed to record run counters", slog.String("run_id", runID), slog.Any("error", err))
	}

	slog.Info("batcher run enqueued",
		slog.String("run_id", runID),
		slog.Int("files", filesTotal),
		slog.Int("batches", batchesTotal),
		slog.Int("directories", len(dirHandles)),
	)
	return nil
}

// cleanupOrphanedRuns finds unfinished runs from a prior crashed batcher and
// discards their orphaned paused jobs, per spec §4.3's failure semantics.
// It does not attempt to mark non-paused (waiting-children) job rows of the
// abandoned run terminal — those stay permanently stuck but harmless, since
// nothing will ever promote them and the Run itself is marked finished with
// an error so operators can see the run failed.
func (b *Batcher) cleanupOrphanedRuns(ctx domain.Context) error {
	const recentRunPage = 20
	runs, err := b.runs.List(ctx, 0, recentRunPage)
	if err != nil {
		return fmt.Errorf("op=batcher.cleanup.list_runs: %w", err)
	}
	for _, r := range runs {
		if r.FinishedAt != nil {
			continue
		}
		orphans, err := b.jobs.ListPausedOrphansByRun(ctx, r.RunID)
		if err != nil {
			slog.Error("failed to list paused orphans", slog.String("run_id", r.RunID), slog.Any("error", err))
			continue
		}
		if len(orphans) == 0 {
			continue
		}
		ids := make([]string, len(orphans))
		for i, j := range orphans {
			ids[i] = j.ID
		}
		if err := b.jobs.DeleteBatch(ctx, ids); err != nil {
			slog.Error("failed to delete orphaned paused jobs", slog.String("run_id", r.RunID), slog.Any("error", err))
			continue
		}
		if err := b.runs.Finish(ctx, r.RunID, "superseded: orphaned paused jobs from a crashed batcher were discarded"); err != nil {
			slog.Error("failed to mark orphaned run finished", slog.String("run_id", r.RunID), slog.Any("error", err))
		}
	}
	return nil
}

// openBatch accumulates files for one directory until closing it would
// exceed the token budget.
type openBatch struct {
	files  []domain.FileBlock
	tokens int
}

// streamAndEnqueue walks the target directory, packing files per-directory
// into token-bounded batches (batches never span directories, so each
// analyze-file job has exactly one well-defined directory — see DESIGN.md
// for why this is necessary under a single-parent-per-job schema). It
// returns total files seen, total batches enqueued, the per-directory
// aggregation parent handles, and every analyze-file child handle (still
// paused, to be resumed only after all dependencies are registered).
func (b *Batcher) streamAndEnqueue(ctx domain.Context, runID string, opts domain.EnqueueOptions) (filesTotal, batchesTotal int, dirHandles []domain.JobHandle, fileHandles []domain.JobHandle, err error) {
	effectiveLimit := b.cfg.MaxTokensPerBatch - b.cfg.PromptOverhead
	if effectiveLimit <= 0 {
		effectiveLimit = b.cfg.MaxTokensPerBatch
	}

	open := map[string]*openBatch{}
	dirFileHandles := map[string][]domain.JobHandle{}
	dirOrder := []string{}

	flush := func(dir string) error {
		ob := open[dir]
		if ob == nil || len(ob.files) == 0 {
			return nil
		}
		handle, ferr := b.enqueueBatch(ctx, runID, ob.files, ob.tokens, opts)
		if ferr != nil {
			return ferr
		}
		dirFileHandles[dir] = append(dirFileHandles[dir], handle)
		fileHandles = append(fileHandles, handle)
		batchesTotal++
		open[dir] = &openBatch{}
		return nil
	}

	walkErr := filepath.WalkDir(b.cfg.TargetDirectory, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			slog.Warn("skipping path after walk error", slog.String("path", path), slog.Any("error", walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(b.cfg.TargetDirectory, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if matchAny(b.cfg.IgnorePatterns, rel) {
				return fs.SkipDir
			}
			return nil
		}
		if matchAny(b.cfg.IgnorePatterns, rel) {
			return nil
		}
		if len(b.cfg.GlobPatterns) > 0 && !matchAny(b.cfg.GlobPatterns, rel) {
			return nil
		}

		rawContent, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("skipping unreadable file", slog.String("path", rel), slog.Any("error", readErr))
			return nil
		}
		filesTotal++

		// Strip control characters before the content is checksummed,
		// counted, or ever handed to the LLM collaborator as a prompt.
		content := []byte(textx.SanitizeText(string(rawContent)))

		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])
		idSum := sha256.Sum256([]byte(rel))
		fileID := hex.EncodeToString(idSum[:])
		if _, upsertErr := b.files.Upsert(ctx, domain.File{
			ID:       fileID,
			Path:     rel,
			Checksum: checksum,
			Status:   domain.FileStatusPending,
		}); upsertErr != nil {
			slog.Warn("failed to upsert file row, continuing", slog.String("path", rel), slog.Any("error", upsertErr))
		}

		fileTokens, tokErr := b.tokens.CountTokens(string(content))
		if tokErr != nil {
			slog.Warn("token count failed, treating file as oversized", slog.String("path", rel), slog.Any("error", tokErr))
			fileTokens = effectiveLimit + 1
		}

		dir := filepath.Dir(rel)
		if _, seen := open[dir]; !seen {
			open[dir] = &openBatch{}
			dirOrder = append(dirOrder, dir)
		}

		block := domain.FileBlock{Path: rel, Content: string(content)}

		if fileTokens > effectiveLimit {
			if ferr := flush(dir); ferr != nil {
				return ferr
			}
			handle, berr := b.enqueueBatch(ctx, runID, []domain.FileBlock{block}, fileTokens, opts)
			if berr != nil {
				return berr
			}
			dirFileHandles[dir] = append(dirFileHandles[dir], handle)
			fileHandles = append(fileHandles, handle)
			batchesTotal++
			return nil
		}

		ob := open[dir]
		if ob.tokens+fileTokens > effectiveLimit {
			if ferr := flush(dir); ferr != nil {
				return ferr
			}
			ob = open[dir]
		}
		ob.files = append(ob.files, block)
		ob.tokens += fileTokens
		return nil
	})
	if walkErr != nil {
		return filesTotal, batchesTotal, nil, nil, fmt.Errorf("op=batcher.stream.walk: %w", walkErr)
	}

	for _, dir := range dirOrder {
		if ferr := flush(dir); ferr != nil {
			return filesTotal, batchesTotal, nil, nil, ferr
		}
	}

	for _, dir := range dirOrder {
		children := dirFileHandles[dir]
		if len(children) == 0 {
			continue
		}
		payload, merr := json.Marshal(directoryParentPayload{RunID: runID, Directory: dir})
		if merr != nil {
			return filesTotal, batchesTotal, nil, nil, fmt.Errorf("op=batcher.stream.marshal_dir_parent: %w", merr)
		}
		handles, perr := b.queue.EnqueueBulkPaused(ctx, DirectoryResolutionQueue, [][]byte{payload}, opts)
		if perr != nil {
			return filesTotal, batchesTotal, nil, nil, fmt.Errorf("op=batcher.stream.create_dir_parent: %w", perr)
		}
		dirHandle := handles[0]
		if derr := b.queue.AddDependencies(ctx, dirHandle, children); derr != nil {
			return filesTotal, batchesTotal, nil, nil, fmt.Errorf("op=batcher.stream.link_dir_children: %w", derr)
		}
		dirHandles = append(dirHandles, dirHandle)
	}

	return filesTotal, batchesTotal, dirHandles, fileHandles, nil
}

func (b *Batcher) enqueueBatch(ctx domain.Context, runID string, files []domain.FileBlock, tokens int, opts domain.EnqueueOptions) (domain.JobHandle, error) {
	batchID := uuid.New().String()
	payload, err := json.Marshal(batchPayload{BatchID: batchID, RunID: runID, Files: files})
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("op=batcher.enqueue_batch.marshal: %w", err)
	}
	handles, err := b.queue.EnqueueBulkPaused(ctx, FileAnalysisQueue, [][]byte{payload}, opts)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("op=batcher.enqueue_batch.enqueue: %w", err)
	}
	return handles[0], nil
}
