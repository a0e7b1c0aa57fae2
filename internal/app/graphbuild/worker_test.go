package graphbuild_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/app/graphbuild"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

var errSinkRejected = errors.New("sink rejected batch")

type jobsStub struct{ lastStatus domain.JobStatus }

func (s *jobsStub) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (s *jobsStub) Get(domain.Context, string) (domain.Job, error)    { return domain.Job{}, nil }
func (s *jobsStub) UpdateStatus(_ domain.Context, _ string, status domain.JobStatus, _ string) error {
	s.lastStatus = status
	return nil
}
func (s *jobsStub) AddDependencies(domain.Context, string, []string) error { return nil }
func (s *jobsStub) TerminalChildCount(domain.Context, string) (int, int, error) {
	return 0, 0, nil
}
func (s *jobsStub) ListPausedOrphansByRun(domain.Context, string) ([]domain.Job, error) {
	return nil, nil
}
func (s *jobsStub) DeleteBatch(domain.Context, []string) error { return nil }
func (s *jobsStub) ListStaleProcessing(domain.Context, time.Duration, int, int) ([]domain.Job, error) {
	return nil, nil
}

type runsStub struct {
	finishedRunID, finishedErr string
}

func (r *runsStub) Create(domain.Context, domain.Run) (string, error) { return "", nil }
func (r *runsStub) Get(domain.Context, string) (domain.Run, error)    { return domain.Run{}, nil }
func (r *runsStub) Finish(_ domain.Context, runID, errMsg string) error {
	r.finishedRunID, r.finishedErr = runID, errMsg
	return nil
}
func (r *runsStub) UpdateCounters(domain.Context, string, int, int, int, int) error { return nil }
func (r *runsStub) List(domain.Context, int, int) ([]domain.Run, error)             { return nil, nil }
func (r *runsStub) Count(domain.Context) (int64, error)                            { return 0, nil }

type relsStub struct {
	pages    [][]domain.CandidateRelationship
	callIdx  int
	statuses map[string]domain.RelationshipStatus
}

func (r *relsStub) Create(domain.Context, domain.CandidateRelationship) (string, error) { return "", nil }
func (r *relsStub) Get(domain.Context, string) (domain.CandidateRelationship, error) {
	return domain.CandidateRelationship{}, nil
}
func (r *relsStub) UpdateStatusAndScore(_ domain.Context, id string, status domain.RelationshipStatus, _ float64) error {
	if r.statuses == nil {
		r.statuses = map[string]domain.RelationshipStatus{}
	}
	r.statuses[id] = status
	return nil
}
func (r *relsStub) ListValidatedPage(domain.Context, string, string, int) ([]domain.CandidateRelationship, error) {
	if r.callIdx >= len(r.pages) {
		return nil, nil
	}
	page := r.pages[r.callIdx]
	r.callIdx++
	return page, nil
}
func (r *relsStub) ListPendingForRun(domain.Context, string, int) ([]domain.CandidateRelationship, error) {
	return nil, nil
}
func (r *relsStub) ListPendingForDirectory(domain.Context, string, string, int) ([]domain.CandidateRelationship, error) {
	return nil, nil
}
func (r *relsStub) CountByStatus(domain.Context, string) (map[domain.RelationshipStatus]int, error) {
	return nil, nil
}

type poisStub struct{ byID map[string]domain.POI }

func (p *poisStub) UpsertByChecksum(domain.Context, domain.POI) (string, error) { return "", nil }
func (p *poisStub) Get(_ domain.Context, id string) (domain.POI, error)         { return p.byID[id], nil }

type filesStub struct{ byID map[string]domain.File }

func (f *filesStub) Upsert(domain.Context, domain.File) (string, error)    { return "", nil }
func (f *filesStub) Get(_ domain.Context, id string) (domain.File, error)  { return f.byID[id], nil }
func (f *filesStub) UpdateStatus(domain.Context, string, domain.FileStatus) error { return nil }

type sinkStub struct {
	batches [][]domain.RelationshipMerge
	failIDs map[string]bool
}

func (s *sinkStub) MergeBatch(_ domain.Context, merges []domain.RelationshipMerge) error {
	s.batches = append(s.batches, merges)
	for _, m := range merges {
		if s.failIDs[m.SourceChecksum+m.TargetChecksum] {
			return errSinkRejected
		}
	}
	return nil
}

func TestWorker_Handle_IngestsValidatedRelationshipsAndFinishesRun(t *testing.T) {
	t.Parallel()
	jobs := &jobsStub{}
	runs := &runsStub{}
	rels := &relsStub{pages: [][]domain.CandidateRelationship{
		{{ID: "rel-1", SourcePOIID: "poi-a", TargetPOIID: "poi-b", Type: domain.RelationshipCalls, ConfidenceScore: 0.9}},
	}}
	pois := &poisStub{byID: map[string]domain.POI{
		"poi-a": {ID: "poi-a", FileID: "file-a", Checksum: "chk-a"},
		"poi-b": {ID: "poi-b", FileID: "file-b", Checksum: "chk-b"},
	}}
	files := &filesStub{byID: map[string]domain.File{
		"file-a": {ID: "file-a", Path: "a.go"},
		"file-b": {ID: "file-b", Path: "b.go"},
	}}
	sink := &sinkStub{}

	w := graphbuild.New(graphbuild.Config{}, jobs, runs, rels, pois, files, sink)
	err := w.Handle(context.Background(), "job-1", []byte(`{"runId":"run-1"}`))
	require.NoError(t, err)

	require.Len(t, sink.batches, 1)
	assert.Equal(t, "chk-a", sink.batches[0][0].SourceChecksum)
	assert.Equal(t, "a.go", sink.batches[0][0].SourceFilePath)
	assert.Equal(t, domain.RelationshipIngested, rels.statuses["rel-1"])
	assert.Equal(t, domain.JobCompleted, jobs.lastStatus)
	assert.Equal(t, "run-1", runs.finishedRunID)
	assert.Empty(t, runs.finishedErr)
}

func TestWorker_Handle_ShrinksBatchOnSinkFailureAndLeavesMinimalFailureValidated(t *testing.T) {
	t.Parallel()
	jobs := &jobsStub{}
	runs := &runsStub{}
	rels := &relsStub{pages: [][]domain.CandidateRelationship{
		{
			{ID: "rel-ok", SourcePOIID: "poi-ok-a", TargetPOIID: "poi-ok-b", Type: domain.RelationshipCalls},
			{ID: "rel-bad", SourcePOIID: "poi-bad-a", TargetPOIID: "poi-bad-b", Type: domain.RelationshipCalls},
		},
	}}
	pois := &poisStub{byID: map[string]domain.POI{
		"poi-ok-a":  {ID: "poi-ok-a", FileID: "file-ok-a", Checksum: "ok-a"},
		"poi-ok-b":  {ID: "poi-ok-b", FileID: "file-ok-b", Checksum: "ok-b"},
		"poi-bad-a": {ID: "poi-bad-a", FileID: "file-bad-a", Checksum: "bad-a"},
		"poi-bad-b": {ID: "poi-bad-b", FileID: "file-bad-b", Checksum: "bad-b"},
	}}
	files := &filesStub{byID: map[string]domain.File{
		"file-ok-a":  {Path: "ok-a.go"},
		"file-ok-b":  {Path: "ok-b.go"},
		"file-bad-a": {Path: "bad-a.go"},
		"file-bad-b": {Path: "bad-b.go"},
	}}
	sink := &sinkStub{failIDs: map[string]bool{"bad-abad-b": true}}

	w := graphbuild.New(graphbuild.Config{}, jobs, runs, rels, pois, files, sink)
	err := w.Handle(context.Background(), "job-2", []byte(`{"runId":"run-2"}`))
	require.NoError(t, err)

	assert.Equal(t, domain.RelationshipIngested, rels.statuses["rel-ok"])
	assert.NotContains(t, rels.statuses, "rel-bad")
	assert.Contains(t, runs.finishedErr, "1 relationships")
}
