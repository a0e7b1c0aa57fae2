package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/app/reconciler"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

type runsStub struct{ runs []domain.Run }

func (r *runsStub) Create(domain.Context, domain.Run) (string, error) { return "", nil }
func (r *runsStub) Get(domain.Context, string) (domain.Run, error)    { return domain.Run{}, nil }
func (r *runsStub) Finish(domain.Context, string, string) error       { return nil }
func (r *runsStub) UpdateCounters(domain.Context, string, int, int, int, int) error {
	return nil
}
func (r *runsStub) List(domain.Context, int, int) ([]domain.Run, error) { return r.runs, nil }
func (r *runsStub) Count(domain.Context) (int64, error)                 { return int64(len(r.runs)), nil }

type relsStub struct {
	pending []domain.CandidateRelationship
	updates map[string]struct {
		status domain.RelationshipStatus
		score  float64
	}
}

func (r *relsStub) Create(domain.Context, domain.CandidateRelationship) (string, error) { return "", nil }
func (r *relsStub) Get(domain.Context, string) (domain.CandidateRelationship, error) {
	return domain.CandidateRelationship{}, nil
}
func (r *relsStub) UpdateStatusAndScore(_ domain.Context, id string, status domain.RelationshipStatus, score float64) error {
	if r.updates == nil {
		r.updates = map[string]struct {
			status domain.RelationshipStatus
			score  float64
		}{}
	}
	r.updates[id] = struct {
		status domain.RelationshipStatus
		score  float64
	}{status: status, score: score}
	for i := range r.pending {
		if r.pending[i].ID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	return nil
}
func (r *relsStub) ListValidatedPage(domain.Context, string, string, int) ([]domain.CandidateRelationship, error) {
	return nil, nil
}
func (r *relsStub) ListPendingForRun(_ domain.Context, _ string, limit int) ([]domain.CandidateRelationship, error) {
	if limit < len(r.pending) {
		return r.pending[:limit], nil
	}
	return r.pending, nil
}
func (r *relsStub) ListPendingForDirectory(domain.Context, string, string, int) ([]domain.CandidateRelationship, error) {
	return nil, nil
}
func (r *relsStub) CountByStatus(domain.Context, string) (map[domain.RelationshipStatus]int, error) {
	return nil, nil
}

type evidenceStub struct{ byRelationship map[string][]domain.Evidence }

func (e *evidenceStub) Create(domain.Context, domain.Evidence) (string, error) { return "", nil }
func (e *evidenceStub) ListByRelationship(_ domain.Context, relationshipID string) ([]domain.Evidence, error) {
	return e.byRelationship[relationshipID], nil
}

func TestWorker_ReconcilesPendingRelationshipsForUnfinishedRuns(t *testing.T) {
	t.Parallel()
	runs := &runsStub{runs: []domain.Run{{RunID: "run-1"}}}
	rels := &relsStub{pending: []domain.CandidateRelationship{
		{ID: "rel-validated", RunID: "run-1"},
		{ID: "rel-discarded", RunID: "run-1"},
	}}
	evidence := &evidenceStub{byRelationship: map[string][]domain.Evidence{
		"rel-validated": {
			{RelationshipID: "rel-validated", InitialScore: 0.7, FoundRelationship: true},
			{RelationshipID: "rel-validated", InitialScore: 0.8, FoundRelationship: true},
		},
		"rel-discarded": {
			{RelationshipID: "rel-discarded", InitialScore: 0.1, FoundRelationship: false},
		},
	}}

	w := reconciler.New(reconciler.Config{PollInterval: 5 * time.Millisecond}, runs, rels, evidence)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	require.Contains(t, rels.updates, "rel-validated")
	assert.Equal(t, domain.RelationshipValidated, rels.updates["rel-validated"].status)
	require.Contains(t, rels.updates, "rel-discarded")
	assert.Equal(t, domain.RelationshipDiscarded, rels.updates["rel-discarded"].status)
}

func TestWorker_SkipsFinishedRunsAndRelationshipsWithoutEvidence(t *testing.T) {
	t.Parallel()
	finishedAt := time.Now()
	runs := &runsStub{runs: []domain.Run{{RunID: "run-done", FinishedAt: &finishedAt}}}
	rels := &relsStub{pending: []domain.CandidateRelationship{{ID: "rel-x", RunID: "run-done"}}}
	evidence := &evidenceStub{}

	w := reconciler.New(reconciler.Config{PollInterval: 5 * time.Millisecond}, runs, rels, evidence)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	assert.Empty(t, rels.updates)
}
