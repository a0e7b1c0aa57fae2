package analysisworker_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/app/analysisworker"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) CompleteJSON(domain.Context, string, string, int) (string, error) {
	return f.response, f.err
}

type jobsStub struct {
	job        domain.Job
	getErr     error
	completed  bool
	lastStatus domain.JobStatus
}

func (s *jobsStub) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (s *jobsStub) Get(domain.Context, string) (domain.Job, error)    { return s.job, s.getErr }
func (s *jobsStub) UpdateStatus(_ domain.Context, _ string, status domain.JobStatus, _ string) error {
	s.lastStatus = status
	s.completed = status == domain.JobCompleted
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

type retryCall struct {
	queue, jobID string
	info         *domain.RetryInfo
}

type retryStub struct{ calls []retryCall }

func (r *retryStub) RetryJob(_ domain.Context, queue, jobID string, info *domain.RetryInfo, _ []byte) error {
	r.calls = append(r.calls, retryCall{queue: queue, jobID: jobID, info: info})
	return nil
}

type promoteStub struct{ parentIDs []string }

func (p *promoteStub) PromoteParentIfReady(_ domain.Context, parentID string) error {
	p.parentIDs = append(p.parentIDs, parentID)
	return nil
}

const batchPayloadJSON = `{"batchId":"batch-1","runId":"run-1","files":[{"path":"a.go","content":"package a"},{"path":"b.go","content":"package a"}]}`

func TestWorker_Handle_PersistsFindingsInOneTransaction(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	llmResp := `{"pois":[
		{"filePath":"a.go","type":"Function","name":"Foo","startLine":1,"endLine":2,"isExported":true},
		{"filePath":"b.go","type":"Function","name":"Bar","startLine":1,"endLine":2,"isExported":false}
	],"relationships":[
		{"source":"Foo","target":"Bar","type":"CALLS","explanation":"calls it","probability":0.9}
	]}`

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectQuery("INSERT INTO files").
		WithArgs(pgxmock.AnyArg(), "a.go", pgxmock.AnyArg(), "", domain.FileStatusProcessing, domain.FileSpecialNone, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("file-a"))
	m.ExpectQuery("INSERT INTO files").
		WithArgs(pgxmock.AnyArg(), "b.go", pgxmock.AnyArg(), "", domain.FileStatusProcessing, domain.FileSpecialNone, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("file-b"))
	m.ExpectQuery("INSERT INTO pois").
		WithArgs(pgxmock.AnyArg(), "file-a", domain.POITypeFunction, "Foo", 1, 2, true, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("poi-foo"))
	m.ExpectQuery("INSERT INTO pois").
		WithArgs(pgxmock.AnyArg(), "file-b", domain.POITypeFunction, "Bar", 1, 2, false, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("poi-bar"))
	m.ExpectExec("INSERT INTO relationships").
		WithArgs(pgxmock.AnyArg(), "poi-foo", "poi-bar", domain.RelationshipCalls, domain.RelationshipPending, 0.9, "run-1", "calls it").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO relationship_evidence").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1", domain.EvidenceSourceFile, 0.9, true, pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), domain.OutboxFileAnalysisFinding, pgxmock.AnyArg(), domain.OutboxPending, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE files SET status=").
		WithArgs("file-a", domain.FileStatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE files SET status=").
		WithArgs("file-b", domain.FileStatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	parentID := "parent-dir-1"
	jobs := &jobsStub{job: domain.Job{Queue: "file-analysis-queue", Attempts: 0, MaxAttempts: 3, ParentID: &parentID}}
	promote := &promoteStub{}
	w := analysisworker.New(analysisworker.Config{Queue: "file-analysis-queue"}, &fakeLLM{response: llmResp}, m, jobs, &retryStub{}, promote)

	err = w.Handle(context.Background(), "job-1", []byte(batchPayloadJSON))
	require.NoError(t, err)
	assert.True(t, jobs.completed)
	require.NoError(t, m.ExpectationsWereMet())
	require.Len(t, promote.parentIDs, 1)
	assert.Equal(t, parentID, promote.parentIDs[0])
}

func TestWorker_Handle_SchemaInvalid_RoutesToRetryManagerWithoutTouchingDB(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	jobs := &jobsStub{job: domain.Job{Queue: "file-analysis-queue", Attempts: 1, MaxAttempts: 3}}
	retry := &retryStub{}
	w := analysisworker.New(analysisworker.Config{Queue: "file-analysis-queue"}, &fakeLLM{response: `not json at all`}, m, jobs, retry, nil)

	err = w.Handle(context.Background(), "job-1", []byte(batchPayloadJSON))
	require.NoError(t, err) // routed through the retry manager, not surfaced as a handler error
	require.Len(t, retry.calls, 1)
	assert.Equal(t, "job-1", retry.calls[0].jobID)
	assert.Contains(t, retry.calls[0].info.LastError, "schema invalid")
	require.NoError(t, m.ExpectationsWereMet())
}

func TestWorker_Handle_LLMTransportError_RoutesToRetryManager(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	jobs := &jobsStub{job: domain.Job{Queue: "file-analysis-queue"}}
	retry := &retryStub{}
	w := analysisworker.New(analysisworker.Config{Queue: "file-analysis-queue"}, &fakeLLM{err: domain.ErrUpstreamTimeout}, m, jobs, retry, nil)

	err = w.Handle(context.Background(), "job-2", []byte(batchPayloadJSON))
	require.NoError(t, err)
	require.Len(t, retry.calls, 1)
	assert.Contains(t, retry.calls[0].info.LastError, "upstream timeout")
	require.NoError(t, m.ExpectationsWereMet())
}
