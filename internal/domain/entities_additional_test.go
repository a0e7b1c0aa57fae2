package domain

import (
	"testing"
	"time"
)

func TestFile_EdgeCases(t *testing.T) {
	f := File{}
	if f.ID != "" {
		t.Errorf("Expected empty ID, got %q", f.ID)
	}
	if f.Status != "" {
		t.Errorf("Expected empty Status, got %q", f.Status)
	}
	if f.SpecialType != FileSpecialNone {
		t.Errorf("Expected FileSpecialNone, got %q", f.SpecialType)
	}
	if !f.LastProcessed.IsZero() {
		t.Errorf("Expected zero LastProcessed, got %v", f.LastProcessed)
	}
}

func TestJob_EdgeCases(t *testing.T) {
	job := Job{}
	if job.ID != "" {
		t.Errorf("Expected empty ID, got %q", job.ID)
	}
	if job.Status != "" {
		t.Errorf("Expected empty Status, got %q", job.Status)
	}
	if job.Error != "" {
		t.Errorf("Expected empty Error, got %q", job.Error)
	}
	if !job.CreatedAt.IsZero() {
		t.Errorf("Expected zero CreatedAt, got %v", job.CreatedAt)
	}
	if !job.UpdatedAt.IsZero() {
		t.Errorf("Expected zero UpdatedAt, got %v", job.UpdatedAt)
	}
	if job.ParentID != nil {
		t.Errorf("Expected nil ParentID, got %v", job.ParentID)
	}
}

func TestRun_EdgeCases(t *testing.T) {
	r := Run{}
	if r.RunID != "" {
		t.Errorf("Expected empty RunID, got %q", r.RunID)
	}
	if r.FilesTotal != 0 {
		t.Errorf("Expected zero FilesTotal, got %d", r.FilesTotal)
	}
	if r.FinishedAt != nil {
		t.Errorf("Expected nil FinishedAt, got %v", r.FinishedAt)
	}
	if !r.StartedAt.IsZero() {
		t.Errorf("Expected zero StartedAt, got %v", r.StartedAt)
	}
}

func TestCandidateRelationship_EdgeCases(t *testing.T) {
	r := CandidateRelationship{}
	if r.ConfidenceScore != 0 {
		t.Errorf("Expected zero ConfidenceScore, got %f", r.ConfidenceScore)
	}
	if r.Status != "" {
		t.Errorf("Expected empty Status, got %q", r.Status)
	}
}

func TestEvidence_EdgeCases(t *testing.T) {
	e := Evidence{}
	if e.FoundRelationship {
		t.Errorf("Expected FoundRelationship to be false")
	}
	if e.Malformed {
		t.Errorf("Expected Malformed to be false")
	}
	if e.InitialScore != 0 {
		t.Errorf("Expected zero InitialScore, got %f", e.InitialScore)
	}
}

func TestJobStatus_StringConversion(t *testing.T) {
	tests := []struct {
		status   JobStatus
		expected string
	}{
		{JobPaused, "paused"},
		{JobWaitingChildren, "waiting-children"},
		{JobQueued, "queued"},
		{JobProcessing, "processing"},
		{JobCompleted, "completed"},
		{JobFailed, "failed"},
		{JobDeadLettered, "dead-lettered"},
		{"", ""},
		{"custom", "custom"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if string(tt.status) != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, string(tt.status))
			}
		})
	}
}

func TestOutboxStatus_StringConversion(t *testing.T) {
	tests := []struct {
		status   OutboxStatus
		expected string
	}{
		{OutboxPending, "PENDING"},
		{OutboxPublished, "PUBLISHED"},
		{OutboxFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if string(tt.status) != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, string(tt.status))
			}
		})
	}
}

func TestJob_WithNilParentID(t *testing.T) {
	now := time.Now()
	job := Job{
		ID:        "job-123",
		Queue:     "file-analysis-queue",
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ParentID:  nil,
	}

	if job.ParentID != nil {
		t.Errorf("Expected nil ParentID, got %v", job.ParentID)
	}
}

func TestRelationshipMerge_WithFloatValues(t *testing.T) {
	m := RelationshipMerge{
		SourceChecksum: "s1",
		TargetChecksum: "t1",
		Type:           RelationshipHasMethod,
		Weight:         0.85,
	}

	if m.Weight != 0.85 {
		t.Errorf("Expected Weight to be 0.85, got %f", m.Weight)
	}
}

func TestDLQJob_GenericPayload(t *testing.T) {
	now := time.Now()
	dlq := DLQJob{
		JobID:            "job-1",
		Queue:            "file-analysis-queue",
		OriginalPayload:  []byte(`{"batchId":"b1"}`),
		FailureReason:    "schema invalid",
		MovedToDLQAt:     now,
		CanBeReprocessed: false,
	}

	if string(dlq.OriginalPayload) != `{"batchId":"b1"}` {
		t.Errorf("Expected OriginalPayload to round-trip, got %q", dlq.OriginalPayload)
	}
	if dlq.Queue != "file-analysis-queue" {
		t.Errorf("Expected Queue to be 'file-analysis-queue', got %q", dlq.Queue)
	}
}
