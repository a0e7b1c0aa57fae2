// Package redpanda implements retry and DLQ management for resilient job processing.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// RetryManager applies the configured retry/DLQ policy to a failed job on
// any queue. Unlike the original broker-only retry loop, job state lives in
// JobRepository — the broker only ever carries the opaque payload.
type RetryManager struct {
	producer    *Producer
	dlqProducer *Producer
	jobs        domain.JobRepository
	config      domain.RetryConfig
}

// NewRetryManager creates a new retry manager.
func NewRetryManager(producer, dlqProducer *Producer, jobs domain.JobRepository, config domain.RetryConfig) *RetryManager {
	return &RetryManager{
		producer:    producer,
		dlqProducer: dlqProducer,
		jobs:        jobs,
		config:      config,
	}
}

// RetryJob decides whether jobID (on queue) is retried inline or moved to
// the dead-letter topic, given its current retry bookkeeping and payload.
func (rm *RetryManager) RetryJob(ctx domain.Context, queue, jobID string, retryInfo *domain.RetryInfo, payload []byte) error {
	code := classifyFailureCode(retryInfo.LastError)
	if code == "UPSTREAM_RATE_LIMIT" || code == "UPSTREAM_TIMEOUT" {
		slog.Info("routing upstream failure to DLQ for cooldown",
			slog.String("job_id", jobID), slog.String("error_code", code), slog.String("last_error", retryInfo.LastError))
		return rm.moveToDLQ(ctx, queue, jobID, payload, retryInfo, retryInfo.LastError)
	}

	if !retryInfo.ShouldRetry(fmt.Errorf("%s", retryInfo.LastError), rm.config) {
		slog.Info("job should not be retried, moving to DLQ", slog.String("job_id", jobID), slog.String("last_error", retryInfo.LastError))
		return rm.moveToDLQ(ctx, queue, jobID, payload, retryInfo, "job should not be retried")
	}

	if retryInfo.AttemptCount >= rm.config.MaxRetries {
		slog.Info("max retries reached, moving to DLQ", slog.String("job_id", jobID), slog.Int("attempt_count", retryInfo.AttemptCount))
		return rm.moveToDLQ(ctx, queue, jobID, payload, retryInfo, "max retries reached")
	}

	delay := retryInfo.CalculateNextRetryDelay(rm.config)
	retryInfo.NextRetryAt = time.Now().Add(delay)
	retryInfo.MarkAsRetrying()
	retryInfo.UpdateRetryAttempt(nil)

	if err := rm.jobs.UpdateStatus(ctx, jobID, domain.JobQueued, ""); err != nil {
		return fmt.Errorf("op=retry_manager.mark_queued: %w", err)
	}

	go rm.scheduleRetry(ctx, queue, jobID, payload, retryInfo)

	slog.Info("job scheduled for retry",
		slog.String("job_id", jobID), slog.Int("attempt", retryInfo.AttemptCount), slog.Duration("delay", delay))
	return nil
}

func (rm *RetryManager) scheduleRetry(ctx domain.Context, queue, jobID string, payload []byte, retryInfo *domain.RetryInfo) {
	delay := retryInfo.CalculateNextRetryDelay(rm.config)
	time.Sleep(delay)

	job, err := rm.jobs.Get(ctx, jobID)
	if err != nil {
		slog.Error("failed to get job for retry", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if job.Status != domain.JobQueued {
		slog.Info("job status changed, skipping retry", slog.String("job_id", jobID), slog.String("current_status", string(job.Status)))
		return
	}

	if err := rm.producer.Produce(ctx, queue, jobID, payload, nil); err != nil {
		slog.Error("failed to enqueue job for retry", slog.String("job_id", jobID), slog.Any("error", err))
		retryInfo.MarkAsExhausted()
		_ = rm.jobs.UpdateStatus(ctx, jobID, domain.JobFailed, "failed to enqueue for retry")
		return
	}
	slog.Info("job enqueued for retry", slog.String("job_id", jobID), slog.Int("attempt", retryInfo.AttemptCount))
}

func (rm *RetryManager) moveToDLQ(ctx domain.Context, queue, jobID string, payload []byte, retryInfo *domain.RetryInfo, reason string) error {
	dlqJob := domain.DLQJob{
		JobID:            jobID,
		Queue:            queue,
		OriginalPayload:  payload,
		RetryInfo:        *retryInfo,
		FailureReason:    reason,
		MovedToDLQAt:     time.Now(),
		CanBeReprocessed: true,
	}
	retryInfo.MarkAsDLQ()

	dlqData, err := json.Marshal(dlqJob)
	if err != nil {
		return fmt.Errorf("op=retry_manager.marshal_dlq: %w", err)
	}

	if err := rm.dlqProducer.Produce(ctx, queue+":dead", jobID, dlqData, nil); err != nil {
		return fmt.Errorf("op=retry_manager.enqueue_dlq: %w", err)
	}

	if err := rm.jobs.UpdateStatus(ctx, jobID, domain.JobDeadLettered, reason); err != nil {
		slog.Error("failed to update job status to dead-lettered", slog.String("job_id", jobID), slog.Any("error", err))
	}

	slog.Info("job moved to DLQ", slog.String("job_id", jobID), slog.String("reason", reason), slog.Int("attempt_count", retryInfo.AttemptCount))
	return nil
}

// ProcessDLQJob reprocesses a job popped from a queue's dead-letter topic by
// an operator-triggered requeue, enforcing a cooldown on upstream
// rate-limit/timeout failures so a reprocess does not immediately repeat the
// same backpressure signal.
func (rm *RetryManager) ProcessDLQJob(ctx domain.Context, dlqJob domain.DLQJob) error {
	if !dlqJob.CanBeReprocessed {
		return fmt.Errorf("DLQ job cannot be reprocessed")
	}

	combined := strings.ToLower(dlqJob.FailureReason) + " " + strings.ToLower(dlqJob.RetryInfo.LastError)
	isRateLimitOrTimeout := strings.Contains(combined, "rate limit") ||
		strings.Contains(combined, "timeout") ||
		strings.Contains(combined, "deadline exceeded")

	const rateLimitDLQCooldown = 30 * time.Second
	if isRateLimitOrTimeout {
		if delay := time.Until(dlqJob.MovedToDLQAt.Add(rateLimitDLQCooldown)); delay > 0 {
			slog.Info("DLQ cooling in effect for upstream rate limit/timeout",
				slog.String("job_id", dlqJob.JobID), slog.Duration("cooling_remaining", delay))
			time.Sleep(delay)
		}
	}

	return rm.requeueFromDLQ(ctx, dlqJob)
}

func (rm *RetryManager) requeueFromDLQ(ctx domain.Context, dlqJob domain.DLQJob) error {
	if err := rm.jobs.UpdateStatus(ctx, dlqJob.JobID, domain.JobQueued, ""); err != nil {
		return fmt.Errorf("op=retry_manager.requeue_status: %w", err)
	}
	if err := rm.producer.Produce(ctx, dlqJob.Queue, dlqJob.JobID, dlqJob.OriginalPayload, nil); err != nil {
		return fmt.Errorf("op=retry_manager.requeue_produce: %w", err)
	}
	slog.Info("DLQ job enqueued for reprocessing", slog.String("job_id", dlqJob.JobID), slog.String("original_failure_reason", dlqJob.FailureReason))
	return nil
}
