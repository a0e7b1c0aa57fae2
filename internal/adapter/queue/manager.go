// Package queue implements domain.Queue over a relational job store (the
// source of truth for attempts and the parent/child dependency barrier) and
// a Kafka/Redpanda producer (the transport that actually wakes a worker).
package queue

import (
	"fmt"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Producer is the subset of redpanda.Producer the manager needs, narrowed
// so tests can supply a fake.
type Producer interface {
	Produce(ctx domain.Context, topic string, key string, value []byte, headers []redpanda.Header) error
}

// Manager implements domain.Queue. Enqueue/Resume publish to the broker;
// EnqueueBulkPaused/AddDependencies only ever touch JobRepository, so a
// child can never race ahead of its parent's waiting-children registration.
type Manager struct {
	jobs     domain.JobRepository
	producer Producer
}

// NewManager constructs a Manager.
func NewManager(jobs domain.JobRepository, producer Producer) *Manager {
	return &Manager{jobs: jobs, producer: producer}
}

// Enqueue creates a job row already in JobQueued and publishes it immediately.
func (m *Manager) Enqueue(ctx domain.Context, queue string, payload []byte, opts domain.EnqueueOptions) (domain.JobHandle, error) {
	id, err := m.jobs.Create(ctx, domain.Job{
		Queue:       queue,
		Status:      domain.JobQueued,
		MaxAttempts: opts.MaxAttempts,
		Payload:     string(payload),
	})
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("op=queue_manager.enqueue.create: %w", err)
	}
	handle := domain.JobHandle{JobID: id, Queue: queue}
	if err := m.publish(ctx, handle, payload); err != nil {
		return domain.JobHandle{}, err
	}
	return handle, nil
}

// EnqueueBulkPaused creates many job rows in JobPaused — no worker can pick
// them up until Resume is called — so the batcher can register every
// child's dependency on a parent before any child becomes visible to a
// worker (spec's crash-safety requirement for the waiting-children barrier).
func (m *Manager) EnqueueBulkPaused(ctx domain.Context, queue string, payloads [][]byte, opts domain.EnqueueOptions) ([]domain.JobHandle, error) {
	handles := make([]domain.JobHandle, 0, len(payloads))
	for _, payload := range payloads {
		id, err := m.jobs.Create(ctx, domain.Job{
			Queue:       queue,
			Status:      domain.JobPaused,
			MaxAttempts: opts.MaxAttempts,
			Payload:     string(payload),
		})
		if err != nil {
			return nil, fmt.Errorf("op=queue_manager.enqueue_bulk_paused.create: %w", err)
		}
		handles = append(handles, domain.JobHandle{JobID: id, Queue: queue})
	}
	return handles, nil
}

// Resume moves a paused job to queued and publishes it to the broker.
func (m *Manager) Resume(ctx domain.Context, handle domain.JobHandle) error {
	job, err := m.jobs.Get(ctx, handle.JobID)
	if err != nil {
		return fmt.Errorf("op=queue_manager.resume.get: %w", err)
	}
	if err := m.jobs.UpdateStatus(ctx, handle.JobID, domain.JobQueued, ""); err != nil {
		return fmt.Errorf("op=queue_manager.resume.update_status: %w", err)
	}
	return m.publish(ctx, handle, []byte(job.Payload))
}

// AddDependencies links children to parent and moves parent into
// JobWaitingChildren, without publishing anything — children remain paused
// until the caller explicitly Resumes each one.
func (m *Manager) AddDependencies(ctx domain.Context, parent domain.JobHandle, children []domain.JobHandle) error {
	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.JobID
	}
	if err := m.jobs.AddDependencies(ctx, parent.JobID, childIDs); err != nil {
		return fmt.Errorf("op=queue_manager.add_dependencies: %w", err)
	}
	return nil
}

// PromoteParentIfReady checks parentID's children and, once every child has
// terminated, moves the parent out of waiting-children and publishes it —
// the producer side of BullMQ's "waiting-children" promotion, implemented
// against the relational store instead of the broker. Callers invoke this
// after marking any child job terminal; it is a no-op if the parent is not
// (or no longer) waiting, or if children are still outstanding.
func (m *Manager) PromoteParentIfReady(ctx domain.Context, parentID string) error {
	terminated, total, err := m.jobs.TerminalChildCount(ctx, parentID)
	if err != nil {
		return fmt.Errorf("op=queue_manager.promote.count: %w", err)
	}
	if total == 0 || terminated < total {
		return nil
	}
	parent, err := m.jobs.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("op=queue_manager.promote.get: %w", err)
	}
	if parent.Status != domain.JobWaitingChildren {
		return nil
	}
	return m.Resume(ctx, domain.JobHandle{JobID: parentID, Queue: parent.Queue})
}

// Close closes the underlying producer, if it supports it.
func (m *Manager) Close(_ domain.Context) error {
	if closer, ok := m.producer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (m *Manager) publish(ctx domain.Context, handle domain.JobHandle, payload []byte) error {
	headers := []redpanda.Header{{Key: "job_id", Value: []byte(handle.JobID)}}
	if err := m.producer.Produce(ctx, handle.Queue, handle.JobID, payload, headers); err != nil {
		return fmt.Errorf("op=queue_manager.publish: %w", err)
	}
	return nil
}
