// Package outbox implements the Transactional Outbox Publisher (spec §4.5):
// a single-threaded polling loop that leases PENDING outbox rows, republishes
// their payload onto the routed downstream broker topic, and advances each
// row's status in a separate update after the produce call — the only
// consumer allowed to move an outbox row out of PENDING. The produce and the
// status update are not atomic.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// RelationshipResolutionQueue is the normative broker topic outbox rows of
// type file-analysis-finding are republished to (spec §6). The other two
// event types route to no topic — spec §4.5 says they are "consumed by a
// separate trigger", meaning the parent/child waiting-children barrier
// (see internal/app/resolver), not a broker hop.
const RelationshipResolutionQueue = "relationship-resolution-queue"

// routes maps each outbox event type to its downstream topic; an empty
// string means the event is never republished onto the broker.
var routes = map[domain.OutboxEventType]string{
	domain.OutboxFileAnalysisFinding:     RelationshipResolutionQueue,
	domain.OutboxDirectoryAnalysisFind:   "",
	domain.OutboxRelationshipAnalysisFnd: "",
}

// producer is the subset of redpanda.Producer the publisher needs.
type producer interface {
	Produce(ctx domain.Context, topic string, key string, value []byte, headers []redpanda.Header) error
}

// Config bundles the publisher's tunables (spec §4.5/§6).
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	FailedResetAge time.Duration
}

// Publisher is the Transactional Outbox Publisher (C5).
type Publisher struct {
	cfg      Config
	outbox   domain.OutboxRepository
	producer producer
	inFlight atomic.Bool
}

// New constructs a Publisher, defaulting unset tunables per spec §4.5.
func New(cfg Config, outbox domain.OutboxRepository, producer producer) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FailedResetAge <= 0 {
		cfg.FailedResetAge = 5 * time.Minute
	}
	return &Publisher{cfg: cfg, outbox: outbox, producer: producer}
}

// Run ticks at PollInterval until ctx is cancelled, publishing one batch and
// sweeping stale FAILED rows back to PENDING on every tick.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox publisher stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick is a no-op if the previous tick is still in flight (spec §4.5 step 1:
// no reentrancy), enforced with a CAS flag rather than a mutex so a slow
// tick never blocks the ticker goroutine.
func (p *Publisher) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		slog.Warn("outbox publisher tick skipped, previous tick still in flight")
		return
	}
	defer p.inFlight.Store(false)

	tracer := otel.Tracer("outbox.publisher")
	ctx, span := tracer.Start(ctx, "Publisher.tick")
	defer span.End()

	if _, err := p.outbox.ResetFailed(ctx, p.cfg.FailedResetAge); err != nil {
		slog.Error("outbox failed-row sweep failed", slog.Any("error", err))
	}

	events, err := p.outbox.LeaseBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("outbox lease failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("outbox.leased", len(events)))

	for _, e := range events {
		if err := p.publishOne(ctx, e); err != nil {
			slog.Error("outbox row publish failed, marking FAILED", slog.String("event_id", e.ID), slog.Any("error", err))
			if markErr := p.outbox.MarkFailed(ctx, e.ID); markErr != nil {
				slog.Error("failed to mark outbox row FAILED", slog.String("event_id", e.ID), slog.Any("error", markErr))
			}
			continue
		}
		if err := p.outbox.MarkPublished(ctx, e.ID); err != nil {
			slog.Error("failed to mark outbox row PUBLISHED after successful publish; at-least-once delivery means a retry may duplicate it downstream",
				slog.String("event_id", e.ID), slog.Any("error", err))
		}
	}
}

// publishOne routes one outbox row by event type (spec §4.5 step 3). Event
// types with no downstream topic are marked PUBLISHED immediately — they
// were a database state change only, with no broker-visible effect.
func (p *Publisher) publishOne(ctx domain.Context, e domain.OutboxEvent) error {
	topic, ok := routes[e.EventType]
	if !ok {
		return fmt.Errorf("op=outbox.publish_one.unknown_event_type: %s", e.EventType)
	}
	if topic == "" {
		return nil
	}
	headers := []redpanda.Header{{Key: "event_type", Value: []byte(e.EventType)}}
	if err := p.producer.Produce(ctx, topic, e.ID, []byte(e.Payload), headers); err != nil {
		return fmt.Errorf("op=outbox.publish_one.produce: %w", err)
	}
	return nil
}
