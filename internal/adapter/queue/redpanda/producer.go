// Package redpanda provides Redpanda/Kafka queue integration.
//
// It handles message publishing and consumption for job processing.
// The package provides reliable message delivery with exactly-once
// semantics and supports horizontal scaling of workers.
package redpanda

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Producer is a generic, topic-parameterized Kafka/Redpanda publisher used
// by the queue manager (§4.1) to wire Resume/enqueue calls onto the broker.
// One transaction per Produce call gives the producer side of each message
// exactly-once delivery; the relational job store, not the broker, is the
// source of truth for the dependency barrier.
type Producer struct {
	client          *kgo.Client
	transactionChan chan struct{}
	breaker         *observability.CircuitBreaker
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "codegraph-pipeline-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for tests that need isolation between producers.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	slog.Info("redpanda producer created successfully")
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
		breaker:         observability.NewCircuitBreaker("producer:"+transactionalID, 5, 30*time.Second),
	}, nil
}

// EnsureTopic provisions topic with the given partition/replication factor,
// falling back to a single-partition topic if the optimized layout fails.
func (p *Producer) EnsureTopic(ctx domain.Context, topic string, partitions int32, replicationFactor int16) error {
	if err := createOptimizedTopicForParallelProcessing(ctx, p.client, topic, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation",
			slog.String("topic", topic), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, p.client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist", slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return nil
}

// Header is a single Kafka record header.
type Header struct {
	Key   string
	Value []byte
}

// Produce publishes value to topic keyed by key inside its own transaction,
// giving each call exactly-once delivery to the broker.
func (p *Producer) Produce(ctx domain.Context, topic string, key string, value []byte, headers []Header) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	err := p.breaker.Call(func() error {
		if err := p.client.BeginTransaction(); err != nil {
			return fmt.Errorf("op=producer.produce.begin_tx: %w", err)
		}

		record := &kgo.Record{
			Topic: topic,
			Key:   []byte(key),
			Value: value,
		}
		for _, h := range headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
		}

		e := kgo.AbortingFirstErrPromise(p.client)
		p.client.Produce(ctx, record, e.Promise())

		if err := e.Err(); err != nil {
			if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
				slog.Error("failed to abort transaction", slog.Any("error", abortErr))
			}
			return fmt.Errorf("op=producer.produce.send: %w", err)
		}

		if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
			return fmt.Errorf("op=producer.produce.commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	observability.EnqueueJob(topic)
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}
