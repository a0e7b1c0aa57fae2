// Package redpanda implements DLQ consumer for processing failed jobs.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// DLQConsumer polls a single queue's dead-letter topic (queue+":dead") and
// hands each record to a RetryManager for operator-triggered reprocessing.
// One DLQConsumer is created per queue name the pipeline uses.
type DLQConsumer struct {
	client       *kgo.Client
	retryManager *RetryManager
	groupID      string
	topic        string
	shutdown     chan struct{}
}

// NewDLQConsumer creates a DLQConsumer for queue's dead-letter topic.
func NewDLQConsumer(brokers []string, queue, groupID string, retryManager *RetryManager) (*DLQConsumer, error) {
	topic := queue + ":dead"
	slog.Info("creating DLQ consumer", slog.Any("brokers", brokers), slog.String("group_id", groupID), slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.FetchMaxBytes(1048576),
		kgo.FetchMaxWait(100 * time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxPartitionBytes(1048576),
		kgo.DialTimeout(30 * time.Second),
		kgo.RequestTimeoutOverhead(10 * time.Second),
		kgo.RetryTimeout(60 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create DLQ consumer client", slog.Any("error", err))
		return nil, fmt.Errorf("DLQ consumer client: %w", err)
	}

	slog.Info("DLQ consumer created successfully", slog.String("group_id", groupID), slog.String("topic", topic))
	return &DLQConsumer{
		client:       client,
		retryManager: retryManager,
		groupID:      groupID,
		topic:        topic,
		shutdown:     make(chan struct{}),
	}, nil
}

// Start begins consuming DLQ messages in a background goroutine.
func (dc *DLQConsumer) Start(ctx context.Context) error {
	slog.Info("starting DLQ consumer", slog.String("group_id", dc.groupID), slog.String("topic", dc.topic))
	go dc.dlqMessageProcessor(ctx)
	return nil
}

// Stop stops the DLQ consumer.
func (dc *DLQConsumer) Stop() {
	slog.Info("stopping DLQ consumer", slog.String("topic", dc.topic))
	close(dc.shutdown)
	dc.client.Close()
}

func (dc *DLQConsumer) dlqMessageProcessor(ctx context.Context) {
	slog.Info("DLQ message processor started", slog.String("topic", dc.topic), slog.String("group_id", dc.groupID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.shutdown:
			return
		default:
			fetchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			fetches := dc.client.PollFetches(fetchCtx)
			cancel()

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, ferr := range errs {
					slog.Error("DLQ fetch error",
						slog.String("topic", ferr.Topic), slog.Int("partition", int(ferr.Partition)), slog.Any("error", ferr.Err))
				}
				time.Sleep(2 * time.Second)
				continue
			}

			if fetches.NumRecords() == 0 {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			fetches.EachRecord(func(record *kgo.Record) {
				dc.processDLQRecord(ctx, record)
			})
		}
	}
}

func (dc *DLQConsumer) processDLQRecord(ctx context.Context, record *kgo.Record) {
	var dlqJob domain.DLQJob
	if err := json.Unmarshal(record.Value, &dlqJob); err != nil {
		slog.Error("failed to unmarshal DLQ job",
			slog.String("topic", record.Topic), slog.Int64("offset", record.Offset), slog.Any("error", err))
		return
	}

	if err := dc.retryManager.ProcessDLQJob(ctx, dlqJob); err != nil {
		slog.Error("failed to process DLQ job", slog.String("job_id", dlqJob.JobID), slog.Any("error", err))
		return
	}

	slog.Info("DLQ job reprocessed", slog.String("job_id", dlqJob.JobID), slog.String("original_failure_reason", dlqJob.FailureReason))
}
