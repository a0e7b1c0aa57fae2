// Package redpanda provides Redpanda/Kafka queue integration.
//
// It handles message publishing and consumption for job processing.
// The package provides reliable message delivery with exactly-once
// semantics and supports horizontal scaling of workers.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Handler processes one job's payload for a queue. jobID is taken from the
// record's "job_id" header, falling back to the record key.
type Handler func(ctx domain.Context, jobID string, payload []byte) error

// HeartbeatLock is the subset of domain.DistributedLock a Consumer uses to
// refresh a per-job heartbeat key while a handler is running, so a sweeper
// elsewhere can tell a slow-but-alive job apart from a stalled one.
type HeartbeatLock interface {
	Acquire(ctx domain.Context, key string, ttl time.Duration) (bool, error)
	Heartbeat(ctx domain.Context, key string, ttl time.Duration) error
	Release(ctx domain.Context, key string) error
}

// Consumer wraps a transactional Kafka/Redpanda consumer group with a
// dynamically-sized worker pool for a single queue. Every queue the worker
// binary consumes (file-analysis-queue, relationship-resolution-queue,
// resolve-directory, resolve-global, graph-build-queue) gets its own
// Consumer instance bound to its own Handler.
type Consumer struct {
	session *kgo.GroupTransactSession
	handler Handler
	heartbeats HeartbeatLock

	retryManager *RetryManager

	queue        string
	groupID      string
	topic        string
	maxWorkers   int
	minWorkers   int
	activeWorkers int
	workerMu     sync.RWMutex
	jobQueue     chan *kgo.Record

	adaptivePoller *AdaptivePoller
	shutdown       chan struct{}

	brokers         []string
	transactionalID string
}

// NewConsumer constructs a Consumer for queue with exactly-once semantics
// and a 2-10 worker pool, provisioning the topic if it does not exist.
func NewConsumer(brokers []string, queue, groupID string, handler Handler) (*Consumer, error) {
	return NewConsumerWithConfig(brokers, queue, groupID, queue+"-consumer", handler, 2, 10)
}

// NewConsumerWithConfig constructs a Consumer with explicit worker pool bounds.
func NewConsumerWithConfig(brokers []string, queue, groupID, transactionalID string, handler Handler, minWorkers, maxWorkers int) (*Consumer, error) {
	slog.Info("creating redpanda consumer", slog.Any("brokers", brokers), slog.String("queue", queue), slog.String("group_id", groupID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()

	partitions := int32(8)
	replicationFactor := int16(1)
	if err := createOptimizedTopicForParallelProcessing(ctx, tempClient, queue, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation", slog.String("topic", queue), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, tempClient, queue, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist", slog.String("topic", queue), slog.Any("error", err))
		}
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(queue),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(10 * time.Second),
		kgo.FetchMinBytes(512),
		kgo.FetchMaxPartitionBytes(2 * 1024 * 1024),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created successfully", slog.String("queue", queue), slog.Int("min_workers", minWorkers), slog.Int("max_workers", maxWorkers))
	return &Consumer{
		session:         session,
		handler:         handler,
		queue:           queue,
		groupID:         groupID,
		topic:           queue,
		minWorkers:      minWorkers,
		maxWorkers:      maxWorkers,
		jobQueue:        make(chan *kgo.Record, maxWorkers*2),
		shutdown:        make(chan struct{}),
		activeWorkers:   minWorkers,
		brokers:         brokers,
		transactionalID: transactionalID,
		adaptivePoller:  NewAdaptivePoller(100 * time.Millisecond),
	}, nil
}

// WithRetryManager attaches a RetryManager invoked when the handler fails
// with an upstream rate-limit or timeout error.
func (c *Consumer) WithRetryManager(rm *RetryManager) *Consumer {
	c.retryManager = rm
	return c
}

// WithHeartbeatLock attaches a HeartbeatLock used to refresh a per-job
// heartbeat key for the duration of each handler call.
func (c *Consumer) WithHeartbeatLock(l HeartbeatLock) *Consumer {
	c.heartbeats = l
	return c
}

// Start begins consuming messages with the dynamic worker pool. It blocks
// until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer", slog.String("queue", c.queue), slog.Int("min_workers", c.minWorkers), slog.Int("max_workers", c.maxWorkers))

	c.startWorkerPool(ctx)
	go c.messageFetcher(ctx)
	go c.workerPoolManager(ctx)

	<-ctx.Done()
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) startWorkerPool(ctx context.Context) {
	for i := 0; i < c.minWorkers; i++ {
		go c.worker(ctx, i)
	}
}

func (c *Consumer) workerPoolManager(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.scaleWorkers(ctx)
		}
	}
}

func (c *Consumer) scaleWorkers(ctx context.Context) {
	queueLen := len(c.jobQueue)
	activeWorkers := c.getActiveWorkers()

	if queueLen > 0 && activeWorkers < c.maxWorkers {
		workersToAdd := minInt(queueLen, c.maxWorkers-activeWorkers)
		for i := 0; i < workersToAdd; i++ {
			if c.getActiveWorkers() < c.maxWorkers {
				c.incrementActiveWorkers()
				go c.worker(ctx, c.getActiveWorkers())
			}
		}
	}

	if activeWorkers > c.minWorkers && (queueLen == 0 || activeWorkers > queueLen) {
		workersToRemove := activeWorkers - c.minWorkers
		if queueLen > 0 && activeWorkers > queueLen {
			workersToRemove = minInt(workersToRemove, activeWorkers-queueLen)
		}
		for i := 0; i < workersToRemove; i++ {
			if c.getActiveWorkers() > c.minWorkers {
				c.decrementActiveWorkers()
			}
		}
	}
}

func (c *Consumer) messageFetcher(ctx context.Context) {
	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
			pollCount++
			nextInterval := c.adaptivePoller.GetNextInterval()

			fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			fetches := c.session.PollFetches(fetchCtx)
			cancel()

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, ferr := range errs {
					slog.Error("fetch error", slog.String("topic", ferr.Topic), slog.Any("error", ferr.Err))
				}
				c.adaptivePoller.RecordFailure()
				time.Sleep(nextInterval)
				continue
			}

			if fetches.NumRecords() == 0 {
				c.adaptivePoller.RecordSuccess()
				time.Sleep(nextInterval)
				continue
			}
			c.adaptivePoller.RecordSuccess()

			fetches.EachRecord(func(record *kgo.Record) {
				select {
				case c.jobQueue <- record:
				default:
					slog.Warn("job queue full, processing in a separate goroutine",slog.String("topic", record.Topic))
					go func(rec *kgo.Record) { _ = c.processRecord(ctx, rec) }(record)
				}
			})
		}
	}
}

func (c *Consumer) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record, ok := <-c.jobQueue:
			if !ok || record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("failed to process record", slog.Int("worker_id", workerID), slog.Any("error", err))
			}

			activeWorkers := c.getActiveWorkers()
			queueLen := len(c.jobQueue)
			if activeWorkers > c.minWorkers && (queueLen == 0 || activeWorkers > queueLen) {
				c.decrementActiveWorkers()
				return
			}
		}
	}
}

func (c *Consumer) getActiveWorkers() int {
	c.workerMu.RLock()
	defer c.workerMu.RUnlock()
	return c.activeWorkers
}

func (c *Consumer) incrementActiveWorkers() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	c.activeWorkers++
}

func (c *Consumer) decrementActiveWorkers() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.activeWorkers > 0 {
		c.activeWorkers--
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func jobIDFromRecord(record *kgo.Record) string {
	for _, h := range record.Headers {
		if h.Key == "job_id" {
			return string(h.Value)
		}
	}
	return string(record.Key)
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "queue."+c.queue+".process")
	defer span.End()

	jobID := jobIDFromRecord(record)
	observability.StartProcessingJob(c.queue)

	heartbeatKey := "heartbeat:" + c.queue + ":" + jobID
	var stopHeartbeat chan struct{}
	if c.heartbeats != nil {
		const heartbeatTTL = 30 * time.Second
		if _, err := c.heartbeats.Acquire(ctx, heartbeatKey, heartbeatTTL); err != nil {
			slog.Warn("failed to acquire heartbeat key", slog.String("job_id", jobID), slog.Any("error", err))
		}
		stopHeartbeat = make(chan struct{})
		go func() {
			ticker := time.NewTicker(heartbeatTTL / 3)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = c.heartbeats.Heartbeat(ctx, heartbeatKey, heartbeatTTL)
				case <-stopHeartbeat:
					return
				}
			}
		}()
	}

	err := c.handler(ctx, jobID, record.Value)

	if stopHeartbeat != nil {
		close(stopHeartbeat)
		_ = c.heartbeats.Release(ctx, heartbeatKey)
	}

	if err != nil {
		observability.FailJob(c.queue)
		if c.retryManager != nil {
			code := classifyFailureCode(err.Error())
			if code == "UPSTREAM_RATE_LIMIT" || code == "UPSTREAM_TIMEOUT" {
				retryInfo := &domain.RetryInfo{
					AttemptCount:  0,
					LastAttemptAt: time.Now(),
					RetryStatus:   domain.RetryStatusNone,
					LastError:     err.Error(),
					ErrorHistory:  []string{err.Error()},
					CreatedAt:     time.Now(),
					UpdatedAt:     time.Now(),
				}
				if rErr := c.retryManager.RetryJob(ctx, c.queue, jobID, retryInfo, record.Value); rErr != nil {
					slog.Error("retry manager failed to handle job failure", slog.String("job_id", jobID), slog.Any("error", rErr))
				}
			}
		}
		return err
	}

	observability.CompleteJob(c.queue)
	return nil
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}
