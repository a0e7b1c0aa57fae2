// Package main provides the worker application entry point. The worker
// runs every queue-backed pipeline component: the File Analysis Worker, the
// Directory/Global Resolution Workers, the Graph Finalization Worker, plus
// the ticker-driven Outbox Publisher, Reconciler, and stuck-job sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	lockredis "github.com/fairyhunter13/codegraph-pipeline/internal/adapter/lock/redis"
	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/queue"
	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/tokenize"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/analysisworker"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/batcher"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/graphbuild"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/outbox"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/reconciler"
	"github.com/fairyhunter13/codegraph-pipeline/internal/app/resolver"
	"github.com/fairyhunter13/codegraph-pipeline/internal/config"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
	"github.com/fairyhunter13/codegraph-pipeline/internal/domain/reconcile"
)

// unconfiguredLLM is the placeholder domain.LLMClient. The LLM collaborator's
// transport is explicitly out of scope for this pipeline (spec §1): an
// operator wires a real implementation in by replacing this value before
// building, or by vendoring an adapter package behind the same port.
type unconfiguredLLM struct{}

func (unconfiguredLLM) CompleteJSON(context.Context, string, string, int) (string, error) {
	return "", fmt.Errorf("op=llmclient.complete_json: %w: no LLM collaborator configured", domain.ErrUpstreamTimeout)
}

// unconfiguredGraphSink is the placeholder domain.GraphSink; see unconfiguredLLM.
type unconfiguredGraphSink struct{}

func (unconfiguredGraphSink) MergeBatch(context.Context, []domain.RelationshipMerge) error {
	return fmt.Errorf("op=graphsink.merge_batch: %w: no graph sink configured", domain.ErrUpstreamTimeout)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("target_directory", cfg.TargetDirectory))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	fileRepo := postgres.NewFileRepo(pool)
	poiRepo := postgres.NewPOIRepo(pool)
	relRepo := postgres.NewRelationshipRepo(pool)
	evidenceRepo := postgres.NewEvidenceRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	runRepo := postgres.NewRunRepo(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	lock := lockredis.NewLock(redisClient)

	tokens := tokenize.NewDomainCounter("gpt-4")

	queueProducer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "codegraph-pipeline-queue-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueProducer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	outboxProducer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "codegraph-pipeline-outbox-producer")
	if err != nil {
		slog.Error("outbox producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := outboxProducer.Close(); err != nil {
			slog.Error("failed to close outbox producer", slog.Any("error", err))
		}
	}()

	cfgRetry := cfg.GetRetryConfig()
	retryCfg := domain.DefaultRetryConfig()
	retryCfg.MaxRetries = cfgRetry.MaxRetries
	retryCfg.InitialDelay = cfgRetry.InitialDelay
	retryCfg.MaxDelay = cfgRetry.MaxDelay
	retryCfg.Multiplier = cfgRetry.Multiplier
	retryCfg.Jitter = cfgRetry.Jitter
	retryManager := redpanda.NewRetryManager(queueProducer, queueProducer, jobRepo, retryCfg)

	manager := queue.NewManager(jobRepo, queueProducer)

	// Batcher (C3): the process that discovers files and produces
	// file-analysis-queue jobs. Runs once at startup against TargetDirectory;
	// an operator re-triggers a run by restarting the worker or, once an
	// operator surface exists for it, via a dedicated endpoint.
	b := batcher.New(batcher.Config{
		TargetDirectory:   cfg.TargetDirectory,
		GlobPatterns:      cfg.GlobPatterns,
		IgnorePatterns:    cfg.IgnorePatterns,
		MaxTokensPerBatch: cfg.MaxTokensPerBatch,
		PromptOverhead:    cfg.PromptOverhead,
		LockTTL:           cfg.LockTTL,
		JobMaxAttempts:    cfg.JobMaxAttempts,
	}, lock, runRepo, fileRepo, jobRepo, manager, tokens)

	analysis := analysisworker.New(analysisworker.Config{
		Queue:             batcher.FileAnalysisQueue,
		MaxResponseTokens: cfg.LLMMaxTokens,
	}, unconfiguredLLM{}, pool, jobRepo, retryManager, manager)

	resolve := resolver.New(resolver.Config{
		DirectoryQueue: batcher.DirectoryResolutionQueue,
		GlobalQueue:    batcher.GlobalResolutionQueue,
	}, jobRepo, relRepo, evidenceRepo, outboxRepo, retryManager, manager)

	graphWorker := graphbuild.New(graphbuild.Config{
		PageSize: cfg.GraphBatchSize,
	}, jobRepo, runRepo, relRepo, poiRepo, fileRepo, unconfiguredGraphSink{})

	minWorkers := cfg.WorkerConcurrency / 2
	if minWorkers < 1 {
		minWorkers = 1
	}
	maxWorkers := cfg.WorkerConcurrency
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}

	consumerSpecs := []struct {
		queue   string
		handler redpanda.Handler
	}{
		{batcher.FileAnalysisQueue, analysis.Handle},
		{batcher.DirectoryResolutionQueue, resolve.HandleDirectory},
		{batcher.GlobalResolutionQueue, resolve.HandleGlobal},
		{batcher.GraphBuildQueue, graphWorker.Handle},
		{outbox.RelationshipResolutionQueue, resolve.HandleFindingsStream},
	}

	var consumers []*redpanda.Consumer
	var dlqConsumers []*redpanda.DLQConsumer
	for _, spec := range consumerSpecs {
		c, err := redpanda.NewConsumerWithConfig(
			cfg.KafkaBrokers, spec.queue, spec.queue+"-workers", spec.queue+"-consumer",
			spec.handler, minWorkers, maxWorkers,
		)
		if err != nil {
			slog.Error("consumer init failed", slog.String("queue", spec.queue), slog.Any("error", err))
			os.Exit(1)
		}
		c.WithRetryManager(retryManager)
		c.WithHeartbeatLock(lock)
		consumers = append(consumers, c)

		dlq, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, spec.queue, spec.queue+"-dlq-workers", retryManager)
		if err != nil {
			slog.Error("DLQ consumer init failed", slog.String("queue", spec.queue), slog.Any("error", err))
			os.Exit(1)
		}
		dlqConsumers = append(dlqConsumers, dlq)
	}

	for _, c := range consumers {
		c := c
		go func() {
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer error", slog.Any("error", err))
			}
		}()
		defer func() {
			if err := c.Close(); err != nil {
				slog.Error("failed to close consumer", slog.Any("error", err))
			}
		}()
	}
	for _, dlq := range dlqConsumers {
		if err := dlq.Start(ctx); err != nil {
			slog.Error("DLQ consumer start error", slog.Any("error", err))
		}
		defer dlq.Stop()
	}

	pub := outbox.New(outbox.Config{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.OutboxBatchSize,
		FailedResetAge: cfg.OutboxFailedAge,
	}, outboxRepo, outboxProducer)
	go pub.Run(ctx)

	recon := reconciler.New(reconciler.Config{
		PollInterval: cfg.PollInterval,
		PageSize:     cfg.OutboxBatchSize,
		Thresholds:   reconcile.Thresholds{Validate: cfg.ValidateThreshold, Discard: cfg.DiscardThreshold},
	}, runRepo, relRepo, evidenceRepo)
	go recon.Run(ctx)

	if sweeper := app.NewStuckJobSweeper(jobRepo, 10*time.Minute, 0); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("starting file discovery run", slog.String("target_directory", cfg.TargetDirectory))
	if err := b.Run(ctx); err != nil {
		slog.Error("batcher run failed", slog.Any("error", err))
	}

	slog.Info("worker started successfully, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
	slog.Info("worker stopped")
}
