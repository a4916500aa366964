// Package main wires together the blockpipe service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcps "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/api"
	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/clock/system"
	"github.com/placewise/blockpipe/internal/config"
	"github.com/placewise/blockpipe/internal/id/uuid"
	"github.com/placewise/blockpipe/internal/logging"
	"github.com/placewise/blockpipe/internal/maintenance"
	"github.com/placewise/blockpipe/internal/metrics"
	"github.com/placewise/blockpipe/internal/migrator"
	"github.com/placewise/blockpipe/internal/monitor"
	"github.com/placewise/blockpipe/internal/optimizer"
	"github.com/placewise/blockpipe/internal/pipeline"
	memorypublisher "github.com/placewise/blockpipe/internal/publisher/memory"
	pubsubpublisher "github.com/placewise/blockpipe/internal/publisher/pubsub"
	queuememory "github.com/placewise/blockpipe/internal/queue/memory"
	"github.com/placewise/blockpipe/internal/scheduler"
	gcssink "github.com/placewise/blockpipe/internal/store/gcs"
	memorystore "github.com/placewise/blockpipe/internal/store/memory"
	"github.com/placewise/blockpipe/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	m := metrics.New()

	var (
		blocks block.BlockStore
		jobs   block.JobStore
	)
	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			logger.Fatal("parse db dsn failed", zap.Error(err))
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DB.MaxConns)
		}
		if cfg.DB.MinConns > 0 {
			poolCfg.MinConns = int32(cfg.DB.MinConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnLifetime()
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("connect postgres failed", zap.Error(err))
		}
		defer pool.Close()

		pgBlocks, err := postgres.NewBlockStoreWithPool(pool, idGen, clock)
		if err != nil {
			logger.Fatal("init block store failed", zap.Error(err))
		}
		if err := pgBlocks.EnsureSchema(ctx); err != nil {
			logger.Fatal("apply schema failed", zap.Error(err))
		}
		pgJobs, err := postgres.NewJobStoreWithPool(pool, clock)
		if err != nil {
			logger.Fatal("init job store failed", zap.Error(err))
		}
		blocks, jobs = pgBlocks, pgJobs
	} else {
		logger.Warn("db.dsn not set, using in-memory stores")
		blocks = memorystore.NewBlockStore(idGen, clock)
		jobs = memorystore.NewJobStore(clock)
	}

	var publisher block.Publisher = memorypublisher.New()
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := gcps.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub client init failed, falling back to memory publisher", zap.Error(err))
		} else {
			defer client.Close()
			psPublisher := pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
			defer psPublisher.Stop()
			publisher = psPublisher
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if closeErr := redisClient.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
	}

	var sink block.ObjectSink = memorystore.NewObjectSink()
	if cfg.Storage.GCSBucket != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer gcsClient.Close()
		sink, err = gcssink.New(gcsClient, gcssink.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			logger.Fatal("gcs sink init failed", zap.Error(err))
		}
	} else {
		logger.Warn("storage.gcs_bucket not set, migrations write to memory")
	}

	queue := queuememory.NewQueue()
	pipe := pipeline.New(blocks, logger.Named("pipeline"), m, clock)

	registry := scheduler.NewSourceRegistry()
	for name, src := range cfg.Sources {
		httpSrc, err := pipeline.NewHTTPSource(pipeline.HTTPSourceConfig{
			Name:    name,
			BaseURL: src.BaseURL,
			APIKey:  src.APIKey,
			Timeout: time.Duration(src.TimeoutSeconds) * time.Second,
		}, logger.Named("source"))
		if err != nil {
			logger.Fatal("source init failed", zap.String("source", name), zap.Error(err))
		}
		registry.AddPlaceSource(httpSrc)
		registry.AddContentSource(httpSrc)
	}

	sched := scheduler.New(jobs, queue, publisher, m, logger.Named("scheduler"), clock, idGen, scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		MaxRetries: cfg.Scheduler.MaxRetries,
		EventTopic: cfg.PubSub.TopicName,
	})

	crawl := scheduler.NewCrawlRunner(pipe, registry, logger.Named("crawl"))
	for _, t := range []block.JobType{
		block.JobTypeFullCrawl,
		block.JobTypeIncremental,
		block.JobTypeRegionCrawl,
		block.JobTypeCategoryCrawl,
		block.JobTypeContentRefresh,
	} {
		sched.Register(t, crawl)
	}

	var opt *optimizer.Optimizer
	if redisClient != nil {
		opt = optimizer.New(blocks, redisClient, logger.Named("optimizer"), clock)
	} else {
		opt = optimizer.New(blocks, nil, logger.Named("optimizer"), clock)
	}
	archiveGrades := make([]block.Grade, 0, len(cfg.Maintenance.ArchiveGrades))
	for _, g := range cfg.Maintenance.ArchiveGrades {
		archiveGrades = append(archiveGrades, block.Grade(g))
	}
	sched.Register(block.JobTypeQualityCheck, scheduler.RunnerFunc(
		func(ctx context.Context, _ block.CrawlJob, _ pipeline.ProgressFunc) (block.JobResult, error) {
			report, err := opt.OptimizeByQuality(ctx, archiveGrades)
			if err != nil {
				return block.JobResult{}, err
			}
			return block.JobResult{
				UpdatedBlocks: report.Archived,
				SkippedBlocks: report.RefreshCandidates,
				DurationMs:    report.DurationMs,
			}, nil
		}))
	sched.Register(block.JobTypeDedupScan, scheduler.RunnerFunc(
		func(ctx context.Context, _ block.CrawlJob, _ pipeline.ProgressFunc) (block.JobResult, error) {
			report, err := opt.DeduplicateBlocks(ctx)
			if err != nil {
				return block.JobResult{}, err
			}
			return block.JobResult{
				UpdatedBlocks: report.Archived,
				SkippedBlocks: report.Duplicates,
				DurationMs:    report.DurationMs,
			}, nil
		}))

	mon := monitor.New(blocks, monitor.Thresholds{
		MinAvgQuality: cfg.Monitor.MinAvgQuality,
		MaxStaleRatio: cfg.Monitor.MaxStaleRatio,
		MaxErrorCount: cfg.Monitor.MaxErrorCount,
	}, logger.Named("monitor"))
	mig := migrator.New(blocks, sink, idGen, clock, logger.Named("migrator"))

	maint := maintenance.New(opt, mon, cfg, logger.Named("maintenance"))
	if err := maint.Start(ctx); err != nil {
		logger.Fatal("maintenance start failed", zap.Error(err))
	}
	defer maint.Stop()

	apiServer := api.NewServer(blocks, sched, mon, mig, m, logger.Named("api"), cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started", zap.Int("workers", cfg.Scheduler.Workers))
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}
