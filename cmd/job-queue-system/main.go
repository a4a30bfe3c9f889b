// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/analysis"
	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/cache"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/connector"
	"github.com/flyingrobots/go-redis-work-queue/internal/dispatch"
	"github.com/flyingrobots/go-redis-work-queue/internal/httpapi"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/reaper"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/retrieval"
	"github.com/flyingrobots/go-redis-work-queue/internal/scheduler"
	"github.com/flyingrobots/go-redis-work-queue/internal/sink"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/ubs"
	"github.com/flyingrobots/go-redis-work-queue/internal/worker"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	st, err := store.Connect(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatal("store connect failed", obs.Err(err))
	}
	if err := store.Migrate(cfg.Store.Driver, st.DB().DB); err != nil {
		logger.Fatal("store migrate failed", obs.Err(err))
	}
	defer st.Close()

	q := queue.New(rdb)
	ch := cache.New(rdb)

	ubsBreaker := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples).Named("ubs")
	ubsClient := ubs.New(cfg.UBS.BaseURL, cfg.UBS.Timeout, ubsBreaker, logger)

	reg, err := connector.NewRegistry(
		[]connector.Connector{connector.NewNull(""), connector.NewYara()},
		cfg.Analysis.ConnectorDirs,
	)
	if err != nil {
		logger.Fatal("connector registry init failed", obs.Err(err))
	}

	retrievalPipeline := retrieval.New(q, st, ch, ubsClient,
		cfg.Retrieval.MaxRetries, cfg.Retrieval.RateLimitPerSec, cfg.Retrieval.BinaryTimeout, logger)
	analysisPipeline := analysis.New(q, st, ch, reg, cfg.Analysis.FeedSize, logger)

	feedSink := sink.NewFeedSink(cfg.Sinks.FeedBaseURL, &http.Client{Timeout: 30 * time.Second}, logger)
	watchSink := sink.NewWatchlistSink(logger)
	dispatcher := dispatch.New(st, cfg.Sinks.Routes, feedSink, watchSink, logger)

	sched, err := scheduler.New(retrievalPipeline, logger)
	if err != nil {
		logger.Fatal("scheduler init failed", obs.Err(err))
	}

	pool := worker.New(cfg, q, logger)
	pool.Register("fetch_binaries", func(ctx context.Context, job queue.Job) error {
		return retrievalPipeline.FetchBinaries(ctx, job.ArgStringSlice("hashes"))
	})
	pool.Register("download_binary", func(ctx context.Context, job queue.Job) error {
		return retrievalPipeline.DownloadBinary(ctx, job.ArgString("sha256"), job.ArgString("url"), job.ArgInt("retry"))
	})
	pool.Register("fetch_query", func(ctx context.Context, job queue.Job) error {
		retrievalPipeline.FetchQuery(ctx, job.ArgString("query"), job.ArgInt("limit"))
		return nil
	})
	pool.Register("analyze_binary", func(ctx context.Context, job queue.Job) error {
		return analysisPipeline.AnalyzeBinary(ctx, job.ArgString("sha256"), cfg.Analysis.BinaryTimeout.Milliseconds())
	})
	pool.Register("analyze", analysisPipeline.Analyze)
	pool.Register("flush_binary", analysisPipeline.FlushBinary)
	pool.Register("dispatch_result", func(ctx context.Context, job queue.Job) error {
		return dispatcher.DispatchResult(ctx, job.ArgInt64Slice("ids"))
	})
	pool.SetSalvager(analysisPipeline)

	rep := reaper.New(cfg, q, st, reg, logger)

	api := httpapi.New(st, q, sched, logger)
	apiSrv := &http.Server{
		Addr:         cfg.HTTPAPI.ListenAddr,
		Handler:      api,
		ReadTimeout:  cfg.HTTPAPI.ReadTimeout,
		WriteTimeout: cfg.HTTPAPI.WriteTimeout,
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	sched.Start()
	go rep.Run(ctx)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http api server error", obs.Err(err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = apiSrv.Shutdown(context.Background())
		_ = metricsSrv.Shutdown(context.Background())
		_ = sched.Shutdown()
	}()

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("worker pool error", obs.Err(err))
	}
}
