// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/cognitive-triangulation/internal/analysis"
	"github.com/flyingrobots/cognitive-triangulation/internal/batcher"
	"github.com/flyingrobots/cognitive-triangulation/internal/confidence"
	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/graph"
	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
	"github.com/flyingrobots/cognitive-triangulation/internal/monitor"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/outbox"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/reaper"
	"github.com/flyingrobots/cognitive-triangulation/internal/redisclient"
	"github.com/flyingrobots/cognitive-triangulation/internal/relationships"
	"github.com/flyingrobots/cognitive-triangulation/internal/scanner"
	"github.com/flyingrobots/cognitive-triangulation/internal/shutdown"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
	"github.com/flyingrobots/cognitive-triangulation/internal/triangulation"
	"github.com/flyingrobots/cognitive-triangulation/internal/workerpool"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var target string
	var showVersion bool
	var monitorOnce bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&target, "target", "", "Directory to scan and triangulate (overrides scanner.scan_dir)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&monitorOnce, "monitor", false, "Print pipeline status as JSON and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if target != "" {
		cfg.Scanner.ScanDir = target
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(2)
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

	st, err := store.Open(cfg.Store)
	if err != nil {
		logger.Error("store open failed", obs.Err(err))
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Error("schema setup failed", obs.Err(err))
		os.Exit(1)
	}

	q := queue.New(rdb, cfg)
	g := graph.New(rdb)

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	mgr := workerpool.NewManager(logger)
	mon := monitor.New(st, q, g, mgr, cfg)

	if monitorOnce {
		status, err := mon.Collect(ctx)
		if err != nil {
			logger.Error("collect status failed", obs.Err(err))
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(b))
		return
	}

	llm := llmclient.NewRateLimited(llmclient.NewHTTPClient(cfg.LLM.Endpoint, cfg.LLM.APIKey), cfg.LLM)

	orchestrator := triangulation.NewOrchestrator(cfg.Triangulation, triangulation.DefaultRoster(cfg.Triangulation.Roster, llm))

	analysisWorker := analysis.New(st, llm, logger)
	relationshipsWorker := relationships.New(st, llm, logger)
	confidenceWorker := confidence.NewWorker(st, cfg.Confidence, q, logger)
	triangulationWorker := triangulation.NewWorker(st, orchestrator, logger)
	graphWorker := graph.NewWorker(st, g, logger)

	mgr.Register(config.QueueFileAnalysis, q, cfg.WorkerPools[config.QueueFileAnalysis], cfg.CircuitBreaker, analysisWorker.Process)
	mgr.Register(config.QueueRelationships, q, cfg.WorkerPools[config.QueueRelationships], cfg.CircuitBreaker, relationshipsWorker.Process)
	mgr.Register(config.QueueScoring, q, cfg.WorkerPools[config.QueueScoring], cfg.CircuitBreaker, confidenceWorker.Process)
	mgr.Register(config.QueueTriangulation, q, cfg.WorkerPools[config.QueueTriangulation], cfg.CircuitBreaker, triangulationWorker.Process)
	mgr.Register(config.QueueGraphMerge, q, cfg.WorkerPools[config.QueueGraphMerge], cfg.CircuitBreaker, graphWorker.Process)

	publisher := outbox.NewPublisher(st.DB, q, logger, cfg.Outbox)
	rep := reaper.New(cfg, rdb, logger)

	coord := shutdown.New(cfg.Shutdown, logger)
	coord.Register(shutdown.StateWorkers, "worker_pools", 10, func(ctx context.Context) error {
		cancel()
		return nil
	})
	coord.Register(shutdown.StateManagers, "outbox_publisher", 10, func(ctx context.Context) error {
		publisher.Stop()
		return nil
	})
	coord.Register(shutdown.StateConnections, "http_server", 10, func(ctx context.Context) error {
		return httpSrv.Shutdown(ctx)
	})
	coord.Register(shutdown.StateConnections, "store", 5, func(ctx context.Context) error {
		return st.Close()
	})
	coord.Register(shutdown.StateCleanup, "redis_client", 1, func(ctx context.Context) error {
		return rdb.Close()
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		go func() {
			sig2 := <-sigCh
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		}()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.TotalTimeout+5*time.Second)
		defer shutdownCancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown did not complete cleanly", obs.Err(err))
			os.Exit(1)
		}
		os.Exit(0)
	}()

	go rep.Run(ctx)
	go publisher.Run(ctx)
	go mgr.Start(ctx)

	if err := runTarget(ctx, cfg, st, q, logger); err != nil {
		logger.Error("initial scan failed", obs.Err(err))
		os.Exit(1)
	}

	<-ctx.Done()
}

// runTarget discovers every file under cfg.Scanner.ScanDir, batches them
// per the configured batching policy, and enqueues one file_analysis job
// per batch. This is the one-shot producer side of the pipeline: once
// queued, C5 through C9 drain the backlog independently.
func runTarget(ctx context.Context, cfg *config.Config, st *store.Store, q *queue.Queue, logger *zap.Logger) error {
	sc := scanner.New(cfg, st, logger)
	discovered, err := sc.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(discovered) == 0 {
		logger.Info("no files discovered", obs.String("scan_dir", cfg.Scanner.ScanDir))
		return nil
	}

	files := make([]batcher.FileMeta, 0, len(discovered))
	for _, df := range discovered {
		content, err := os.ReadFile(df.Path)
		if err != nil {
			logger.Warn("re-read for batching failed", obs.String("path", df.Path), obs.Err(err))
			continue
		}
		files = append(files, batcher.FileMeta{Path: df.Path, Content: string(content), Chars: len(content)})
	}

	batches := batcher.Construct(cfg.Batcher, files)
	for _, b := range batches {
		job, err := queue.NewJob(config.QueueFileAnalysis, b, "", "")
		if err != nil {
			return fmt.Errorf("build job: %w", err)
		}
		dedup := ""
		if len(b.Files) > 0 {
			dedup = b.Files[0].Path
		}
		if err := q.Enqueue(ctx, job, dedup); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
	}
	logger.Info("scan enqueued", obs.Int("files", len(discovered)), obs.Int("batches", len(batches)))
	return nil
}
