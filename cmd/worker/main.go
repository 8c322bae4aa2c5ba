// Package main implements the taskorch worker process.
// The worker runs a pool of worker loops against the configured backend and
// reports their outcomes back to the task manager.
//
// Features:
//   - N concurrent worker loops sharing one task supplier
//   - Prometheus metrics exposed on server.metrics_addr (default :8080/metrics)
//   - SIGINT/SIGTERM cancel the running tasks with requeue, then exit
//   - Background promotion of delayed retries and queue depth collection on Redis
//
// Usage:
//
//	go run ./cmd/worker -config config.yaml
//
// Every setting can be overridden with TASKORCH_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/backend"
	"github.com/guido-cesarano/taskorch/pkg/config"
	"github.com/guido-cesarano/taskorch/pkg/jobs"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/queue"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid log configuration")
	}

	registry := worker.NewRegistry()
	if err := jobs.Register(registry); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register tasks")
	}
	if cfg.Worker.TaskName != "" {
		if err := registry.Validate(cfg.Worker.TaskName); err != nil {
			logger.Log.Fatal().Err(err).Msg("Worker bootstrapped for an unregistered task")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer b.Close()

	// Start Prometheus metrics server
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	defer metricsServer.Close()

	if err := run(ctx, cfg, b, registry); err != nil {
		logger.Log.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}
	logger.Log.Info().Msg("Worker stopped")
}

// run serves tasks until a termination signal arrives or every loop exits.
func run(ctx context.Context, cfg *config.Config, b *backend.Backend, registry *worker.Registry) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if b.Name == backend.Temporal {
		w, err := b.NewTemporalWorker(registry)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			<-sigChan
			logger.Log.Info().Msg("Shutting down worker...")
			cancel()
		}()
		return w.Run(ctx)
	}

	supplier, err := b.Supplier(registry)
	if err != nil {
		return err
	}
	defer supplier.Close()

	if client := b.QueueClient(); client != nil {
		go client.StartScheduler(ctx)
		go collectQueueMetrics(ctx, client)
	}

	loops := make([]*worker.Loop, cfg.Worker.Parallelism)
	for i := range loops {
		loops[i] = worker.NewLoop(supplier, registry, worker.Options{
			PollTimeout:      cfg.Worker.PollTimeout,
			ProgressInterval: cfg.Worker.ProgressInterval,
		})
	}

	go func() {
		select {
		case <-sigChan:
			logger.Log.Info().Msg("Shutting down worker...")
			for _, l := range loops {
				l.Terminate()
			}
		case <-ctx.Done():
		}
	}()

	logger.Log.Info().Int("parallelism", len(loops)).Str("key", b.WorkerKey()).Strs("tasks", registry.Names()).Msg("Worker started. Waiting for tasks...")
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error {
			_, err := l.Run(gctx)
			if errors.Is(err, tasks.ErrTransportClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// collectQueueMetrics periodically refreshes the queue depth gauges from Redis.
func collectQueueMetrics(ctx context.Context, client *queue.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.GetQueueDepths(ctx)
		}
	}
}
