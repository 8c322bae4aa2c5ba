// Package main measures task throughput of a backend end to end.
// It starts sum tasks through the task manager and waits until every one of
// them reaches a final state. Workers must be running against the same backend.
//
// Usage:
//
//	go run ./benchmark -config config.yaml -tasks 10000 -producers 10
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/backend"
	"github.com/guido-cesarano/taskorch/pkg/config"
	"github.com/guido-cesarano/taskorch/pkg/jobs"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	numTasks := flag.Int("tasks", 10000, "Number of tasks to start")
	numProducers := flag.Int("producers", 10, "Number of concurrent producers")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	_ = logger.Setup("warn", cfg.Log.Format)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer b.Close()
	m, err := b.Manager(ctx)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to create task manager")
	}
	if err := m.Clear(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to clear backend")
	}

	fmt.Printf("Task Benchmark (%s)\n", b.Name)
	fmt.Printf("=================\n")
	fmt.Printf("Tasks to start: %d\n", *numTasks)
	fmt.Printf("Concurrent producers: %d\n\n", *numProducers)

	fmt.Printf("Starting submission phase...\n")
	startSubmit := time.Now()

	perProducer := *numTasks / *numProducers
	g, gctx := errgroup.WithContext(ctx)
	for i := range *numProducers {
		g.Go(func() error {
			for j := range perProducer {
				args := tasks.NewArguments("a", i, "b", j)
				if _, err := manager.StartNamed(gctx, m, jobs.Sum, "benchmark", "", args); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Submission failed")
	}
	submitted := perProducer * *numProducers
	submitTime := time.Since(startSubmit)

	fmt.Printf("✓ Started %d tasks in %s\n", submitted, submitTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(submitted)/submitTime.Seconds())

	fmt.Printf("Waiting for all tasks to finish...\n")
	startProcess := time.Now()
	done, err := manager.WaitTasksDone(ctx, m, 2*time.Second)
	if err != nil {
		logger.Log.Fatal().Err(err).Int("finished", len(done)).Msg("Tasks did not finish")
	}
	processTime := time.Since(startProcess)

	failed := 0
	for _, t := range done {
		if t.State != tasks.StateDone {
			failed++
		}
	}

	fmt.Printf("\n✓ All tasks finished in %s (%d not DONE)\n", processTime, failed)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(submitted)/processTime.Seconds())

	totalTime := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(submitted)/totalTime.Seconds())
}
