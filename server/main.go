package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gammadia/ehos/config"
	"github.com/gammadia/ehos/metrics"
	"github.com/gammadia/ehos/queue"
	"github.com/gammadia/ehos/server/flags"
	"github.com/gammadia/ehos/server/log"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading, cancelled by the signal handler.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the scheduler and metrics goroutines.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("ehosd starting up...", "version", version, "commit", commit)

	// The configuration must be valid at startup, later failures only skip cycles
	file, err := config.Load(viper.GetString(flags.Config))
	if err != nil {
		log.Error("Failed to load configuration", "path", viper.GetString(flags.Config), "error", err)
		os.Exit(1)
	}

	// Connect to the job queue
	q, err := queue.New(ctx, queue.Config{
		Logger: log.Component("queue"),
		Addr:   viper.GetString(flags.QueueRedisAddr),
		DB:     viper.GetInt(flags.QueueRedisDB),
		Prefix: viper.GetString(flags.QueuePrefix),
	})
	if err != nil {
		log.Error("Failed to connect to the queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	m := metrics.New()

	// Setup scheduler, connecting every cloud
	if err := createScheduler(file, q, m); err != nil {
		log.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}

	if viper.GetBool(flags.Adopt) {
		if err := scheduler.Adopt(ctx); err != nil {
			log.Warn("Failed to adopt some existing servers", "error", err)
		}
	}

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
		scheduler.Shutdown()
	}()

	if addr := viper.GetString(flags.MetricsListen); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Serve(ctx, addr, log.Component("metrics")); err != nil {
				log.Error("Failed to serve metrics", "error", err)
				cancel()
			}
		}()
	}

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles SIGINT and SIGTERM with a double-tap pattern:
// the first signal cancels ctx, the second one forces an immediate exit.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
