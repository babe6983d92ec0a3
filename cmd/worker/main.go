package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/call-orchestrator/internal/app"
	"github.com/acme/call-orchestrator/internal/telemetry"
)

// The worker process runs the queue processor, the lifecycle consumer and the
// maintenance jobs side by side. Any of them failing stops the process.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	consumer, closeReader := container.LifecycleConsumer()
	defer func() { _ = closeReader() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.QueueProcessor().Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return container.Maintenance().Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		container.Logger.Error("worker terminated", zap.Error(err))
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
