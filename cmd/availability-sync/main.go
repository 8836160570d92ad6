// Command availability-sync runs one availability sync pass on demand: it
// reconciles the geo index with the driver store and pre-warms the nearby
// cache. It exits non-zero when every attempt failed or when no shared
// (Redis) index and cache are configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/driver-availability/internal/app"
	"github.com/example/driver-availability/internal/config"
	"github.com/example/driver-availability/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("sync setup failed", "error", err)
		os.Exit(1)
	}
	if !infra.Shared() {
		logger.Error("REDIS_ADDR not set, nothing shared to sync into")
		infra.Close()
		os.Exit(1)
	}
	av := infra.Availability(cfg, logger)

	logger.Info("syncing driver availability")
	res, err := app.Sync(cfg, av, logger).Run(ctx)
	infra.Close()
	if err != nil {
		os.Exit(1)
	}
	fmt.Printf("indexed=%d pruned=%d prewarmed=%d\n", res.Indexed, res.Pruned, res.Prewarmed)
}
