package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/driver-availability/internal/app"
	"github.com/example/driver-availability/internal/config"
	"github.com/example/driver-availability/internal/dispatch"
	httpapi "github.com/example/driver-availability/internal/http"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	infra, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	wsreg := dispatch.NewWSRegistry(logger)
	av := infra.Availability(cfg, logger)
	tr, err := infra.Trips(cfg, logger)
	if err != nil {
		return err
	}
	tr.Notifier = wsreg

	go app.Sync(cfg, av, logger).RunEvery(ctx, cfg.SyncInterval)

	srv := httpapi.NewServer(av, tr, wsreg, logger)
	srv.Ready = infra.Ready

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("driver availability api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
