package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-availability/internal/app"
	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/config"
	"github.com/example/driver-availability/internal/ingest"
	"github.com/example/driver-availability/internal/logging"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/observability"
)

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("consumer setup failed", "error", err)
		os.Exit(1)
	}
	defer infra.Close()
	av := infra.Availability(cfg, logger)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := infra.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)
	consume(ctx, r, av, logger)
}

// MessageReader is the subset of *kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationUpdater applies one location to the driver record, index and cache.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, c models.Coord) error
}

const maxReadBackoff = 30 * time.Second

func consume(ctx context.Context, r MessageReader, u LocationUpdater, logger *slog.Logger) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		handleMessage(ctx, m, u, logger)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, u LocationUpdater, logger *slog.Logger) {
	p, err := ingest.DecodeLocation(m.Value)
	if err != nil {
		observability.LocationMessages.WithLabelValues("invalid").Inc()
		logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if err := updateWithRetry(ctx, u, p, 3, 200*time.Millisecond); err != nil {
		observability.LocationMessages.WithLabelValues("failed").Inc()
		logger.Error("location update failed", "driver_id", p.DriverID, "error", err)
		return
	}
	observability.LocationMessages.WithLabelValues("applied").Inc()
}

// updateWithRetry retries transient failures with doubling delay. Validation
// and unknown-driver errors are returned at once.
func updateWithRetry(ctx context.Context, u LocationUpdater, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = u.UpdateLocation(ctx, p.DriverID, p.Loc)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
