package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/observability"
)

// DefaultHotSpots are pre-warmed on every sync: city centre, airport, train
// station and a shopping mall.
var DefaultHotSpots = []models.Coord{
	{Lat: 40.7128, Lon: -74.0060},
	{Lat: 40.6413, Lon: -73.7781},
	{Lat: 40.7506, Lon: -73.9939},
	{Lat: 40.7516, Lon: -73.9755},
}

const (
	DefaultSyncAttempts = 3
	DefaultSyncTimeout  = 60 * time.Second
	DefaultSyncBackoff  = time.Second
)

// SyncResult counts what one successful sync pass did.
type SyncResult struct {
	Indexed   int
	Pruned    int
	Prewarmed int
}

// Sync reconciles the geo index with the driver store and pre-warms the nearby
// cache for a fixed set of hot spots. A pass is a best-effort batch: entries
// written before a failure are kept.
type Sync struct {
	Service  *Service
	HotSpots []models.Coord
	RadiusKm float64
	TTL      time.Duration
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
	Logger   *slog.Logger
}

func NewSync(svc *Service, logger *slog.Logger) *Sync {
	return &Sync{
		Service:  svc,
		HotSpots: DefaultHotSpots,
		RadiusKm: DefaultRadiusKm,
		TTL:      DefaultCacheTTL,
		Attempts: DefaultSyncAttempts,
		Timeout:  DefaultSyncTimeout,
		Backoff:  DefaultSyncBackoff,
		Logger:   logger,
	}
}

// RunOnce performs a single pass without retries.
func (s *Sync) RunOnce(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	svc := s.Service
	now := svc.now()

	drivers, err := svc.Store.ListLocated(ctx)
	if err != nil {
		return res, fmt.Errorf("list drivers: %w", err)
	}
	if svc.Geo != nil {
		for _, d := range drivers {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if d.Stale(now, svc.StaleAfter) {
				if err := svc.Geo.Remove(ctx, d.DriverID); err != nil {
					return res, fmt.Errorf("prune %s: %w", d.DriverID, err)
				}
				res.Pruned++
				continue
			}
			if err := svc.Geo.Upsert(ctx, d.DriverID, *d.Loc); err != nil {
				return res, fmt.Errorf("index %s: %w", d.DriverID, err)
			}
			if err := svc.Geo.SetAvailable(ctx, d.DriverID, d.Available); err != nil {
				return res, fmt.Errorf("mirror %s: %w", d.DriverID, err)
			}
			res.Indexed++
		}
		observability.DriversIndexed.Set(float64(res.Indexed))
		observability.SyncPrunedTotal.Add(float64(res.Pruned))
	}

	for _, p := range s.HotSpots {
		found, err := svc.compute(ctx, p, s.RadiusKm)
		if err != nil {
			return res, fmt.Errorf("prewarm %v,%v: %w", p.Lat, p.Lon, err)
		}
		if len(found) == 0 {
			continue
		}
		svc.writeCache(ctx, NearbyKey(p.Lat, p.Lon, s.RadiusKm), found, s.TTL)
		res.Prewarmed++
	}
	observability.SyncPrewarmTotal.Add(float64(res.Prewarmed))
	return res, nil
}

// Run retries RunOnce up to Attempts times, each bounded by Timeout. The last
// error is returned once attempts are exhausted.
func (s *Sync) Run(ctx context.Context) (SyncResult, error) {
	attempts := s.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.Backoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, s.Timeout)
		res, err := s.RunOnce(attemptCtx)
		cancel()
		observability.SyncDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			observability.SyncRuns.WithLabelValues("success").Inc()
			s.Logger.Info("driver availability processed",
				"attempt", i, "indexed", res.Indexed, "pruned", res.Pruned, "prewarmed", res.Prewarmed)
			return res, nil
		}
		lastErr = err
		observability.SyncRuns.WithLabelValues("retry").Inc()
		s.Logger.Warn("driver availability attempt failed", "attempt", i, "of", attempts, "error", err)

		if i == attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if ctx.Err() != nil {
		lastErr = errors.Join(lastErr, ctx.Err())
	}
	observability.SyncRuns.WithLabelValues("failure").Inc()
	s.Logger.Error("driver availability sync failed", "attempts", attempts, "error", lastErr)
	return SyncResult{}, fmt.Errorf("availability sync failed: %w", lastErr)
}

// RunEvery runs the sync immediately and then on every tick until ctx ends.
// Failures are logged and counted by Run; the loop keeps going.
func (s *Sync) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = s.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
