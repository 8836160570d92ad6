// Package app builds the services from configuration. Every binary goes
// through here so the API, the consumer and the sync command agree on which
// backends are in use.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-availability/internal/availability"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/config"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/ingest"
	"github.com/example/driver-availability/internal/storage"
	"github.com/example/driver-availability/internal/telemetry"
	"github.com/example/driver-availability/internal/trips"
)

// Deps holds the infrastructure chosen from configuration. Without PG_DSN the
// in-memory store is used; without REDIS_ADDR the in-process index and cache.
type Deps struct {
	Store     storage.Store
	Geo       geo.Geo
	Cache     cache.Cache
	Publisher *ingest.KafkaPublisher

	redis *redis.Client
	pg    *storage.PostgresStore
}

func Build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Deps, error) {
	d := &Deps{}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN, storage.ParseMetric(cfg.DistanceMetric))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.pg = pg
		d.Store = pg
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated")
		}
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		d.Store = storage.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		d.Geo = geo.NewRedisGeo(d.redis, cfg.RedisGeoKey)
		d.Cache = cache.NewRedis(d.redis)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process geo index and cache")
		d.Geo = geo.NewIndex()
		d.Cache = cache.NewMemory()
	}

	if len(cfg.KafkaBrokers) > 0 {
		d.Publisher = ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	return d, nil
}

// Availability returns the availability service configured from cfg.
func (d *Deps) Availability(cfg config.ServerConfig, logger *slog.Logger) *availability.Service {
	av := availability.NewService(d.Store, d.Geo, d.Cache, logger)
	av.CacheTTL = cfg.NearbyCacheTTL
	av.StaleAfter = cfg.StaleAfter
	av.Metric = storage.ParseMetric(cfg.DistanceMetric)
	if d.Publisher != nil {
		av.Publisher = d.Publisher
	}
	return av
}

// Trips returns the trip service. With a maps key, completed trips are
// priced on the driving distance, falling back to the straight line.
func (d *Deps) Trips(cfg config.ServerConfig, logger *slog.Logger) (*trips.Service, error) {
	tr := trips.NewService(d.Store, d.Cache, logger)
	tr.CacheTTL = cfg.TripCacheTTL
	if d.Publisher != nil {
		tr.Publisher = d.Publisher
	}
	if cfg.MapsAPIKey != "" {
		routes, err := telemetry.NewRoutes(cfg.MapsAPIKey)
		if err != nil {
			return nil, err
		}
		routes.Fallback = telemetry.StraightLine{}
		tr.Telemetry = routes
	}
	return tr, nil
}

// Sync returns the availability sync job for av, tuned from cfg.
func Sync(cfg config.ServerConfig, av *availability.Service, logger *slog.Logger) *availability.Sync {
	s := availability.NewSync(av, logger)
	s.Attempts = cfg.SyncAttempts
	s.Timeout = cfg.SyncTimeout
	s.RadiusKm = cfg.SyncRadiusKm
	s.TTL = cfg.NearbyCacheTTL
	if len(cfg.SyncPoints) > 0 {
		s.HotSpots = cfg.SyncPoints
	}
	return s
}

// Shared reports whether the geo index and nearby cache live outside this
// process. A one-shot sync is only useful when they do.
func (d *Deps) Shared() bool { return d.redis != nil }

// Ready pings whichever backends are configured.
func (d *Deps) Ready(ctx context.Context) error {
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if d.pg != nil {
		if err := d.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (d *Deps) Close() {
	if d.Publisher != nil {
		_ = d.Publisher.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pg != nil {
		_ = d.pg.Close()
	}
}
