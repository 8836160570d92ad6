// Package availability answers "which drivers are free near here" and keeps
// the geo index and the nearby result cache in step with driver updates.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/observability"
	"github.com/example/driver-availability/internal/storage"
)

const (
	NearbyPrefix     = "drivers:available:near:"
	DefaultRadiusKm  = 5.0
	MinRadiusKm      = 0.1
	MaxRadiusKm      = 50.0
	DefaultCacheTTL  = 60 * time.Second
	DefaultStaleness = 5 * time.Minute

	// nearbyComputeTimeout bounds a shared lookup once it no longer belongs
	// to any single request.
	nearbyComputeTimeout = 10 * time.Second
)

// NearbyKey quantizes the centre to 3 decimals (about 111 m) so nearby
// callers share entries. The vehicle type is never part of the key.
func NearbyKey(lat, lon, radiusKm float64) string {
	return NearbyPrefix + formatNum(round3(lat)) + ":" + formatNum(round3(lon)) + ":" + formatNum(radiusKm)
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func formatNum(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

type NearbyQuery struct {
	Lat         float64
	Lon         float64
	RadiusKm    float64
	VehicleType string
}

// Store is the persistence the availability service needs.
type Store interface {
	storage.DriverStore
	storage.VehicleStore
}

// Publisher emits driver events.
type Publisher interface {
	PublishDriverEvent(ctx context.Context, ev models.DriverEvent) error
}

// Service owns the query and mutation paths. Geo may be nil, in which case
// queries fall back to a distance scan over the store. Publisher is optional.
type Service struct {
	Store      Store
	Geo        geo.Geo
	Cache      cache.Cache
	Publisher  Publisher
	Logger     *slog.Logger
	CacheTTL   time.Duration
	StaleAfter time.Duration
	Metric     storage.Metric

	group singleflight.Group
	now   func() time.Time
}

func NewService(store Store, g geo.Geo, c cache.Cache, logger *slog.Logger) *Service {
	return &Service{
		Store:      store,
		Geo:        g,
		Cache:      c,
		Logger:     logger,
		CacheTTL:   DefaultCacheTTL,
		StaleAfter: DefaultStaleness,
		Metric:     storage.MetricHaversine,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func validateCoord(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return apperr.Validation(fmt.Sprintf("latitude %v out of range [-90, 90]", lat))
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return apperr.Validation(fmt.Sprintf("longitude %v out of range [-180, 180]", lon))
	}
	return nil
}

// FindNearby returns available drivers strictly within the radius, nearest
// first. Results are served from the nearby cache when present.
func (s *Service) FindNearby(ctx context.Context, q NearbyQuery) ([]models.NearbyDriver, error) {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()

	if q.RadiusKm == 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if err := validateCoord(q.Lat, q.Lon); err != nil {
		return nil, err
	}
	if math.IsNaN(q.RadiusKm) || q.RadiusKm < MinRadiusKm || q.RadiusKm > MaxRadiusKm {
		return nil, apperr.Validation(fmt.Sprintf("radius %v out of range [%v, %v]", q.RadiusKm, MinRadiusKm, MaxRadiusKm))
	}
	if q.VehicleType != "" {
		ok, err := s.Store.VehicleTypeExists(ctx, q.VehicleType)
		if err != nil {
			return nil, apperr.Internal("find nearby", err)
		}
		if !ok {
			return nil, apperr.Validation("unknown vehicle type " + q.VehicleType)
		}
	}

	drivers, err := s.nearby(ctx, q.Lat, q.Lon, q.RadiusKm)
	if err != nil {
		return nil, err
	}
	if q.VehicleType == "" || len(drivers) == 0 {
		return drivers, nil
	}
	return s.filterVehicleType(ctx, drivers, q.VehicleType)
}

func (s *Service) nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.NearbyDriver, error) {
	key := NearbyKey(lat, lon, radiusKm)
	if cached, ok := s.readCache(ctx, key); ok {
		observability.NearbyQueries.WithLabelValues("hit").Inc()
		return cached, nil
	}
	observability.NearbyQueries.WithLabelValues("miss").Inc()

	// The flight runs detached from the request that started it; each caller
	// waits on its own context.
	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nearbyComputeTimeout)
		defer cancel()
		drivers, err := s.compute(fctx, models.Coord{Lat: lat, Lon: lon}, radiusKm)
		if err != nil {
			return nil, err
		}
		s.writeCache(fctx, key, drivers, s.CacheTTL)
		return drivers, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, apperr.Classify("find nearby", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, apperr.Classify("find nearby", res.Err)
	}
	// callers sharing a flight get the same slice
	shared := res.Val.([]models.NearbyDriver)
	out := make([]models.NearbyDriver, len(shared))
	copy(out, shared)
	return out, nil
}

// compute prefers the geo index filtered by the availability mirror and
// falls back to a store scan when there is no index.
func (s *Service) compute(ctx context.Context, c models.Coord, radiusKm float64) ([]models.NearbyDriver, error) {
	if s.Geo == nil {
		return s.Store.FindNearby(ctx, storage.NearbyScan{
			Center:       c,
			RadiusKm:     radiusKm,
			Metric:       s.Metric,
			UpdatedAfter: s.now().Add(-s.StaleAfter),
		})
	}
	candidates, err := s.Geo.QueryRadius(ctx, c, radiusKm)
	if err != nil {
		return nil, err
	}
	out := make([]models.NearbyDriver, 0, len(candidates))
	for _, d := range candidates {
		ok, err := s.Geo.Available(ctx, d.DriverID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) filterVehicleType(ctx context.Context, drivers []models.NearbyDriver, vehicleType string) ([]models.NearbyDriver, error) {
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.DriverID
	}
	has, err := s.Store.DriversWithVehicleType(ctx, ids, vehicleType)
	if err != nil {
		return nil, apperr.Internal("filter vehicle type", err)
	}
	out := make([]models.NearbyDriver, 0, len(drivers))
	for _, d := range drivers {
		if has[d.DriverID] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) readCache(ctx context.Context, key string) ([]models.NearbyDriver, bool) {
	b, ok, err := s.Cache.Get(ctx, key)
	if err != nil {
		s.Logger.Warn("nearby cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var out []models.NearbyDriver
	if err := json.Unmarshal(b, &out); err != nil {
		s.Logger.Warn("nearby cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	return out, true
}

func (s *Service) writeCache(ctx context.Context, key string, drivers []models.NearbyDriver, ttl time.Duration) {
	b, err := json.Marshal(drivers)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, key, b, ttl); err != nil {
		s.Logger.Warn("nearby cache write failed", "key", key, "error", err)
	}
}

// InvalidateNearby drops every cached nearby result. Keys come from caller
// coordinates, so there is no way to find only the entries a driver is in.
func (s *Service) InvalidateNearby(ctx context.Context) error {
	n, err := s.Cache.DeleteByPrefix(ctx, NearbyPrefix)
	if err != nil {
		return err
	}
	observability.CacheInvalidations.Inc()
	s.Logger.Debug("nearby cache invalidated", "keys", n)
	return nil
}

// UpdateLocation records a new position for the driver, mirrors it into the
// geo index and invalidates the nearby cache.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, c models.Coord) error {
	if err := validateCoord(c.Lat, c.Lon); err != nil {
		return err
	}
	now := s.now()
	if err := s.Store.UpdateLocation(ctx, driverID, c, now); err != nil {
		return apperr.Classify("update location", err)
	}
	if s.Geo != nil {
		d, err := s.Store.GetDriver(ctx, driverID)
		if err != nil {
			return apperr.Classify("update location", err)
		}
		if err := s.Geo.Upsert(ctx, driverID, c); err != nil {
			return apperr.Internal("update location index", err)
		}
		if err := s.Geo.SetAvailable(ctx, driverID, d.Available); err != nil {
			return apperr.Internal("update availability mirror", err)
		}
	}
	return s.afterMutation(ctx, "location", models.DriverEvent{Type: "driver_location", DriverID: driverID, Loc: &c, At: now})
}

// UpdateAvailability flips the availability flag in the store and the mirror
// and invalidates the nearby cache.
func (s *Service) UpdateAvailability(ctx context.Context, driverID string, available bool) error {
	if err := s.Store.UpdateAvailability(ctx, driverID, available); err != nil {
		return apperr.Classify("update availability", err)
	}
	if s.Geo != nil {
		if err := s.Geo.SetAvailable(ctx, driverID, available); err != nil {
			return apperr.Internal("update availability mirror", err)
		}
	}
	return s.afterMutation(ctx, "availability", models.DriverEvent{Type: "driver_availability", DriverID: driverID, Available: &available, At: s.now()})
}

// afterMutation fails only when the cache could not be invalidated; the
// store write has already happened by then.
func (s *Service) afterMutation(ctx context.Context, kind string, ev models.DriverEvent) error {
	observability.DriverUpdates.WithLabelValues(kind).Inc()
	if s.Publisher != nil {
		if err := s.Publisher.PublishDriverEvent(ctx, ev); err != nil {
			s.Logger.Warn("publish driver event failed", "driver_id", ev.DriverID, "error", err)
		}
	}
	if err := s.InvalidateNearby(ctx); err != nil {
		s.Logger.Error("nearby cache invalidation failed", "driver_id", ev.DriverID, "error", err)
		return apperr.Internal("invalidate nearby cache", err)
	}
	return nil
}
