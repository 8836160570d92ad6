package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
)

// Metric selects how the relational fallback measures distance.
type Metric string

const (
	MetricHaversine Metric = "haversine"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric defaults to haversine for anything it does not know.
func ParseMetric(s string) Metric {
	if Metric(s) == MetricManhattan {
		return MetricManhattan
	}
	return MetricHaversine
}

// kmPerDegree converts the Manhattan degree sum into an approximate distance.
const kmPerDegree = 111.0

// NearbyScan describes a direct distance scan over the driver table, used when
// no geo index is configured. A zero UpdatedAfter disables the staleness bound.
type NearbyScan struct {
	Center       models.Coord
	RadiusKm     float64
	Metric       Metric
	UpdatedAfter time.Time
}

// DriverStore is the durable LocationStore.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.DriverLocation, error)
	UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
	UpdateAvailability(ctx context.Context, id string, available bool) error
	// ListLocated returns every driver with a known position.
	ListLocated(ctx context.Context) ([]models.DriverLocation, error)
	// FindNearby returns available drivers ordered by the scan metric.
	FindNearby(ctx context.Context, q NearbyScan) ([]models.NearbyDriver, error)
}

type VehicleStore interface {
	VehicleTypeExists(ctx context.Context, name string) (bool, error)
	// ActiveVehicle returns nil without error when the driver has no active
	// vehicle of that type.
	ActiveVehicle(ctx context.Context, driverID, vehicleType string) (*models.Vehicle, error)
	DriversWithVehicleType(ctx context.Context, driverIDs []string, vehicleType string) (map[string]bool, error)
}

// Store bundles everything the services need from persistence.
type Store interface {
	DriverStore
	VehicleStore
	TripStore
}

// MemoryStore is the in-process Store used by tests and local runs without
// Postgres.
type MemoryStore struct {
	mu           sync.RWMutex
	drivers      map[string]models.DriverLocation
	vehicles     map[string]models.Vehicle
	vehicleTypes map[string]struct{}
	trips        map[string]models.Trip

	driverLocks *keyedMutex
	tripLocks   *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:      make(map[string]models.DriverLocation),
		vehicles:     make(map[string]models.Vehicle),
		vehicleTypes: make(map[string]struct{}),
		trips:        make(map[string]models.Trip),
		driverLocks:  newKeyedMutex(),
		tripLocks:    newKeyedMutex(),
	}
}

// PutDriver inserts or replaces a driver record.
func (m *MemoryStore) PutDriver(d models.DriverLocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.DriverID] = d
}

func (m *MemoryStore) AddVehicleType(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.vehicleTypes[n] = struct{}{}
	}
}

// PutVehicle registers the vehicle and its type.
func (m *MemoryStore) PutVehicle(v models.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	m.vehicleTypes[v.VehicleType] = struct{}{}
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.NotFound("driver " + id + " not found")
	}
	return &d, nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.NotFound("driver " + id + " not found")
	}
	loc := c
	ts := at
	d.Loc = &loc
	d.UpdatedAt = &ts
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) UpdateAvailability(_ context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.NotFound("driver " + id + " not found")
	}
	d.Available = available
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) ListLocated(_ context.Context) ([]models.DriverLocation, error) {
	m.mu.RLock()
	out := make([]models.DriverLocation, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Loc != nil {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *MemoryStore) FindNearby(_ context.Context, q NearbyScan) ([]models.NearbyDriver, error) {
	m.mu.RLock()
	out := make([]models.NearbyDriver, 0)
	for _, d := range m.drivers {
		if !d.Available || d.Loc == nil {
			continue
		}
		if !q.UpdatedAfter.IsZero() && d.UpdatedAt != nil && d.UpdatedAt.Before(q.UpdatedAfter) {
			continue
		}
		if dist, ok := scanDistance(q, *d.Loc); ok {
			out = append(out, models.NearbyDriver{DriverID: d.DriverID, DistanceKm: dist})
		}
	}
	m.mu.RUnlock()
	geo.SortByDistance(out)
	return out, nil
}

func scanDistance(q NearbyScan, p models.Coord) (float64, bool) {
	c := q.Center
	if q.Metric == MetricManhattan {
		if !geo.WithinManhattan(c.Lat, c.Lon, p.Lat, p.Lon, q.RadiusKm) {
			return 0, false
		}
		return geo.Manhattan(c.Lat, c.Lon, p.Lat, p.Lon) * kmPerDegree, true
	}
	d := geo.Haversine(c.Lat, c.Lon, p.Lat, p.Lon)
	return d, d < q.RadiusKm
}

func (m *MemoryStore) VehicleTypeExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vehicleTypes[name]
	return ok, nil
}

func (m *MemoryStore) ActiveVehicle(_ context.Context, driverID, vehicleType string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Vehicle
	for _, v := range m.vehicles {
		if v.DriverID != driverID || v.VehicleType != vehicleType || !v.Active {
			continue
		}
		// lowest id wins so repeated bookings pick the same vehicle
		if found == nil || v.ID < found.ID {
			vv := v
			found = &vv
		}
	}
	return found, nil
}

func (m *MemoryStore) DriversWithVehicleType(_ context.Context, driverIDs []string, vehicleType string) (map[string]bool, error) {
	want := make(map[string]bool, len(driverIDs))
	for _, id := range driverIDs {
		want[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, v := range m.vehicles {
		if v.Active && v.VehicleType == vehicleType && want[v.DriverID] {
			out[v.DriverID] = true
		}
	}
	return out, nil
}

// keyedMutex hands out one mutex per key. Entries are dropped once no caller
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
