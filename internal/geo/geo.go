package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/driver-availability/internal/models"
)

const EarthRadiusKm = 6371.0

// Geo is the index interface used by the availability service and the sync
// job. It mirrors driver positions and availability flags.
type Geo interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
	Remove(ctx context.Context, driverID string) error
	QueryRadius(ctx context.Context, c models.Coord, radiusKm float64) ([]models.NearbyDriver, error)
	SetAvailable(ctx context.Context, driverID string, available bool) error
	Available(ctx context.Context, driverID string) (bool, error)
}

// cellPrecision buckets the in-memory index into geohash cells of roughly
// 39 km x 19.5 km.
const cellPrecision = 4

// Index is the in-process Geo. Drivers are bucketed by geohash cell so a
// small-radius query only visits the centre cell and its 8 neighbours.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.Coord
	cellOf    map[string]string
	cells     map[string]map[string]struct{}
	available map[string]bool
}

func NewIndex() *Index {
	return &Index{
		drivers:   make(map[string]models.Coord),
		cellOf:    make(map[string]string),
		cells:     make(map[string]map[string]struct{}),
		available: make(map[string]bool),
	}
}

func (g *Index) Upsert(_ context.Context, driverID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cell := geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
	if prev, ok := g.cellOf[driverID]; ok && prev != cell {
		g.leaveCell(driverID, prev)
	}
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][driverID] = struct{}{}
	g.cellOf[driverID] = cell
	g.drivers[driverID] = c
	return nil
}

func (g *Index) leaveCell(driverID, cell string) {
	members := g.cells[cell]
	delete(members, driverID)
	if len(members) == 0 {
		delete(g.cells, cell)
	}
}

// Remove drops the position and the availability flag of a driver.
func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cell, ok := g.cellOf[driverID]; ok {
		g.leaveCell(driverID, cell)
	}
	delete(g.cellOf, driverID)
	delete(g.drivers, driverID)
	delete(g.available, driverID)
	return nil
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available[driverID] = available
	return nil
}

func (g *Index) Available(_ context.Context, driverID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.available[driverID], nil
}

func (g *Index) QueryRadius(_ context.Context, c models.Coord, radiusKm float64) ([]models.NearbyDriver, error) {
	g.mu.RLock()
	out := make([]models.NearbyDriver, 0)
	visit := func(id string, loc models.Coord) {
		if dist := Haversine(c.Lat, c.Lon, loc.Lat, loc.Lon); dist < radiusKm {
			out = append(out, models.NearbyDriver{DriverID: id, DistanceKm: dist})
		}
	}
	if cells, ok := neighbourhood(c, radiusKm); ok {
		for _, cell := range cells {
			for id := range g.cells[cell] {
				visit(id, g.drivers[id])
			}
		}
	} else {
		for id, loc := range g.drivers {
			visit(id, loc)
		}
	}
	g.mu.RUnlock()
	SortByDistance(out)
	return out, nil
}

// neighbourhood returns the centre cell and its neighbours when that 3x3
// block is guaranteed to contain the whole circle. ok is false when the radius
// is too large for the block or the point is near a pole or the antimeridian;
// the caller then scans everything.
func neighbourhood(c models.Coord, radiusKm float64) ([]string, bool) {
	if math.Abs(c.Lat) > 80 || math.Abs(c.Lon) > 179 {
		return nil, false
	}
	centre := geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
	box := geohash.BoundingBox(centre)
	edgeLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) + (box.MaxLat - box.MinLat)
	kmPerDeg := EarthRadiusKm * math.Pi / 180
	height := (box.MaxLat - box.MinLat) * kmPerDeg
	width := (box.MaxLng - box.MinLng) * kmPerDeg * math.Cos(edgeLat*math.Pi/180)
	// 10% margin for the gap between a parallel and a great circle
	if radiusKm > 0.9*math.Min(height, width) {
		return nil, false
	}
	return append(geohash.Neighbors(centre), centre), true
}

// Len returns the number of indexed drivers.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// SortByDistance orders results ascending by distance, ties by driver id.
func SortByDistance(ds []models.NearbyDriver) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].DistanceKm != ds[j].DistanceKm {
			return ds[i].DistanceKm < ds[j].DistanceKm
		}
		return ds[i].DriverID < ds[j].DriverID
	})
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Manhattan is the cheap |Δlat|+|Δlon| approximation in degrees. It is only
// meant for constrained environments; see WithinManhattan for the bound.
func Manhattan(lat1, lon1, lat2, lon2 float64) float64 {
	return math.Abs(lat1-lat2) + math.Abs(lon1-lon2)
}

// WithinManhattan reports whether both axis deltas are below radiusKm/111
// degrees (roughly one degree per 111 km at the equator).
func WithinManhattan(lat1, lon1, lat2, lon2, radiusKm float64) bool {
	bound := radiusKm / 111
	return math.Abs(lat1-lat2) < bound && math.Abs(lon1-lon2) < bound
}
