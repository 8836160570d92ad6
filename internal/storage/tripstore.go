package storage

import (
	"context"
	"sort"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/models"
)

// BookingTx is the view of the store available while a driver is locked for
// booking. Everything done through it commits or rolls back together.
type BookingTx interface {
	ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error)
	InsertTrip(ctx context.Context, t *models.Trip) error
}

// TripStore defines persistence operations for trips.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// ActiveTrips returns the driver's scheduled and in-progress trips.
	ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error)
	// InProgressTrips returns the driver's in-progress trips, newest first.
	InProgressTrips(ctx context.Context, driverID string) ([]models.Trip, error)
	// UserTrips returns every trip of a user by scheduled time, newest first.
	UserTrips(ctx context.Context, userID string) ([]models.Trip, error)

	// LockDriver runs fn while holding an exclusive lock on the driver. The
	// driver record passed to fn is read under that lock. A NotFound error is
	// returned when the driver does not exist.
	LockDriver(ctx context.Context, driverID string, fn func(ctx context.Context, d models.DriverLocation, tx BookingTx) error) error

	// Transition loads the trip under a lock, lets fn mutate it and persists
	// the result only when fn returns nil.
	Transition(ctx context.Context, tripID string, fn func(t *models.Trip) error) (*models.Trip, error)
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.NotFound("trip " + id + " not found")
	}
	return &t, nil
}

// PutTrip stores a trip as is, bypassing booking checks.
func (m *MemoryStore) PutTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
}

func (m *MemoryStore) filterTrips(keep func(models.Trip) bool) []models.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) ActiveTrips(_ context.Context, driverID string) ([]models.Trip, error) {
	out := m.filterTrips(func(t models.Trip) bool {
		return t.DriverID == driverID && t.Status.Active()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *MemoryStore) InProgressTrips(_ context.Context, driverID string) ([]models.Trip, error) {
	out := m.filterTrips(func(t models.Trip) bool {
		return t.DriverID == driverID && t.Status == models.TripInProgress
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UserTrips(_ context.Context, userID string) ([]models.Trip, error) {
	out := m.filterTrips(func(t models.Trip) bool { return t.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (m *MemoryStore) LockDriver(ctx context.Context, driverID string, fn func(ctx context.Context, d models.DriverLocation, tx BookingTx) error) error {
	unlock := m.driverLocks.lock(driverID)
	defer unlock()

	d, err := m.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	tx := &memoryBookingTx{store: m}
	if err := fn(ctx, *d, tx); err != nil {
		return err
	}
	m.mu.Lock()
	for _, t := range tx.pending {
		m.trips[t.ID] = t
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, tripID string, fn func(t *models.Trip) error) (*models.Trip, error) {
	unlock := m.tripLocks.lock(tripID)
	defer unlock()

	t, err := m.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.trips[t.ID] = *t
	m.mu.Unlock()
	return t, nil
}

// memoryBookingTx buffers inserts until the locked section succeeds.
type memoryBookingTx struct {
	store   *MemoryStore
	pending []models.Trip
}

func (tx *memoryBookingTx) ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	out, err := tx.store.ActiveTrips(ctx, driverID)
	if err != nil {
		return nil, err
	}
	for _, t := range tx.pending {
		if t.DriverID == driverID && t.Status.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (tx *memoryBookingTx) InsertTrip(_ context.Context, t *models.Trip) error {
	tx.pending = append(tx.pending, *t)
	return nil
}
