// Package schedule decides whether a proposed booking window collides with a
// driver's existing trips.
package schedule

import (
	"context"
	"time"

	"github.com/example/driver-availability/internal/models"
)

// DefaultDurationMinutes is assumed when a booking does not say how long it lasts.
const DefaultDurationMinutes = 30

// HasConflict reports whether [start, start+minutes] overlaps the window of any
// active trip. Both windows are closed, so touching endpoints conflict.
// Trips without a duration never conflict.
func HasConflict(trips []models.Trip, start time.Time, minutes int) bool {
	return FirstConflict(trips, start, minutes) != nil
}

// FirstConflict is HasConflict returning the blocking trip.
func FirstConflict(trips []models.Trip, start time.Time, minutes int) *models.Trip {
	end := start.Add(time.Duration(minutes) * time.Minute)
	for i := range trips {
		t := &trips[i]
		if !t.Status.Active() {
			continue
		}
		s, e, ok := t.Window()
		if !ok {
			continue
		}
		if !s.After(end) && !e.Before(start) {
			return t
		}
	}
	return nil
}

// TripSource yields the active trips of a driver.
type TripSource interface {
	ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error)
}

// Detector checks proposed windows against a trip source. It never writes.
type Detector struct {
	trips TripSource
}

func NewDetector(trips TripSource) *Detector {
	return &Detector{trips: trips}
}

// HasConflict uses DefaultDurationMinutes when minutes is not positive.
func (d *Detector) HasConflict(ctx context.Context, driverID string, start time.Time, minutes int) (bool, error) {
	if minutes <= 0 {
		minutes = DefaultDurationMinutes
	}
	trips, err := d.trips.ActiveTrips(ctx, driverID)
	if err != nil {
		return false, err
	}
	return HasConflict(trips, start, minutes), nil
}
