package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-availability/internal/models"
)

var at1400 = time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)

func trip(status models.TripStatus, start time.Time, minutes *int) models.Trip {
	return models.Trip{ID: "t", DriverID: "x", Status: status, ScheduledAt: start, DurationMinutes: minutes}
}

func mins(n int) *int { return &n }

func TestHasConflict(t *testing.T) {
	existing := []models.Trip{trip(models.TripScheduled, at1400, mins(30))}

	tests := []struct {
		name    string
		start   time.Time
		minutes int
		want    bool
	}{
		{"overlap inside", at1400.Add(15 * time.Minute), 30, true},
		{"same start", at1400, 30, true},
		{"covers existing", at1400.Add(-time.Hour), 120, true},
		{"touches end", at1400.Add(30 * time.Minute), 30, true},
		{"touches start", at1400.Add(-30 * time.Minute), 30, true},
		{"one minute after", at1400.Add(31 * time.Minute), 30, false},
		{"one minute before", at1400.Add(-31 * time.Minute), 30, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasConflict(existing, tc.start, tc.minutes))
		})
	}
}

func TestHasConflictIgnoresInactiveAndNullDuration(t *testing.T) {
	existing := []models.Trip{
		trip(models.TripScheduled, at1400, nil),
		trip(models.TripCompleted, at1400, mins(30)),
		trip(models.TripCancelled, at1400, mins(30)),
	}
	assert.False(t, HasConflict(existing, at1400, 30))

	existing = append(existing, trip(models.TripInProgress, at1400.Add(10*time.Minute), mins(5)))
	c := FirstConflict(existing, at1400, 30)
	require.NotNil(t, c)
	assert.Equal(t, models.TripInProgress, c.Status)
}

func TestHasConflictSymmetric(t *testing.T) {
	a := trip(models.TripScheduled, at1400, mins(45))
	for offset := -90; offset <= 90; offset += 5 {
		start := at1400.Add(time.Duration(offset) * time.Minute)
		b := trip(models.TripScheduled, start, mins(20))
		assert.Equal(t,
			HasConflict([]models.Trip{a}, start, 20),
			HasConflict([]models.Trip{b}, at1400, 45),
			"offset %d", offset)
	}
}

type fakeTrips struct {
	trips []models.Trip
	err   error
}

func (f fakeTrips) ActiveTrips(context.Context, string) ([]models.Trip, error) {
	return f.trips, f.err
}

func TestDetectorDefaultsDuration(t *testing.T) {
	d := NewDetector(fakeTrips{trips: []models.Trip{trip(models.TripScheduled, at1400.Add(29*time.Minute), mins(10))}})
	got, err := d.HasConflict(context.Background(), "x", at1400, 0)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = d.HasConflict(context.Background(), "x", at1400, 10)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestDetectorPropagatesError(t *testing.T) {
	d := NewDetector(fakeTrips{err: assert.AnError})
	_, err := d.HasConflict(context.Background(), "x", at1400, 30)
	assert.ErrorIs(t, err, assert.AnError)
}
