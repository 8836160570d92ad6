package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverLocation is the durable availability record kept per driver.
// Loc is nil until the driver has reported a position.
type DriverLocation struct {
	DriverID  string     `json:"driver_id" db:"id"`
	Loc       *Coord     `json:"loc,omitempty"`
	Available bool       `json:"available" db:"is_available"`
	UpdatedAt *time.Time `json:"location_updated_at,omitempty" db:"location_updated_at"`
	Rating    *float64   `json:"rating,omitempty" db:"rating"`
}

// Stale reports whether the last position is older than maxAge at now.
// A driver without a timestamp is never stale.
func (d DriverLocation) Stale(now time.Time, maxAge time.Duration) bool {
	if d.UpdatedAt == nil {
		return false
	}
	return now.Sub(*d.UpdatedAt) > maxAge
}

// NearbyDriver is one entry of a radius query result.
type NearbyDriver struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

type Vehicle struct {
	ID          string `json:"id" db:"id"`
	DriverID    string `json:"driver_id" db:"driver_id"`
	VehicleType string `json:"vehicle_type" db:"vehicle_type"`
	Active      bool   `json:"is_active" db:"is_active"`
}

type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// ParseTripStatus maps a status name to a TripStatus.
func ParseTripStatus(s string) (TripStatus, bool) {
	switch TripStatus(s) {
	case TripScheduled, TripInProgress, TripCompleted, TripCancelled:
		return TripStatus(s), true
	}
	return "", false
}

// Active reports whether a trip in this status still occupies the driver.
func (s TripStatus) Active() bool {
	return s == TripScheduled || s == TripInProgress
}

type Trip struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	DriverID           string     `json:"driver_id"`
	VehicleID          string     `json:"vehicle_id"`
	Status             TripStatus `json:"status"`
	Origin             Coord      `json:"origin"`
	OriginAddress      string     `json:"origin_address"`
	Destination        Coord      `json:"destination"`
	DestinationAddress string     `json:"destination_address"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationMinutes    *int       `json:"duration_minutes,omitempty"`
	DistanceKm         *float64   `json:"distance_km,omitempty"`
	BaseFare           float64    `json:"base_fare"`
	DistanceFare       float64    `json:"distance_fare"`
	TimeFare           float64    `json:"time_fare"`
	TotalFare          float64    `json:"total_fare"`
	PaymentMethod      string     `json:"payment_method"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Window returns the closed scheduling window of the trip. ok is false when
// the trip has no duration.
func (t Trip) Window() (start, end time.Time, ok bool) {
	if t.DurationMinutes == nil {
		return time.Time{}, time.Time{}, false
	}
	return t.ScheduledAt, t.ScheduledAt.Add(time.Duration(*t.DurationMinutes) * time.Minute), true
}

// BookingRequest carries everything needed to book a trip.
type BookingRequest struct {
	UserID             string    `json:"user_id"`
	DriverID           string    `json:"driver_id"`
	VehicleType        string    `json:"vehicle_type"`
	Origin             Coord     `json:"origin"`
	OriginAddress      string    `json:"origin_address"`
	Destination        Coord     `json:"destination"`
	DestinationAddress string    `json:"destination_address"`
	ScheduledAt        time.Time `json:"scheduled_at"`
	DurationMinutes    *int      `json:"estimated_duration_minutes,omitempty"`
	PaymentMethod      string    `json:"payment_method"`
}

// DriverEvent is published whenever a driver's position or availability changes.
type DriverEvent struct {
	Type      string    `json:"type"`
	DriverID  string    `json:"driver_id"`
	Loc       *Coord    `json:"loc,omitempty"`
	Available *bool     `json:"available,omitempty"`
	At        time.Time `json:"at"`
}

// TripEvent is published and pushed to the driver on booking and status changes.
type TripEvent struct {
	Type   string     `json:"type"`
	TripID string     `json:"trip_id"`
	Status TripStatus `json:"status"`
	Trip   *Trip      `json:"trip,omitempty"`
	At     time.Time  `json:"at"`
}

// LocationPing is the device telemetry message consumed from Kafka.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}
