package trips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/observability"
	"github.com/example/driver-availability/internal/schedule"
	"github.com/example/driver-availability/internal/storage"
	"github.com/example/driver-availability/internal/telemetry"
)

const (
	DefaultCacheTTL = 300 * time.Second
	// DefaultTelemetryTimeout bounds the distance lookup, which runs while the
	// trip row is locked.
	DefaultTelemetryTimeout = 5 * time.Second
	maxAddressLen           = 255
)

var paymentMethods = map[string]bool{"cash": true, "credit_card": true, "paypal": true}

// Store is the persistence the trip service needs.
type Store interface {
	storage.VehicleStore
	storage.TripStore
}

// Publisher emits trip events to the outside world.
type Publisher interface {
	PublishTripEvent(ctx context.Context, ev models.TripEvent) error
}

// Notifier pushes trip events to the driver's live session.
type Notifier interface {
	Notify(driverID string, ev models.TripEvent) error
}

// Service books trips and moves them through their lifecycle. Publisher and
// Notifier are optional.
type Service struct {
	Store     Store
	Cache     cache.Cache
	Telemetry telemetry.Source
	Fares     FareCalculator
	Publisher Publisher
	Notifier  Notifier
	Logger    *slog.Logger
	CacheTTL  time.Duration

	TelemetryTimeout time.Duration

	now   func() time.Time
	newID func() string
}

func NewService(store Store, c cache.Cache, logger *slog.Logger) *Service {
	return &Service{
		Store:     store,
		Cache:     c,
		Telemetry: telemetry.StraightLine{},
		Fares:     DefaultFareCalculator(),
		Logger:    logger,
		CacheTTL:  DefaultCacheTTL,
		now:       time.Now,
		newID:     uuid.NewString,

		TelemetryTimeout: DefaultTelemetryTimeout,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func DriverActiveTripsKey(driverID string) string { return "driver:" + driverID + ":active_trips" }

func UserHistoryKey(userID string) string { return "user:" + userID + ":trip_history" }

func validateBooking(req models.BookingRequest, now time.Time) error {
	var problems []string
	if strings.TrimSpace(req.UserID) == "" {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(req.DriverID) == "" {
		problems = append(problems, "driver_id is required")
	}
	if strings.TrimSpace(req.VehicleType) == "" {
		problems = append(problems, "vehicle_type is required")
	}
	addresses := []struct{ field, value string }{
		{"origin_address", req.OriginAddress},
		{"destination_address", req.DestinationAddress},
	}
	for _, a := range addresses {
		switch {
		case strings.TrimSpace(a.value) == "":
			problems = append(problems, a.field+" is required")
		case len(a.value) > maxAddressLen:
			problems = append(problems, fmt.Sprintf("%s must be at most %d characters", a.field, maxAddressLen))
		}
	}
	if !validCoord(req.Origin) {
		problems = append(problems, "origin coordinates out of range")
	}
	if !validCoord(req.Destination) {
		problems = append(problems, "destination coordinates out of range")
	}
	switch {
	case req.ScheduledAt.IsZero():
		problems = append(problems, "scheduled_at is required")
	case req.ScheduledAt.Before(now):
		problems = append(problems, "scheduled_at must not be in the past")
	}
	if req.DurationMinutes != nil && *req.DurationMinutes < 1 {
		problems = append(problems, "estimated_duration_minutes must be at least 1")
	}
	if !paymentMethods[req.PaymentMethod] {
		problems = append(problems, "payment_method must be one of cash, credit_card, paypal")
	}
	if len(problems) == 0 {
		return nil
	}
	return apperr.Validation(strings.Join(problems, "; "))
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Book validates the request and inserts a scheduled trip. The availability,
// vehicle and schedule checks run under an exclusive lock on the driver so two
// bookings for one driver cannot both pass the overlap check.
func (s *Service) Book(ctx context.Context, req models.BookingRequest) (*models.Trip, error) {
	now := s.now()
	if err := validateBooking(req, now); err != nil {
		observability.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	known, err := s.Store.VehicleTypeExists(ctx, req.VehicleType)
	if err != nil {
		return nil, apperr.Internal("book trip", err)
	}
	if !known {
		observability.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.Validation("unknown vehicle type " + req.VehicleType)
	}

	minutes := schedule.DefaultDurationMinutes
	if req.DurationMinutes != nil {
		minutes = *req.DurationMinutes
	}

	var booked *models.Trip
	err = s.Store.LockDriver(ctx, req.DriverID, func(ctx context.Context, d models.DriverLocation, tx storage.BookingTx) error {
		if !d.Available {
			return apperr.Conflict("driver " + d.DriverID + " is not available")
		}
		v, err := s.Store.ActiveVehicle(ctx, d.DriverID, req.VehicleType)
		if err != nil {
			return err
		}
		if v == nil {
			return apperr.Conflict("driver " + d.DriverID + " has no active " + req.VehicleType)
		}
		active, err := tx.ActiveTrips(ctx, d.DriverID)
		if err != nil {
			return err
		}
		if c := schedule.FirstConflict(active, req.ScheduledAt, minutes); c != nil {
			return apperr.Conflict("driver " + d.DriverID + " already has trip " + c.ID + " in that window")
		}

		fare := s.Fares.Booking()
		dur := minutes
		t := &models.Trip{
			ID:                 s.newID(),
			UserID:             req.UserID,
			DriverID:           d.DriverID,
			VehicleID:          v.ID,
			Status:             models.TripScheduled,
			Origin:             req.Origin,
			OriginAddress:      req.OriginAddress,
			Destination:        req.Destination,
			DestinationAddress: req.DestinationAddress,
			ScheduledAt:        req.ScheduledAt,
			DurationMinutes:    &dur,
			BaseFare:           fare.BaseFare,
			DistanceFare:       fare.DistanceFare,
			TimeFare:           fare.TimeFare,
			TotalFare:          fare.TotalFare,
			PaymentMethod:      req.PaymentMethod,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.InsertTrip(ctx, t); err != nil {
			return err
		}
		booked = t
		return nil
	})
	if err != nil {
		observability.BookingsTotal.WithLabelValues(bookingResult(err)).Inc()
		return nil, apperr.Classify("book trip", err)
	}
	observability.BookingsTotal.WithLabelValues("booked").Inc()

	s.invalidate(ctx, UserHistoryKey(booked.UserID))
	s.emit(ctx, "trip_booked", booked)
	s.Logger.Info("trip booked", "trip_id", booked.ID, "driver_id", booked.DriverID, "scheduled_at", booked.ScheduledAt)
	return booked, nil
}

func bookingResult(err error) string {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// UpdateStatus applies one lifecycle transition atomically. Completing a trip
// stamps completion, recomputes duration from the start time and recomputes
// the fare from the telemetry distance.
func (s *Service) UpdateStatus(ctx context.Context, tripID, status string) (*models.Trip, error) {
	target, ok := models.ParseTripStatus(status)
	if !ok {
		return nil, apperr.NotFound("trip status " + status + " not found")
	}
	t, err := s.Store.Transition(ctx, tripID, func(t *models.Trip) error {
		if !CanTransition(t.Status, target) {
			return apperr.Conflict(fmt.Sprintf("trip %s cannot move from %s to %s", t.ID, t.Status, target))
		}
		now := s.now()
		switch target {
		case models.TripInProgress:
			t.StartedAt = &now
		case models.TripCompleted:
			if err := s.complete(ctx, t, now); err != nil {
				return err
			}
		}
		t.Status = target
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, apperr.Classify("update trip status", err)
	}
	observability.TripTransitions.WithLabelValues(string(target)).Inc()

	s.invalidate(ctx, DriverActiveTripsKey(t.DriverID), UserHistoryKey(t.UserID))
	s.emit(ctx, "trip_"+string(target), t)
	s.Logger.Info("trip status updated", "trip_id", t.ID, "status", t.Status)
	return t, nil
}

func (s *Service) complete(ctx context.Context, t *models.Trip, now time.Time) error {
	t.CompletedAt = &now
	if t.StartedAt != nil {
		d := int(now.Sub(*t.StartedAt) / time.Minute)
		t.DurationMinutes = &d
	}
	tctx := ctx
	if s.TelemetryTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.TelemetryTimeout)
		defer cancel()
	}
	km, err := s.Telemetry.DistanceKm(tctx, t)
	if err != nil {
		return fmt.Errorf("distance telemetry: %w", err)
	}
	t.DistanceKm = &km
	minutes := 0
	if t.DurationMinutes != nil {
		minutes = *t.DurationMinutes
	}
	fare := s.Fares.Final(t.BaseFare, km, minutes)
	t.DistanceFare = fare.DistanceFare
	t.TimeFare = fare.TimeFare
	t.TotalFare = fare.TotalFare
	return nil
}

// DriverActiveTrips lists the in-progress trips of a driver, newest first.
func (s *Service) DriverActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	return s.cached(ctx, DriverActiveTripsKey(driverID), func() ([]models.Trip, error) {
		return s.Store.InProgressTrips(ctx, driverID)
	})
}

// UserHistory lists every trip of a user, latest scheduled first.
func (s *Service) UserHistory(ctx context.Context, userID string) ([]models.Trip, error) {
	return s.cached(ctx, UserHistoryKey(userID), func() ([]models.Trip, error) {
		return s.Store.UserTrips(ctx, userID)
	})
}

func (s *Service) cached(ctx context.Context, key string, load func() ([]models.Trip, error)) ([]models.Trip, error) {
	if b, ok, err := s.Cache.Get(ctx, key); err != nil {
		s.Logger.Warn("trip cache read failed", "key", key, "error", err)
	} else if ok {
		var out []models.Trip
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		s.Logger.Warn("trip cache entry unreadable", "key", key)
	}
	out, err := load()
	if err != nil {
		return nil, apperr.Classify("load trips", err)
	}
	if b, err := json.Marshal(out); err == nil {
		if err := s.Cache.Set(ctx, key, b, s.CacheTTL); err != nil {
			s.Logger.Warn("trip cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if err := s.Cache.Delete(ctx, keys...); err != nil {
		s.Logger.Warn("trip cache invalidation failed", "keys", keys, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, kind string, t *models.Trip) {
	ev := models.TripEvent{Type: kind, TripID: t.ID, Status: t.Status, Trip: t, At: s.now()}
	if s.Publisher != nil {
		if err := s.Publisher.PublishTripEvent(ctx, ev); err != nil {
			s.Logger.Warn("publish trip event failed", "trip_id", t.ID, "error", err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(t.DriverID, ev); err != nil {
			s.Logger.Debug("driver not notified", "driver_id", t.DriverID, "error", err)
		}
	}
}
