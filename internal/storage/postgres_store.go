package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/models"
)

//go:embed schema.sql
var schema string

type PostgresStore struct {
	db     *sqlx.DB
	metric Metric
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, dsn string, metric Metric) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db, metric), nil
}

func NewPostgresStoreFromDB(db *sqlx.DB, metric Metric) *PostgresStore {
	return &PostgresStore{db: db, metric: metric}
}

// Migrate creates the tables when they do not exist yet.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type driverRow struct {
	ID        string          `db:"id"`
	Available bool            `db:"is_available"`
	Lat       sql.NullFloat64 `db:"current_latitude"`
	Lon       sql.NullFloat64 `db:"current_longitude"`
	UpdatedAt sql.NullTime    `db:"location_updated_at"`
	Rating    sql.NullFloat64 `db:"rating"`
}

func (r driverRow) toModel() models.DriverLocation {
	d := models.DriverLocation{DriverID: r.ID, Available: r.Available}
	if r.Lat.Valid && r.Lon.Valid {
		d.Loc = &models.Coord{Lat: r.Lat.Float64, Lon: r.Lon.Float64}
	}
	if r.UpdatedAt.Valid {
		ts := r.UpdatedAt.Time
		d.UpdatedAt = &ts
	}
	if r.Rating.Valid {
		v := r.Rating.Float64
		d.Rating = &v
	}
	return d
}

const driverColumns = `id, is_available, current_latitude, current_longitude, location_updated_at, rating`

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.DriverLocation, error) {
	var row driverRow
	err := p.db.GetContext(ctx, &row, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("driver " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get driver %s: %w", id, err)
	}
	d := row.toModel()
	return &d, nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET current_latitude = $2, current_longitude = $3, location_updated_at = $4, updated_at = $4 WHERE id = $1`,
		id, c.Lat, c.Lon, at)
	if err != nil {
		return fmt.Errorf("update location %s: %w", id, err)
	}
	return requireRow(res, "driver "+id+" not found")
}

func (p *PostgresStore) UpdateAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET is_available = $2, updated_at = now() WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("update availability %s: %w", id, err)
	}
	return requireRow(res, "driver "+id+" not found")
}

func requireRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(notFound)
	}
	return nil
}

func (p *PostgresStore) ListLocated(ctx context.Context) ([]models.DriverLocation, error) {
	var rows []driverRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+driverColumns+` FROM drivers
		WHERE current_latitude IS NOT NULL AND current_longitude IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list located drivers: %w", err)
	}
	out := make([]models.DriverLocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

const haversineScan = `
SELECT id, dist FROM (
	SELECT id, 6371 * 2 * asin(sqrt(
		power(sin(radians(current_latitude - $1) / 2), 2) +
		cos(radians($1)) * cos(radians(current_latitude)) *
		power(sin(radians(current_longitude - $2) / 2), 2)
	)) AS dist
	FROM drivers
	WHERE is_available
		AND current_latitude IS NOT NULL AND current_longitude IS NOT NULL
		AND ($4::timestamptz IS NULL OR location_updated_at IS NULL OR location_updated_at >= $4)
) d
WHERE dist < $3
ORDER BY dist, id`

const manhattanScan = `
SELECT id, (abs(current_latitude - $1) + abs(current_longitude - $2)) * 111 AS dist
FROM drivers
WHERE is_available
	AND current_latitude IS NOT NULL AND current_longitude IS NOT NULL
	AND ($4::timestamptz IS NULL OR location_updated_at IS NULL OR location_updated_at >= $4)
	AND abs(current_latitude - $1) < $3 / 111.0
	AND abs(current_longitude - $2) < $3 / 111.0
ORDER BY dist, id`

type nearbyRow struct {
	ID   string  `db:"id"`
	Dist float64 `db:"dist"`
}

// FindNearby runs the distance scan in SQL. The metric of the query wins over
// the store default when set.
func (p *PostgresStore) FindNearby(ctx context.Context, q NearbyScan) ([]models.NearbyDriver, error) {
	metric := q.Metric
	if metric == "" {
		metric = p.metric
	}
	query := haversineScan
	if metric == MetricManhattan {
		query = manhattanScan
	}
	var after sql.NullTime
	if !q.UpdatedAfter.IsZero() {
		after = sql.NullTime{Time: q.UpdatedAfter, Valid: true}
	}
	var rows []nearbyRow
	if err := p.db.SelectContext(ctx, &rows, query, q.Center.Lat, q.Center.Lon, q.RadiusKm, after); err != nil {
		return nil, fmt.Errorf("find nearby: %w", err)
	}
	out := make([]models.NearbyDriver, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.NearbyDriver{DriverID: r.ID, DistanceKm: r.Dist})
	}
	return out, nil
}

func (p *PostgresStore) VehicleTypeExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	if err := p.db.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM vehicle_types WHERE name = $1)`, name); err != nil {
		return false, fmt.Errorf("vehicle type %s: %w", name, err)
	}
	return ok, nil
}

func (p *PostgresStore) ActiveVehicle(ctx context.Context, driverID, vehicleType string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := p.db.GetContext(ctx, &v,
		`SELECT v.id, v.driver_id, vt.name AS vehicle_type, v.is_active
		FROM vehicles v JOIN vehicle_types vt ON vt.id = v.vehicle_type_id
		WHERE v.driver_id = $1 AND vt.name = $2 AND v.is_active
		ORDER BY v.id LIMIT 1`, driverID, vehicleType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active vehicle %s/%s: %w", driverID, vehicleType, err)
	}
	return &v, nil
}

func (p *PostgresStore) DriversWithVehicleType(ctx context.Context, driverIDs []string, vehicleType string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(driverIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := p.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT v.driver_id
		FROM vehicles v JOIN vehicle_types vt ON vt.id = v.vehicle_type_id
		WHERE vt.name = $1 AND v.is_active AND v.driver_id = ANY($2)`,
		vehicleType, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("drivers with %s: %w", vehicleType, err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

type tripRow struct {
	ID                 string          `db:"id"`
	UserID             string          `db:"user_id"`
	DriverID           string          `db:"driver_id"`
	VehicleID          string          `db:"vehicle_id"`
	Status             string          `db:"status"`
	OriginAddress      string          `db:"origin_address"`
	OriginLat          float64         `db:"origin_latitude"`
	OriginLon          float64         `db:"origin_longitude"`
	DestinationAddress string          `db:"destination_address"`
	DestinationLat     float64         `db:"destination_latitude"`
	DestinationLon     float64         `db:"destination_longitude"`
	ScheduledAt        time.Time       `db:"scheduled_at"`
	StartedAt          sql.NullTime    `db:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
	BaseFare           float64         `db:"base_fare"`
	DistanceFare       float64         `db:"distance_fare"`
	TimeFare           float64         `db:"time_fare"`
	TotalFare          float64         `db:"total_fare"`
	DistanceKm         sql.NullFloat64 `db:"distance_km"`
	DurationMinutes    sql.NullInt64   `db:"duration_minutes"`
	PaymentMethod      sql.NullString  `db:"payment_method"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r tripRow) toModel() *models.Trip {
	t := &models.Trip{
		ID:                 r.ID,
		UserID:             r.UserID,
		DriverID:           r.DriverID,
		VehicleID:          r.VehicleID,
		Status:             models.TripStatus(r.Status),
		Origin:             models.Coord{Lat: r.OriginLat, Lon: r.OriginLon},
		OriginAddress:      r.OriginAddress,
		Destination:        models.Coord{Lat: r.DestinationLat, Lon: r.DestinationLon},
		DestinationAddress: r.DestinationAddress,
		ScheduledAt:        r.ScheduledAt,
		BaseFare:           r.BaseFare,
		DistanceFare:       r.DistanceFare,
		TimeFare:           r.TimeFare,
		TotalFare:          r.TotalFare,
		PaymentMethod:      r.PaymentMethod.String,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		ts := r.StartedAt.Time
		t.StartedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts := r.CompletedAt.Time
		t.CompletedAt = &ts
	}
	if r.DistanceKm.Valid {
		v := r.DistanceKm.Float64
		t.DistanceKm = &v
	}
	if r.DurationMinutes.Valid {
		v := int(r.DurationMinutes.Int64)
		t.DurationMinutes = &v
	}
	return t
}

const selectTrips = `
SELECT t.id, t.user_id, t.driver_id, t.vehicle_id, s.name AS status,
	t.origin_address, t.origin_latitude, t.origin_longitude,
	t.destination_address, t.destination_latitude, t.destination_longitude,
	t.scheduled_at, t.started_at, t.completed_at,
	t.base_fare, t.distance_fare, t.time_fare, t.total_fare,
	t.distance_km, t.duration_minutes, t.payment_method, t.created_at, t.updated_at
FROM trips t JOIN trip_statuses s ON s.id = t.status_id`

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var row tripRow
	err := p.db.GetContext(ctx, &row, selectTrips+` WHERE t.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trip " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	return row.toModel(), nil
}

func selectTripList(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]models.Trip, error) {
	var rows []tripRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Trip, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

const activeTripsQuery = selectTrips + ` WHERE t.driver_id = $1 AND s.name = ANY($2) ORDER BY t.scheduled_at`

var activeStatuses = pq.Array([]string{string(models.TripScheduled), string(models.TripInProgress)})

func (p *PostgresStore) ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	out, err := selectTripList(ctx, p.db, activeTripsQuery, driverID, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("active trips %s: %w", driverID, err)
	}
	return out, nil
}

func (p *PostgresStore) InProgressTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	out, err := selectTripList(ctx, p.db,
		selectTrips+` WHERE t.driver_id = $1 AND s.name = $2 ORDER BY t.created_at DESC`,
		driverID, string(models.TripInProgress))
	if err != nil {
		return nil, fmt.Errorf("in progress trips %s: %w", driverID, err)
	}
	return out, nil
}

func (p *PostgresStore) UserTrips(ctx context.Context, userID string) ([]models.Trip, error) {
	out, err := selectTripList(ctx, p.db, selectTrips+` WHERE t.user_id = $1 ORDER BY t.scheduled_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("user trips %s: %w", userID, err)
	}
	return out, nil
}

// LockDriver takes a row lock on the driver for the lifetime of one
// transaction; concurrent bookings for the same driver queue on it.
func (p *PostgresStore) LockDriver(ctx context.Context, driverID string, fn func(ctx context.Context, d models.DriverLocation, tx BookingTx) error) (err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var row driverRow
	err = tx.GetContext(ctx, &row, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("driver " + driverID + " not found")
	}
	if err != nil {
		return fmt.Errorf("lock driver %s: %w", driverID, err)
	}
	if err = fn(ctx, row.toModel(), pgBookingTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit booking: %w", err)
	}
	return nil
}

type pgBookingTx struct {
	tx *sqlx.Tx
}

func (b pgBookingTx) ActiveTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	out, err := selectTripList(ctx, b.tx, activeTripsQuery, driverID, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("active trips %s: %w", driverID, err)
	}
	return out, nil
}

func (b pgBookingTx) InsertTrip(ctx context.Context, t *models.Trip) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO trips (
			id, user_id, driver_id, vehicle_id, status_id,
			origin_address, origin_latitude, origin_longitude,
			destination_address, destination_latitude, destination_longitude,
			scheduled_at, base_fare, distance_fare, time_fare, total_fare,
			duration_minutes, payment_method, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, (SELECT id FROM trip_statuses WHERE name = $5),
			$6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`,
		t.ID, t.UserID, t.DriverID, t.VehicleID, string(t.Status),
		t.OriginAddress, t.Origin.Lat, t.Origin.Lon,
		t.DestinationAddress, t.Destination.Lat, t.Destination.Lon,
		t.ScheduledAt, t.BaseFare, t.DistanceFare, t.TimeFare, t.TotalFare,
		t.DurationMinutes, t.PaymentMethod, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return nil
}

// Transition locks the trip row, applies fn and writes every lifecycle column
// back in the same transaction.
func (p *PostgresStore) Transition(ctx context.Context, tripID string, fn func(t *models.Trip) error) (_ *models.Trip, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var row tripRow
	err = tx.GetContext(ctx, &row, selectTrips+` WHERE t.id = $1 FOR UPDATE OF t`, tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trip " + tripID + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock trip %s: %w", tripID, err)
	}
	t := row.toModel()
	if err = fn(t); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE trips SET
			status_id = (SELECT id FROM trip_statuses WHERE name = $2),
			started_at = $3, completed_at = $4, duration_minutes = $5, distance_km = $6,
			distance_fare = $7, time_fare = $8, total_fare = $9, updated_at = $10
		WHERE id = $1`,
		t.ID, string(t.Status), t.StartedAt, t.CompletedAt, t.DurationMinutes, t.DistanceKm,
		t.DistanceFare, t.TimeFare, t.TotalFare, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update trip %s: %w", tripID, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}
