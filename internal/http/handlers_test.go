package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-availability/internal/availability"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/dispatch"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/storage"
	"github.com/example/driver-availability/internal/telemetry"
	"github.com/example/driver-availability/internal/trips"
)

var now = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	at := now
	store.PutDriver(models.DriverLocation{DriverID: "d1", Loc: &models.Coord{Lat: 40.7128, Lon: -74.0060}, Available: true, UpdatedAt: &at})
	store.PutDriver(models.DriverLocation{DriverID: "d2", Available: true})
	store.PutVehicle(models.Vehicle{ID: "v1", DriverID: "d1", VehicleType: "Sedan", Active: true})

	c := cache.NewMemory()
	clock := func() time.Time { return now }
	av := availability.NewService(store, geo.NewIndex(), c, logger).WithClock(clock)
	_, err := availability.NewSync(av, logger).RunOnce(context.Background())
	require.NoError(t, err)

	ws := dispatch.NewWSRegistry(logger)
	tr := trips.NewService(store, c, logger).WithClock(clock)
	tr.Telemetry = telemetry.Fixed(10)
	tr.Notifier = ws
	return NewServer(av, tr, ws, logger)
}

func do(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready", "").Code)

	s.Ready = func(context.Context) error { return errors.New("redis down") }
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready", "").Code)
}

func TestNearbyDrivers(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/drivers/available?lat=40.7128&lon=-74.0060&radius=5&vehicle_type=Sedan", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Drivers []models.NearbyDriver `json:"drivers"`
		Count   int                   `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "d1", body.Drivers[0].DriverID)
	assert.InDelta(t, 0, body.Drivers[0].DistanceKm, 0.001)
}

func TestNearbyDriversEmptyList(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/api/v1/drivers/available?lat=0&lon=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"drivers":[],"count":0}`, rec.Body.String())
}

func TestNearbyDriversValidation(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/api/v1/drivers/available?lon=1",
		"/api/v1/drivers/available?lat=abc&lon=1",
		"/api/v1/drivers/available?lat=95&lon=1",
		"/api/v1/drivers/available?lat=NaN&lon=1",
		"/api/v1/drivers/available?lat=1&lon=1&radius=NaN",
		"/api/v1/drivers/available?lat=1&lon=1&radius=80",
		"/api/v1/drivers/available?lat=1&lon=1&vehicle_type=Tank",
	} {
		rec := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, path)
	}
}

func TestUpdateLocationAndAvailability(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPatch, "/api/v1/drivers/d2/location", `{"lat":40.7129,"lon":-74.0061}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/drivers/available?lat=40.7128&lon=-74.0060", "")
	assert.Contains(t, rec.Body.String(), `"d2"`)

	rec = do(t, s, http.MethodPatch, "/api/v1/drivers/d2/availability", `{"is_available":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/drivers/available?lat=40.7128&lon=-74.0060", "")
	assert.NotContains(t, rec.Body.String(), `"d2"`)
}

func TestUpdateErrors(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPatch, "/api/v1/drivers/ghost/location", `{"lat":1,"lon":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "driver ghost not found", body.Error)
	assert.NotEmpty(t, body.RequestID)

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodPatch, "/api/v1/drivers/d1/location", `{"lat":1}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodPatch, "/api/v1/drivers/d1/availability", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPatch, "/api/v1/drivers/d1/availability", `{`).Code)
}

const bookingJSON = `{
	"user_id": "u1",
	"driver_id": "d1",
	"vehicle_type": "Sedan",
	"origin": {"lat": 40.7128, "lon": -74.0060},
	"origin_address": "1 Centre St",
	"destination": {"lat": 40.7580, "lon": -73.9855},
	"destination_address": "Times Sq",
	"scheduled_at": "2024-06-10T14:00:00Z",
	"estimated_duration_minutes": 30,
	"payment_method": "credit_card"
}`

func TestTripLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/trips", bookingJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var trip models.Trip
	decodeBody(t, rec, &trip)
	assert.Equal(t, models.TripScheduled, trip.Status)
	assert.Equal(t, "v1", trip.VehicleID)
	assert.Equal(t, 5.0, trip.TotalFare)

	rec = do(t, s, http.MethodPost, "/api/v1/trips", strings.Replace(bookingJSON, "14:00:00", "14:15:00", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPatch, "/api/v1/trips/"+trip.ID+"/status", `{"status":"in_progress"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/drivers/d1/trips/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, s, http.MethodPatch, "/api/v1/trips/"+trip.ID+"/status", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &trip)
	assert.Equal(t, models.TripCompleted, trip.Status)
	require.NotNil(t, trip.DistanceKm)
	assert.Equal(t, 10.0, *trip.DistanceKm)

	rec = do(t, s, http.MethodPatch, "/api/v1/trips/"+trip.ID+"/status", `{"status":"completed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/users/u1/trips", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Trips []models.Trip `json:"trips"`
		Count int           `json:"count"`
	}
	decodeBody(t, rec, &history)
	require.Equal(t, 1, history.Count)
	assert.Equal(t, models.TripCompleted, history.Trips[0].Status)
}

func TestTripStatusErrors(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPatch, "/api/v1/trips/nope/status", `{"status":"completed"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPatch, "/api/v1/trips/nope/status", `{"status":"teleported"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodPatch, "/api/v1/trips/nope/status", `{}`).Code)
}

func TestBookingValidationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/trips", strings.Replace(bookingJSON, "credit_card", "bitcoin", 1))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment_method")
}

func TestEmptyTripLists(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/api/v1/users/nobody/trips", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"trips":[],"count":0}`, rec.Body.String())
}

func TestBookingPushesToDriverSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/d1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.WSReg.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/v1/trips", "application/json", strings.NewReader(bookingJSON))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev models.TripEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "trip_booked", ev.Type)
	assert.Equal(t, models.TripScheduled, ev.Status)

	conn.Close()
	require.Eventually(t, func() bool { return s.WSReg.Len() == 0 }, time.Second, 5*time.Millisecond)
}
