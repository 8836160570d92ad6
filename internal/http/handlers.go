package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-availability/internal/apperr"
	"github.com/example/driver-availability/internal/availability"
	"github.com/example/driver-availability/internal/dispatch"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/trips"
)

type Server struct {
	Availability *availability.Service
	Trips        *trips.Service
	WSReg        *dispatch.WSRegistry
	// Ready is probed by /ready; nil means always ready.
	Ready func(ctx context.Context) error

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(av *availability.Service, tr *trips.Service, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{Availability: av, Trips: tr, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/available", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleLocation).Methods(http.MethodPatch)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPatch)
	api.HandleFunc("/drivers/{id}/trips/active", s.handleDriverActiveTrips).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/trips", s.handleUserTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips", s.handleBook).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/status", s.handleTripStatus).Methods(http.MethodPatch)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := requiredFloat(q.Get("lat"), "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := requiredFloat(q.Get("lon"), "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var radius float64
	if v := q.Get("radius"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, apperr.Validation("radius must be a number"))
			return
		}
	}
	drivers, err := s.Availability.FindNearby(r.Context(), availability.NearbyQuery{
		Lat: lat, Lon: lon, RadiusKm: radius, VehicleType: q.Get("vehicle_type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []models.NearbyDriver{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

func requiredFloat(v, name string) (float64, error) {
	if v == "" {
		return 0, apperr.Validation(name + " is required")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Validation(name + " must be a number")
	}
	return f, nil
}

type locationBody struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Lat == nil || body.Lon == nil {
		s.writeError(w, r, apperr.Validation("lat and lon are required"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Availability.UpdateLocation(r.Context(), id, models.Coord{Lat: *body.Lat, Lon: *body.Lon}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityBody struct {
	Available *bool `json:"is_available"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Available == nil {
		s.writeError(w, r, apperr.Validation("is_available is required"))
		return
	}
	if err := s.Availability.UpdateAvailability(r.Context(), mux.Vars(r)["id"], *body.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.Trips.Book(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Status == "" {
		s.writeError(w, r, apperr.Validation("status is required"))
		return
	}
	t, err := s.Trips.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDriverActiveTrips(w http.ResponseWriter, r *http.Request) {
	list, err := s.Trips.DriverActiveTrips(r.Context(), mux.Vars(r)["id"])
	s.writeTrips(w, r, list, err)
}

func (s *Server) handleUserTrips(w http.ResponseWriter, r *http.Request) {
	list, err := s.Trips.UserHistory(r.Context(), mux.Vars(r)["id"])
	s.writeTrips(w, r, list, err)
}

func (s *Server) writeTrips(w http.ResponseWriter, r *http.Request, list []models.Trip, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Trip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": list, "count": len(list)})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness probe failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the driver's session registered until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error(), RequestID: requestIDFromContext(r.Context())})
		return false
	}
	return true
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && status != http.StatusInternalServerError {
		msg = ae.Msg
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
