package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"googlemaps.github.io/maps"

	"github.com/example/driver-availability/internal/models"
)

// Routes reports the driving distance between origin and destination from the
// Google Maps Directions API. When the API fails and Fallback is set, the
// fallback answers instead.
type Routes struct {
	client   *maps.Client
	Fallback Source
}

func NewRoutes(apiKey string, opts ...maps.ClientOption) (*Routes, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Routes{client: client}, nil
}

func (r *Routes) DistanceKm(ctx context.Context, t *models.Trip) (float64, error) {
	km, err := r.driving(ctx, t)
	if err != nil && r.Fallback != nil {
		return r.Fallback.DistanceKm(ctx, t)
	}
	return km, err
}

func (r *Routes) driving(ctx context.Context, t *models.Trip) (float64, error) {
	routes, _, err := r.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(t.Origin),
		Destination: latLng(t.Destination),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, errors.New("no route found")
	}
	meters := 0
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
	}
	return math.Round(float64(meters)/10) / 100, nil
}

func latLng(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}
