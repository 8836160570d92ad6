package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/driver-availability/internal/models"
)

// ServerConfig captures the tunables shared by the API, the consumer and the
// sync command. Values come from environment variables with defaults that
// run locally against in-memory storage.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaLocationTopic string
	KafkaGroupID       string

	PGDSN string

	NearbyCacheTTL time.Duration
	TripCacheTTL   time.Duration
	StaleAfter     time.Duration
	DistanceMetric string

	SyncInterval time.Duration
	SyncTimeout  time.Duration
	SyncAttempts int
	SyncRadiusKm float64
	// SyncPoints overrides the default hot spots when set.
	SyncPoints   []models.Coord

	// MapsAPIKey enables driving distances for completed trips.
	MapsAPIKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers:locations",
		KafkaTopic:      "driver-events",

		KafkaLocationTopic: "driver-locations",
		KafkaGroupID:       "driver-availability",

		NearbyCacheTTL: 60 * time.Second,
		TripCacheTTL:   300 * time.Second,
		StaleAfter:     5 * time.Minute,
		DistanceMetric: "haversine",
		SyncInterval:   time.Minute,
		SyncTimeout:    60 * time.Second,
		SyncAttempts:   3,
		SyncRadiusKm:   5,
		LogLevel:       "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.NearbyCacheTTL, "NEARBY_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.TripCacheTTL, "TRIP_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "STALE_AFTER", &errs)
	if v := os.Getenv("DISTANCE_METRIC"); v != "" {
		cfg.DistanceMetric = strings.ToLower(strings.TrimSpace(v))
	}

	setDurationFromEnv(&cfg.SyncInterval, "SYNC_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SyncTimeout, "SYNC_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SyncAttempts, "SYNC_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.SyncRadiusKm, "SYNC_RADIUS_KM", &errs)
	cfg.MapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("SYNC_POINTS")); v != "" {
		points, err := parsePoints(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SYNC_POINTS: %w", err))
		} else {
			cfg.SyncPoints = points
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SyncAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_ATTEMPTS must be > 0"))
	}
	if cfg.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL must be > 0"))
	}
	if cfg.DistanceMetric != "haversine" && cfg.DistanceMetric != "manhattan" {
		errs = append(errs, fmt.Errorf("DISTANCE_METRIC must be haversine or manhattan, got %q", cfg.DistanceMetric))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string { return splitOn(v, ",") }

func splitOn(v, sep string) []string {
	raw := strings.Split(v, sep)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// parsePoints reads "lat,lon;lat,lon".
func parsePoints(v string) ([]models.Coord, error) {
	var out []models.Coord
	for _, pair := range splitOn(v, ";") {
		parts := splitOn(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("point %q is not lat,lon", pair)
		}
		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", pair, err)
		}
		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", pair, err)
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("point %q out of range", pair)
		}
		out = append(out, models.Coord{Lat: lat, Lon: lon})
	}
	return out, nil
}
