package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL        string
	ListenAddr        string
	MetricsAddr       string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	// DatabaseURL enables the Postgres feed catalog. Empty means the
	// catalog is read from the API.
	DatabaseURL string
	CatalogDB   string

	Feed     string
	Date     string
	StartURL string

	ClusterGridSize float64
	ClusterMargin   float64
	ClusterMinSize  int
	ClusterMaxZoom  int

	TileCacheSize      int
	FetchTimeout       time.Duration
	FrequencyBandsFile string
	LogLevel           string
	Location           *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("API_BASE_URL")), "/")
	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL must be set")
	}
	if u, err := url.Parse(cfg.APIBaseURL); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid API_BASE_URL: %q", cfg.APIBaseURL)
	}

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Empty disables event broadcast.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "viewer")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Feed catalog DSN: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}
	cfg.CatalogDB = os.Getenv("CATALOG_DB")

	cfg.Feed = strings.TrimSpace(os.Getenv("FEED"))
	cfg.Date = strings.TrimSpace(os.Getenv("DATE"))
	cfg.StartURL = strings.TrimSpace(os.Getenv("START_URL"))

	var err error
	if cfg.ClusterGridSize, err = positiveFloat("CLUSTER_GRID_SIZE", 120); err != nil {
		return nil, err
	}
	if cfg.ClusterMargin, err = nonNegativeFloat("CLUSTER_MARGIN", 20); err != nil {
		return nil, err
	}
	if cfg.ClusterMinSize, err = positiveInt("CLUSTER_MIN_SIZE", 2); err != nil {
		return nil, err
	}
	if cfg.ClusterMaxZoom, err = positiveInt("CLUSTER_MAX_ZOOM", 17); err != nil {
		return nil, err
	}
	if cfg.TileCacheSize, err = positiveInt("TILE_CACHE_SIZE", 512); err != nil {
		return nil, err
	}
	ms, err := positiveInt("FETCH_TIMEOUT_MS", 15000)
	if err != nil {
		return nil, err
	}
	cfg.FetchTimeout = time.Duration(ms) * time.Millisecond

	cfg.FrequencyBandsFile = os.Getenv("FREQUENCY_BANDS_FILE")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", cfg.LogLevel)
	}

	// Time zone used for "today"
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// InitialURL is the viewer URL the session starts from: START_URL when
// set, otherwise one built from FEED and DATE.
func (c *Config) InitialURL() string {
	if c.StartURL != "" {
		return c.StartURL
	}
	q := url.Values{}
	if c.Feed != "" {
		q.Set("feed", c.Feed)
	}
	if c.Date != "" {
		q.Set("date", c.Date)
	}
	if len(q) == 0 {
		return "/"
	}
	return "/?" + q.Encode()
}

func positiveInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func positiveFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func nonNegativeFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
