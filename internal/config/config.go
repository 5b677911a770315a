package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	DatabaseURL        string // empty disables the Postgres audit mirror
	NATSURL            string
	NATSSubjectPrefix  string
	LogNATSSubjects    bool
	MetricsAddr        string
	OnTimeThresholdSec uint64
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Database URL for the audit mirror: prefer DATABASE_URL / PG_DSN, else
	// build from PG* vars. Unset leaves the mirror disabled.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "ledger")

	// On-time classification threshold (seconds)
	if v := os.Getenv("ON_TIME_THRESHOLD_SEC"); v != "" {
		sec, err := strconv.ParseUint(v, 10, 64)
		if err != nil || sec == 0 {
			return nil, fmt.Errorf("invalid ON_TIME_THRESHOLD_SEC: %q", v)
		}
		cfg.OnTimeThresholdSec = sec
	} else {
		cfg.OnTimeThresholdSec = 300
	}

	// HTTP timeouts (seconds)
	if v := os.Getenv("READ_TIMEOUT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid READ_TIMEOUT_SEC: %q", v)
		}
		cfg.ReadTimeout = time.Duration(sec) * time.Second
	} else {
		cfg.ReadTimeout = 10 * time.Second
	}
	if v := os.Getenv("WRITE_TIMEOUT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid WRITE_TIMEOUT_SEC: %q", v)
		}
		cfg.WriteTimeout = time.Duration(sec) * time.Second
	} else {
		cfg.WriteTimeout = 10 * time.Second
	}

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
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
