// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	ArchiveAddr    string
	ArchiveBaseDir string
	SitesURL       string
	CacheDB        string

	LocalTimezone *time.Location

	Workers             int
	FetchTimeout        time.Duration
	FetchRetries        int
	EventMatchTolerance time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	local, err := time.LoadLocation(envOrDefault("LOCAL_TIMEZONE", "Pacific/Auckland"))
	if err != nil {
		return nil, errors.New("invalid LOCAL_TIMEZONE")
	}

	workers, err := parseIntInRange("WORKERS", 4, 1, 64)
	if err != nil {
		return nil, err
	}
	fetchRetries, err := parseIntInRange("FETCH_RETRIES", 3, 1, 10)
	if err != nil {
		return nil, err
	}

	fetchTimeout, err := parsePositiveDuration("FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	tolerance, err := parsePositiveDuration("EVENT_MATCH_TOLERANCE", 2*time.Second)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := parsePositiveDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ArchiveAddr:    envOrDefault("ARCHIVE_ADDR", "ftp.geonet.org.nz:21"),
		ArchiveBaseDir: envOrDefault("ARCHIVE_BASE_DIR", "/strong/processed/Proc"),
		SitesURL:       envOrDefault("SITES_URL", "https://magma.geonet.org.nz/ws-delta/site?type=seismicSite&outputFormat=csv"),
		CacheDB:        envOrDefault("CACHE_DB", "cache/geomotion.sqlite"),

		LocalTimezone: local,

		Workers:             workers,
		FetchTimeout:        fetchTimeout,
		FetchRetries:        fetchRetries,
		EventMatchTolerance: tolerance,

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	if cfg.ArchiveAddr == "" {
		return nil, errors.New("ARCHIVE_ADDR is required")
	}
	if cfg.SitesURL == "" {
		return nil, errors.New("SITES_URL is required")
	}
	if cfg.CacheDB == "" {
		return nil, errors.New("CACHE_DB is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntInRange(key string, fallback, min, max int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func parsePositiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}
