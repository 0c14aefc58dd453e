// Package config reads the prospero command's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	CalendarURL    string
	Username       string
	Password       string
	LogLevel       string
	RequestTimeout time.Duration
	MirrorPath     string
	SyncSchedule   string
	SyncWindow     time.Duration
	Timezone       string

	// parseErrs holds environment values that could not be parsed.
	parseErrs []error
}

func Load() (Config, error) {
	var parseErrs []error
	getenvDuration := func(key string, fallback time.Duration) time.Duration {
		d, err := getenvDuration(key, fallback)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}

	cfg := Config{
		CalendarURL:    strings.TrimSpace(os.Getenv("PROSPERO_CALENDAR_URL")),
		Username:       strings.TrimSpace(os.Getenv("PROSPERO_USERNAME")),
		Password:       os.Getenv("PROSPERO_PASSWORD"),
		LogLevel:       getenvDefault("PROSPERO_LOG_LEVEL", "info"),
		RequestTimeout: getenvDuration("PROSPERO_REQUEST_TIMEOUT", 30*time.Second),
		MirrorPath:     getenvDefault("PROSPERO_MIRROR_PATH", "./data/prospero.db"),
		SyncSchedule:   getenvDefault("PROSPERO_SYNC_SCHEDULE", "*/15 * * * *"),
		SyncWindow:     getenvDuration("PROSPERO_SYNC_WINDOW", 720*time.Hour),
		Timezone:       getenvDefault("PROSPERO_TIMEZONE", "UTC"),
	}
	cfg.parseErrs = parseErrs

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := errors.Join(c.parseErrs...); err != nil {
		return err
	}
	if c.CalendarURL == "" {
		return errors.New("PROSPERO_CALENDAR_URL is required")
	}
	u, err := url.Parse(c.CalendarURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid calendar URL: %s", c.CalendarURL)
	}
	if c.Username == "" && c.Password != "" {
		return errors.New("PROSPERO_USERNAME is required when a password is set")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if c.SyncWindow <= 0 {
		return errors.New("sync window must be > 0")
	}
	if c.MirrorPath == "" {
		return errors.New("mirror path is required")
	}
	if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", c.SyncSchedule, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Authenticated reports whether credentials were configured.
func (c Config) Authenticated() bool {
	return c.Username != ""
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// Location returns the time zone used to interpret and print local times.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
