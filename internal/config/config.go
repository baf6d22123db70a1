// Package config parses the fusion controller's command-line flags
// into a validated Config, mirroring the teacher's flag-parsing-plus-
// defaults idiom but without the JSON tuning-file layer that domain
// no longer needs.
package config

import (
	"flag"
	"fmt"
	"time"
)

// Config holds every knob the CLI exposes, per spec's CLI surface.
type Config struct {
	RedisURL       string
	Algorithm      string
	UpdateInterval time.Duration
	NodeTimeout    time.Duration
	Workers        int
	Debug          bool

	EventLogPath       string
	EventLogMigrations string
}

// Default returns the configuration matching spec's documented CLI
// defaults.
func Default() Config {
	return Config{
		RedisURL:       "tcp://127.0.0.1:6379",
		Algorithm:      "TargetTrackingAlgorithm",
		UpdateInterval: 100 * time.Millisecond,
		NodeTimeout:    30 * time.Second,
		Workers:        2,
		Debug:          false,
	}
}

// Parse parses args (typically os.Args[1:]) into a Config seeded with
// Default, returning a fatal-before-start error on any malformed flag
// or out-of-range value — spec's "configuration error" policy.
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("fusionctl", flag.ContinueOnError)
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "message bus connection URL")
	fs.StringVar(&cfg.Algorithm, "algorithm", cfg.Algorithm, "registered algorithm name to run")
	updateIntervalMS := fs.Int("update-interval", int(cfg.UpdateInterval/time.Millisecond), "algorithm tick interval in milliseconds")
	nodeTimeoutSeconds := fs.Int("node-timeout", int(cfg.NodeTimeout/time.Second), "node liveness timeout in seconds")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "ingress worker pool size")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.StringVar(&cfg.EventLogPath, "event-log", "", "path to a SQLite event log database; empty disables the audit sink")
	fs.StringVar(&cfg.EventLogMigrations, "event-log-migrations", "internal/eventlog/migrations", "directory containing event log migration files")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.UpdateInterval = time.Duration(*updateIntervalMS) * time.Millisecond
	cfg.NodeTimeout = time.Duration(*nodeTimeoutSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the manager unable
// to start.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: redis-url must not be empty")
	}
	if c.Algorithm == "" {
		return fmt.Errorf("config: algorithm must not be empty")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("config: update-interval must be positive, got %s", c.UpdateInterval)
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("config: node-timeout must be positive, got %s", c.NodeTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	return nil
}
