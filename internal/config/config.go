// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Config holds simulator daemon configuration.
type Config struct {
	ListenAddr       string
	DataDir          string // Default output directory for event logs
	LogLevel         string // debug, info, warn or error
	ScenarioFile     string // Optional YAML scenario run at startup
	QueueSize        int    // Per-environment request queue capacity
	SubscriberBuffer int    // Blocks buffered per subscriber before drop-oldest
	CORSOrigin       string // Allowed origin, or "*" for all
}

// Defaults
const (
	DefaultListenAddr       = ":3001"
	DefaultDataDir          = "./data"
	DefaultLogLevel         = "info"
	DefaultQueueSize        = 1024
	DefaultSubscriberBuffer = 256
	DefaultCORSOrigin       = "*"

	MaxQueueSize        = 1 << 20
	MaxSubscriberBuffer = 1 << 16
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddr:       DefaultListenAddr,
		DataDir:          DefaultDataDir,
		LogLevel:         DefaultLogLevel,
		QueueSize:        DefaultQueueSize,
		SubscriberBuffer: DefaultSubscriberBuffer,
		CORSOrigin:       DefaultCORSOrigin,
	}
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("simd", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for event log outputs")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ScenarioFile, "scenario", cfg.ScenarioFile, "YAML scenario to run at startup")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Request queue capacity per environment")
	fs.IntVar(&cfg.SubscriberBuffer, "subscriber-buffer", cfg.SubscriberBuffer, "Blocks buffered per subscriber")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "Allowed CORS origin")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("LISTEN_ADDR"); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup("DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("SCENARIO_FILE"); ok {
		c.ScenarioFile = v
	}
	if v, ok := lookup("QUEUE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUEUE_SIZE: %w", err)
		}
		c.QueueSize = n
	}
	if v, ok := lookup("SUBSCRIBER_BUFFER"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SUBSCRIBER_BUFFER: %w", err)
		}
		c.SubscriberBuffer = n
	}
	if v, ok := lookup("CORS_ORIGIN"); ok && v != "" {
		c.CORSOrigin = v
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.QueueSize <= 0 || c.QueueSize > MaxQueueSize {
		return fmt.Errorf("queue size must be between 1 and %d", MaxQueueSize)
	}
	if c.SubscriberBuffer <= 0 || c.SubscriberBuffer > MaxSubscriberBuffer {
		return fmt.Errorf("subscriber buffer must be between 1 and %d", MaxSubscriberBuffer)
	}
	return nil
}

// SlogLevel returns the configured level. Call after Validate.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}
