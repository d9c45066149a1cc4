// Package config loads daemon and CLI settings from a YAML file with
// NOTESYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL    = "http://127.0.0.1:3000/api"
	DefaultStorageDSN = "file://~/.notesync/store.json"
	envPrefix         = "NOTESYNC_"
)

type Config struct {
	User    User    `yaml:"user"`
	API     API     `yaml:"api"`
	Storage Storage `yaml:"storage"`
	Sync    Sync    `yaml:"sync"`
	Status  Status  `yaml:"status"`
	Network Network `yaml:"network"`
	Logging Logging `yaml:"logging"`
}

type User struct {
	ID string `yaml:"id"`
}

type API struct {
	BaseURL    string        `yaml:"baseURL"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

type Storage struct {
	DSN          string `yaml:"dsn"`
	MaxItemBytes int    `yaml:"maxItemBytes"`
}

type Sync struct {
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"intervalJitter"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
	OperationDelay time.Duration `yaml:"operationDelay"`
	MaxRetries     int           `yaml:"maxRetries"`
}

type Status struct {
	// Addr is empty when the status API is disabled.
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type Network struct {
	SignalFile string `yaml:"signalFile"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL:    DefaultBaseURL,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Storage: Storage{
			DSN:          DefaultStorageDSN,
			MaxItemBytes: 2 << 20,
		},
		Sync: Sync{
			Interval:       30 * time.Second,
			SettleDelay:    time.Second,
			OperationDelay: 500 * time.Millisecond,
			MaxRetries:     3,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result. Invalid override values are logged and ignored.
func Load(path string, logger *slog.Logger) (Config, error) {
	return load(path, os.LookupEnv, logger)
}

func load(path string, lookup func(string) (string, bool), logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	env := envReader{lookup: lookup, logger: logger}
	env.applyTo(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.baseURL is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.IntervalJitter < 0 || c.Sync.IntervalJitter > 1 {
		errs = append(errs, fmt.Errorf("sync.intervalJitter %v outside [0,1]", c.Sync.IntervalJitter))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.maxRetries must be at least 1"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by l.
func (l Logging) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", raw)
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

func (e envReader) applyTo(cfg *Config) {
	e.str("USER_ID", &cfg.User.ID)
	e.str("API_BASE_URL", &cfg.API.BaseURL)
	e.str("API_TOKEN", &cfg.API.Token)
	e.duration("API_TIMEOUT", &cfg.API.Timeout)
	e.integer("API_MAX_RETRIES", &cfg.API.MaxRetries)
	e.str("STORAGE_DSN", &cfg.Storage.DSN)
	e.integer("STORAGE_MAX_ITEM_BYTES", &cfg.Storage.MaxItemBytes)
	e.duration("SYNC_INTERVAL", &cfg.Sync.Interval)
	e.float("SYNC_INTERVAL_JITTER", &cfg.Sync.IntervalJitter)
	e.duration("SYNC_SETTLE_DELAY", &cfg.Sync.SettleDelay)
	e.duration("SYNC_OPERATION_DELAY", &cfg.Sync.OperationDelay)
	e.integer("SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	e.str("STATUS_ADDR", &cfg.Status.Addr)
	e.str("STATUS_TOKEN", &cfg.Status.Token)
	e.str("NETWORK_SIGNAL_FILE", &cfg.Network.SignalFile)
	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
}

func (e envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e envReader) str(name string, dst *string) {
	if value, ok := e.raw(name); ok {
		*dst = value
	}
}

func (e envReader) duration(name string, dst *time.Duration) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid environment override, using configured value", "name", envPrefix+name, "value", raw, "fallback", dst.String())
		return
	}
	*dst = value
}

func (e envReader) integer(name string, dst *int) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid environment override, using configured value", "name", envPrefix+name, "value", raw, "fallback", *dst)
		return
	}
	*dst = value
}

func (e envReader) float(name string, dst *float64) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logger.Warn("invalid environment override, using configured value", "name", envPrefix+name, "value", raw, "fallback", *dst)
		return
	}
	*dst = value
}
