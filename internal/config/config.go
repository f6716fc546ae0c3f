package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the runtime configuration shared by the netserver and netclient
// binaries.
type Config struct {
	Host           string
	Port           int
	MaxSessions    int
	Backlog        int
	IdleTimeout    time.Duration
	MinIdleTimeout time.Duration
	SweepInterval  time.Duration
	WriteTimeout   time.Duration
	StatsInterval  time.Duration
	StatsPath      string // empty disables the stats journal
	MonitorAddr    string // empty disables the live monitor
	LogLevel       string
	LogFormat      string
}

type fileConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	MaxSessions      int    `toml:"max_sessions"`
	Backlog          int    `toml:"backlog"`
	IdleTimeoutMS    int64  `toml:"idle_timeout_ms"`
	MinIdleTimeoutMS int64  `toml:"min_idle_timeout_ms"`
	SweepIntervalMS  int64  `toml:"sweep_interval_ms"`
	WriteTimeoutMS   int64  `toml:"write_timeout_ms"`
	StatsIntervalMS  int64  `toml:"stats_interval_ms"`
	StatsPath        string `toml:"stats_path"`
	MonitorAddr      string `toml:"monitor_addr"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           20210,
		MaxSessions:    2000,
		Backlog:        2,
		IdleTimeout:    60 * time.Second,
		MinIdleTimeout: 10 * time.Second,
		SweepInterval:  time.Second,
		WriteTimeout:   10 * time.Second,
		StatsInterval:  10 * time.Second,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads a TOML file on top of Default. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("backlog") {
		cfg.Backlog = raw.Backlog
	}
	if meta.IsDefined("idle_timeout_ms") {
		cfg.IdleTimeout = millis(raw.IdleTimeoutMS)
	}
	if meta.IsDefined("min_idle_timeout_ms") {
		cfg.MinIdleTimeout = millis(raw.MinIdleTimeoutMS)
	}
	if meta.IsDefined("sweep_interval_ms") {
		cfg.SweepInterval = millis(raw.SweepIntervalMS)
	}
	if meta.IsDefined("write_timeout_ms") {
		cfg.WriteTimeout = millis(raw.WriteTimeoutMS)
	}
	if meta.IsDefined("stats_interval_ms") {
		cfg.StatsInterval = millis(raw.StatsIntervalMS)
	}
	if meta.IsDefined("stats_path") {
		cfg.StatsPath = strings.TrimSpace(raw.StatsPath)
	}
	if meta.IsDefined("monitor_addr") {
		cfg.MonitorAddr = strings.TrimSpace(raw.MonitorAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d outside 1-65535", c.Port))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max_sessions %d is negative", c.MaxSessions))
	}
	if c.MinIdleTimeout < 0 {
		errs = append(errs, errors.New("min_idle_timeout_ms is negative"))
	}
	if c.IdleTimeout < c.MinIdleTimeout {
		errs = append(errs, fmt.Errorf("idle_timeout_ms %d below min_idle_timeout_ms %d",
			c.IdleTimeout.Milliseconds(), c.MinIdleTimeout.Milliseconds()))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval_ms must be positive"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats_interval_ms must be positive"))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout_ms is negative"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be console or json", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
