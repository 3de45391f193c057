// Package config loads orchestrator settings from YAML (or JSON) files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	orchestrator "github.com/goliatone/go-orchestrator"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the full daemon configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Templates []string        `yaml:"templates" json:"templates"`
}

// SchedulerConfig controls the advancement and purge ticks. A cron
// expression, when set, replaces the matching interval.
type SchedulerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval" json:"tick_interval"`
	TickCron      string        `yaml:"tick_cron" json:"tick_cron"`
	PurgeInterval time.Duration `yaml:"purge_interval" json:"purge_interval"`
	PurgeCron     string        `yaml:"purge_cron" json:"purge_cron"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	Retention     time.Duration `yaml:"retention" json:"retention"`
}

// RetryConfig is the retry policy used by templates that declare none.
type RetryConfig struct {
	Strategy string        `yaml:"strategy" json:"strategy"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
	Factor   float64       `yaml:"factor" json:"factor"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the SQLite data source, e.g. "file:orchestrator.db".
	DSN       string `yaml:"dsn" json:"dsn"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	Prefix    string `yaml:"prefix" json:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// NotifyConfig maps approver roles to recipients. Keys are "role" or
// "tenant/role".
type NotifyConfig struct {
	EscalationRole string              `yaml:"escalation_role" json:"escalation_role"`
	Approvers      map[string][]string `yaml:"approvers" json:"approvers"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			TickInterval:  time.Minute,
			PurgeInterval: time.Hour,
			Concurrency:   5,
			Retention:     90 * 24 * time.Hour,
		},
		Retry: RetryConfig{
			Strategy: "fixed",
			Delay:    60 * time.Second,
		},
		Storage: StorageConfig{Driver: DriverMemory},
		Log:     LogConfig{Level: "info", Format: "json"},
		Notify:  NotifyConfig{EscalationRole: "operations"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Parse reads YAML or JSON on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, orchestrator.NewError(orchestrator.ErrInvalidRequest, "parse config", err, nil)
	}
	return cfg, cfg.Validate()
}

// Load reads the file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return orchestrator.Errorf(orchestrator.ErrInvalidRequest, "config: "+format, args...)
	}
	if c.Scheduler.TickInterval <= 0 && c.Scheduler.TickCron == "" {
		return fail("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.PurgeInterval <= 0 && c.Scheduler.PurgeCron == "" {
		return fail("scheduler.purge_interval must be positive")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fail("scheduler.concurrency must be positive")
	}
	if c.Scheduler.Retention <= 0 {
		return fail("scheduler.retention must be positive")
	}
	switch c.Retry.Strategy {
	case "", "fixed", "exponential", "jittered", "none":
	default:
		return fail("unknown retry strategy %q", c.Retry.Strategy)
	}
	if c.Retry.Delay < 0 {
		return fail("retry.delay must not be negative")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.DSN == "" {
			return fail("storage.dsn required for sqlite")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return fail("storage.redis_addr required for redis")
		}
	default:
		return fail("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "", "json", "console", "text":
	default:
		return fail("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Policy returns the retry policy for a template, falling back to c when
// the template declares nothing.
func (c RetryConfig) Policy(p orchestrator.RetryPolicy) orchestrator.RetryPolicy {
	if p.Strategy != "" || p.Delay > 0 {
		return p
	}
	return orchestrator.RetryPolicy{
		Strategy: c.Strategy,
		Delay:    c.Delay,
		Factor:   c.Factor,
		MaxDelay: c.MaxDelay,
	}
}
