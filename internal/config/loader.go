// Package config loads orchestra settings from defaults, an optional YAML
// file, ORCHESTRA_* environment variables, and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/orchestra/pkg/launch"
	"github.com/3leaps/orchestra/pkg/orchestrator"
	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/store"
)

const (
	// AppName names the data directory and the default config file.
	AppName = "orchestra"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "ORCHESTRA"

	// EnvConfigFile points Load at a YAML config file.
	EnvConfigFile = EnvPrefix + "_CONFIG"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Store     StoreConfig     `mapstructure:"store"`
	Events    EventsConfig    `mapstructure:"events"`
	Launch    LaunchConfig    `mapstructure:"launch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig configures the operations HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StoreConfig selects the job database. URL wins over Path when both are set.
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	URL         string        `mapstructure:"url"`
	AuthToken   string        `mapstructure:"auth_token"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type LaunchConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	RecoverOnStart bool          `mapstructure:"recover_on_start"`
}

type ReconcileConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type WorkflowConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RunsConfig struct {
	Dir     string `mapstructure:"dir"`
	MaxRuns int    `mapstructure:"max_runs"`
}

type QuotaConfig struct {
	Capacity float64 `mapstructure:"capacity"`
}

// ProvidersConfig names a definitions file and/or inline definitions.
type ProvidersConfig struct {
	File        string                `mapstructure:"file"`
	Definitions []provider.Definition `mapstructure:"definitions"`
}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// DefaultDataDir is where the database and run records live by default.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// SetDefaults installs every default value on v.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("store.path", filepath.Join(dataDir, "orchestra.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_timeout", store.DefaultBusyTimeout)

	v.SetDefault("events.buffer", 64)

	v.SetDefault("launch.queue_size", launch.DefaultQueueSize)
	v.SetDefault("launch.timeout", "0s")
	v.SetDefault("launch.rate_limit", 0)
	v.SetDefault("launch.burst", 1)
	v.SetDefault("launch.recover_on_start", true)

	v.SetDefault("reconcile.poll_interval", "15s")
	v.SetDefault("workflow.sweep_interval", "30s")

	v.SetDefault("runs.dir", filepath.Join(dataDir, "runs"))
	v.SetDefault("runs.max_runs", 1000)

	v.SetDefault("quota.capacity", 0)

	v.SetDefault("providers.file", "")
}

func getEnvSpecs() []envSpec {
	specs := []envSpec{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"METRICS_ENABLED", "metrics.enabled"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"DB_PATH", "store.path"},
		{"DB_URL", "store.url"},
		{"DB_AUTH_TOKEN", "store.auth_token"},
		{"EVENT_BUFFER", "events.buffer"},
		{"LAUNCH_QUEUE_SIZE", "launch.queue_size"},
		{"LAUNCH_TIMEOUT", "launch.timeout"},
		{"LAUNCH_RATE_LIMIT", "launch.rate_limit"},
		{"LAUNCH_BURST", "launch.burst"},
		{"RECOVER_ON_START", "launch.recover_on_start"},
		{"POLL_INTERVAL", "reconcile.poll_interval"},
		{"SWEEP_INTERVAL", "workflow.sweep_interval"},
		{"RUNS_DIR", "runs.dir"},
		{"MAX_RUNS", "runs.max_runs"},
		{"QUOTA_CAPACITY", "quota.capacity"},
		{"PROVIDERS_FILE", "providers.file"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	return specs
}

// Load builds the configuration, reading the file named by ORCHESTRA_CONFIG
// when set. Overrides are nested maps keyed like the YAML file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, os.Getenv(EnvConfigFile), overrides...)
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v, DefaultDataDir())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	c.Store.URL = strings.TrimSpace(c.Store.URL)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Store.Path == "" && c.Store.URL == "":
		return fmt.Errorf("store.path or store.url is required")
	case c.Store.BusyTimeout < 0:
		return fmt.Errorf("store.busy_timeout must be >= 0")
	case c.Events.Buffer < 0:
		return fmt.Errorf("events.buffer must be >= 0")
	case c.Launch.QueueSize < 1:
		return fmt.Errorf("launch.queue_size must be >= 1")
	case c.Launch.Timeout < 0:
		return fmt.Errorf("launch.timeout must be >= 0")
	case c.Launch.RateLimit < 0:
		return fmt.Errorf("launch.rate_limit must be >= 0")
	case c.Launch.Burst < 0:
		return fmt.Errorf("launch.burst must be >= 0")
	case c.Reconcile.PollInterval <= 0:
		return fmt.Errorf("reconcile.poll_interval must be > 0")
	case c.Workflow.SweepInterval < 0:
		return fmt.Errorf("workflow.sweep_interval must be >= 0")
	case c.Runs.MaxRuns < 0:
		return fmt.Errorf("runs.max_runs must be >= 0")
	}
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		return fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile)
	}
	return nil
}

// Orchestrator converts the settings into component configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Store: store.Config{
			Path:        c.Store.Path,
			URL:         c.Store.URL,
			AuthToken:   c.Store.AuthToken,
			BusyTimeout: c.Store.BusyTimeout,
		},
		EventBuffer: c.Events.Buffer,
		Launch: launch.Config{
			QueueSize: c.Launch.QueueSize,
			Timeout:   c.Launch.Timeout,
			RateLimit: c.Launch.RateLimit,
			Burst:     c.Launch.Burst,
		},
		RecoverOnStart: c.Launch.RecoverOnStart,
		PollInterval:   c.Reconcile.PollInterval,
		SweepInterval:  c.Workflow.SweepInterval,
		RunsDir:        c.Runs.Dir,
		MaxRuns:        c.Runs.MaxRuns,
		QuotaCapacity:  c.Quota.Capacity,
		ProvidersFile:  c.Providers.File,
		Providers:      c.Providers.Definitions,
	}
}
