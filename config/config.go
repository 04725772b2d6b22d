// Package config defines the service configuration. Values come from an
// optional YAML file; environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Router    RouterConfig              `yaml:"router"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Roles     RolesConfig               `yaml:"roles"`
	Value     ValueConfig               `yaml:"value"`
	Geo       GeoConfig                 `yaml:"geo"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the optional redis settings for distributed idempotency.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// RouterConfig tunes the provider-facing routing primitives.
type RouterConfig struct {
	Mode                     string        `yaml:"mode"` // hedged | single
	HedgedTimeout            time.Duration `yaml:"hedged_timeout"`
	MaxConcurrentPerProvider int           `yaml:"max_concurrent_per_provider"`
	GateQueueTimeout         time.Duration `yaml:"gate_queue_timeout"`
	TotalBudget              time.Duration `yaml:"total_budget"`
	PlannerDeadline          time.Duration `yaml:"planner_deadline"`
	BriefingTimeout          time.Duration `yaml:"briefing_timeout"`
	TriadTimeout             time.Duration `yaml:"triad_timeout"`
	BreakerThreshold         int           `yaml:"breaker_threshold"`
	BreakerReset             time.Duration `yaml:"breaker_reset"`
}

// ProviderConfig holds one LLM provider's settings.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// RolesConfig maps pipeline roles to models. Values are "provider/model".
type RolesConfig struct {
	Strategist   string `yaml:"strategist"`
	Briefer      string `yaml:"briefer"`
	Consolidator string `yaml:"consolidator"`
	VenuePlanner string `yaml:"venue_planner"`
}

// ValueConfig holds the earnings-rate grading constants.
type ValueConfig struct {
	BaseRatePerMin      float64 `yaml:"base_rate_per_min"`
	DefaultTripMin      float64 `yaml:"default_trip_min"`
	DefaultWaitMin      float64 `yaml:"default_wait_min"`
	MinAcceptablePerMin float64 `yaml:"min_acceptable_per_min"`
}

// GeoConfig holds external geospatial service settings.
type GeoConfig struct {
	GoogleAPIKey string `yaml:"google_api_key"`
	TomTomAPIKey string `yaml:"tomtom_api_key"`
}

// Load reads the YAML file at path (if it exists) and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{Providers: map[string]ProviderConfig{}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Addr, "LISTEN_ADDR")
	envStr(&c.Logging.Level, "LOG_LEVEL")
	envStr(&c.Database.DSN, "DATABASE_URL")
	envStr(&c.Redis.Addr, "REDIS_ADDR")

	envStr(&c.Router.Mode, "LLM_ROUTER_MODE")
	envMs(&c.Router.HedgedTimeout, "LLM_HEDGED_TIMEOUT_MS")
	envInt(&c.Router.MaxConcurrentPerProvider, "LLM_MAX_CONCURRENT_PER_PROVIDER")
	envMs(&c.Router.TotalBudget, "LLM_TOTAL_BUDGET_MS")
	envMs(&c.Router.PlannerDeadline, "PLANNER_DEADLINE_MS")
	envMs(&c.Router.BriefingTimeout, "BRIEFING_TIMEOUT_MS")
	envMs(&c.Router.TriadTimeout, "TRIAD_TIMEOUT_MS")

	envFloat(&c.Value.BaseRatePerMin, "VALUE_BASE_RATE_PER_MIN")
	envFloat(&c.Value.DefaultTripMin, "VALUE_DEFAULT_TRIP_MIN")
	envFloat(&c.Value.DefaultWaitMin, "VALUE_DEFAULT_WAIT_MIN")
	envFloat(&c.Value.MinAcceptablePerMin, "VALUE_MIN_ACCEPTABLE_PER_MIN")

	envStr(&c.Roles.Strategist, "STRATEGY_STRATEGIST")
	envStr(&c.Roles.Briefer, "STRATEGY_BRIEFER")
	envStr(&c.Roles.Consolidator, "STRATEGY_CONSOLIDATOR")
	envStr(&c.Roles.VenuePlanner, "STRATEGY_VENUE_PLANNER")

	envStr(&c.Geo.GoogleAPIKey, "GOOGLE_MAPS_API_KEY")
	envStr(&c.Geo.TomTomAPIKey, "TOMTOM_API_KEY")

	for _, name := range []string{"anthropic", "openai", "gemini", "perplexity"} {
		keyVar := map[string]string{
			"anthropic":  "ANTHROPIC_API_KEY",
			"openai":     "OPENAI_API_KEY",
			"gemini":     "GEMINI_API_KEY",
			"perplexity": "PERPLEXITY_API_KEY",
		}[name]
		if v := os.Getenv(keyVar); v != "" {
			pc := c.Providers[name]
			pc.APIKey = v
			c.Providers[name] = pc
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}

	if c.Router.Mode == "" {
		c.Router.Mode = "hedged"
	}
	if c.Router.HedgedTimeout == 0 {
		c.Router.HedgedTimeout = 8 * time.Second
	}
	if c.Router.MaxConcurrentPerProvider == 0 {
		c.Router.MaxConcurrentPerProvider = 10
	}
	if c.Router.GateQueueTimeout == 0 {
		c.Router.GateQueueTimeout = 30 * time.Second
	}
	if c.Router.TotalBudget == 0 {
		c.Router.TotalBudget = 180 * time.Second
	}
	if c.Router.PlannerDeadline == 0 {
		c.Router.PlannerDeadline = 120 * time.Second
	}
	if c.Router.BriefingTimeout == 0 {
		c.Router.BriefingTimeout = 8 * time.Second
	}
	if c.Router.TriadTimeout == 0 {
		c.Router.TriadTimeout = 30 * time.Second
	}
	if c.Router.BreakerThreshold == 0 {
		c.Router.BreakerThreshold = 5
	}
	if c.Router.BreakerReset == 0 {
		c.Router.BreakerReset = 60 * time.Second
	}

	if c.Value.BaseRatePerMin == 0 {
		c.Value.BaseRatePerMin = 0.85
	}
	if c.Value.DefaultTripMin == 0 {
		c.Value.DefaultTripMin = 18
	}
	if c.Value.DefaultWaitMin == 0 {
		c.Value.DefaultWaitMin = 8
	}
	if c.Value.MinAcceptablePerMin == 0 {
		c.Value.MinAcceptablePerMin = 0.40
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envMs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
