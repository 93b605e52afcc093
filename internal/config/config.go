package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultGatewayPort      = 18790
	DefaultMaxPlannerRounds = 6
	DefaultToolTimeout      = 20 * time.Second
	DefaultPoolMaxSessions  = 3
	DefaultPoolMaxAge       = 5 * time.Minute
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults fills zero-value fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.PlannerModel == "" {
		cfg.LLM.PlannerModel = "gpt-4o-mini"
	}
	if cfg.LLM.GateModel == "" {
		cfg.LLM.GateModel = cfg.LLM.PlannerModel
	}
	if cfg.LLM.Temperature == nil {
		zero := 0.0
		cfg.LLM.Temperature = &zero
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 2048
	}
	if cfg.LLM.CallTimeout == 0 {
		cfg.LLM.CallTimeout = 2 * time.Minute
	}

	if cfg.Agent.MaxPlannerRounds == 0 {
		cfg.Agent.MaxPlannerRounds = DefaultMaxPlannerRounds
	}
	if cfg.Agent.PlannerRetries == 0 {
		cfg.Agent.PlannerRetries = 1
	}
	if cfg.Agent.RetryDelay == 0 {
		cfg.Agent.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Agent.GateContextMessages == 0 {
		cfg.Agent.GateContextMessages = 4
	}
	if cfg.Agent.TurnTimeout == 0 {
		cfg.Agent.TurnTimeout = 5 * time.Minute
	}

	if cfg.Tools.Backend == "" {
		cfg.Tools.Backend = "local"
	}
	if cfg.Tools.CallTimeout == 0 {
		cfg.Tools.CallTimeout = DefaultToolTimeout
	}
	if cfg.Tools.MaxParallel == 0 {
		cfg.Tools.MaxParallel = 8
	}

	if cfg.Pool.MaxSessions == 0 {
		cfg.Pool.MaxSessions = DefaultPoolMaxSessions
	}
	if cfg.Pool.MaxAge == 0 {
		cfg.Pool.MaxAge = DefaultPoolMaxAge
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "sqlite"
	}

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// ApplyPaths fills file locations that were left empty with paths under p.
func (c *Config) ApplyPaths(p Paths) {
	if c.SCDDB.Path == "" {
		c.SCDDB.Path = p.SCDDB
	}
	if c.Manual.Path == "" {
		c.Manual.Path = p.Manual
	}
	if c.Store.Path == "" {
		c.Store.Path = p.Checkpoints
	}
}
