package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

var (
	validProviderTypes = []string{"openai", "anthropic", "ollama", "mock"}
	validBackends      = []string{"local", "mcp"}
	validStoreKinds    = []string{"sqlite", "memory"}
	validBinds         = []string{"loopback", "lan", "custom"}
	validAuthModes     = []string{"token", "password", "none"}
	validLogLevels     = []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	validLogFormats    = []string{"console", "json"}
)

// ProviderType returns the backend type for a named provider entry.
func (c *Config) ProviderType(name string) string {
	if p, ok := c.LLM.Providers[name]; ok && p.Type != "" {
		return p.Type
	}
	return name
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// LLM
	if t := cfg.ProviderType(cfg.LLM.Provider); !slices.Contains(validProviderTypes, t) {
		add("llm.provider", "must be one of %v, got %q", validProviderTypes, t)
	}
	for name, p := range cfg.LLM.Providers {
		t := p.Type
		if t == "" {
			t = name
		}
		if !slices.Contains(validProviderTypes, t) {
			add("llm.providers."+name+".type", "must be one of %v, got %q", validProviderTypes, t)
		}
	}
	if cfg.LLM.PlannerModel == "" {
		add("llm.plannerModel", "is required")
	}
	for i, ref := range cfg.LLM.Fallbacks {
		if !strings.Contains(ref, "/") {
			add(fmt.Sprintf("llm.fallbacks[%d]", i), "must be provider/model, got %q", ref)
		}
	}
	if t := cfg.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("llm.temperature", "must be 0-2, got %g", *t)
	}
	if cfg.LLM.CallTimeout < 0 {
		add("llm.callTimeout", "must not be negative")
	}

	// Agent
	if cfg.Agent.MaxPlannerRounds < 1 {
		add("agent.maxPlannerRounds", "must be at least 1, got %d", cfg.Agent.MaxPlannerRounds)
	}
	if cfg.Agent.PlannerRetries < 0 {
		add("agent.plannerRetries", "must not be negative, got %d", cfg.Agent.PlannerRetries)
	}
	if cfg.Agent.GateContextMessages < 0 {
		add("agent.gateContextMessages", "must not be negative, got %d", cfg.Agent.GateContextMessages)
	}

	// Tools
	if !slices.Contains(validBackends, cfg.Tools.Backend) {
		add("tools.backend", "must be one of %v, got %q", validBackends, cfg.Tools.Backend)
	}
	if cfg.Tools.CallTimeout <= 0 {
		add("tools.callTimeout", "must be positive")
	}
	if cfg.Tools.MaxParallel < 1 {
		add("tools.maxParallel", "must be at least 1, got %d", cfg.Tools.MaxParallel)
	}
	if cfg.Pool.MaxSessions < 1 {
		add("pool.maxSessions", "must be at least 1, got %d", cfg.Pool.MaxSessions)
	}
	if cfg.Pool.MaxAge < 0 {
		add("pool.maxAge", "must not be negative")
	}

	// Store
	if !slices.Contains(validStoreKinds, cfg.Store.Kind) {
		add("store.kind", "must be one of %v, got %q", validStoreKinds, cfg.Store.Kind)
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Logging
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	if cfg.Logging.Format != "" && !slices.Contains(validLogFormats, cfg.Logging.Format) {
		add("logging.format", "must be one of %v, got %q", validLogFormats, cfg.Logging.Format)
	}

	return issues
}
