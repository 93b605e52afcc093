package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields resolves ${ENV_VAR} references in credential fields.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	for name, p := range cfg.LLM.Providers {
		p.APIKey = expandEnvVars(p.APIKey)
		p.BaseURL = expandEnvVars(p.BaseURL)
		cfg.LLM.Providers[name] = p
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. A missing file yields defaults.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Defaults(), err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Defaults(), &ConfigError{Message: "failed to parse config: " + err.Error()}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal renders cfg as YAML with secrets masked.
func Marshal(cfg Config) ([]byte, error) {
	masked := cfg
	masked.Gateway.Auth.Token = mask(cfg.Gateway.Auth.Token)
	masked.Gateway.Auth.Password = mask(cfg.Gateway.Auth.Password)
	if len(cfg.LLM.Providers) > 0 {
		masked.LLM.Providers = make(map[string]ProviderConfig, len(cfg.LLM.Providers))
		for name, p := range cfg.LLM.Providers {
			p.APIKey = mask(p.APIKey)
			masked.LLM.Providers[name] = p
		}
	}
	return yaml.Marshal(masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// providerKeyEnv names the conventional API key variable per provider.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// applyEnvOverrides reads ROWAN_* environment variables over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROWAN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ROWAN_PLANNER_MODEL"); v != "" {
		cfg.LLM.PlannerModel = v
	}
	if v := os.Getenv("ROWAN_GATE_MODEL"); v != "" {
		cfg.LLM.GateModel = v
	}
	for provider, env := range providerKeyEnv {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		p := cfg.LLM.Providers[provider]
		if p.APIKey == "" {
			p.APIKey = v
			if cfg.LLM.Providers == nil {
				cfg.LLM.Providers = map[string]ProviderConfig{}
			}
			cfg.LLM.Providers[provider] = p
		}
	}
	if v := os.Getenv("ROWAN_MAX_PLANNER_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxPlannerRounds = n
		}
	}
	if v := os.Getenv("ROWAN_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tools.CallTimeout = d
		}
	}
	if v := os.Getenv("ROWAN_TOOLS_BACKEND"); v != "" {
		cfg.Tools.Backend = v
	}
	if v := os.Getenv("ROWAN_SCDDB_PATH"); v != "" {
		cfg.SCDDB.Path = v
	}
	if v := os.Getenv("ROWAN_MANUAL_PATH"); v != "" {
		cfg.Manual.Path = v
	}
	if v := os.Getenv("ROWAN_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("ROWAN_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("ROWAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
