package config

import "time"

// Config is the root configuration for rowan.
type Config struct {
	LLM     LLMConfig     `yaml:"llm,omitempty"`
	Agent   AgentConfig   `yaml:"agent,omitempty"`
	Tools   ToolsConfig   `yaml:"tools,omitempty"`
	Pool    PoolConfig    `yaml:"pool,omitempty"`
	SCDDB   SCDDBConfig   `yaml:"scddb,omitempty"`
	Manual  ManualConfig  `yaml:"manual,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// LLMConfig selects the language model providers used by the gate and planner.
type LLMConfig struct {
	Provider     string                    `yaml:"provider,omitempty"` // default provider name
	GateModel    string                    `yaml:"gateModel,omitempty"`
	PlannerModel string                    `yaml:"plannerModel,omitempty"`
	Fallbacks    []string                  `yaml:"fallbacks,omitempty"` // "provider/model" refs tried after the planner model
	Temperature  *float64                  `yaml:"temperature,omitempty"`
	MaxTokens    int                       `yaml:"maxTokens,omitempty"`
	CallTimeout  time.Duration             `yaml:"callTimeout,omitempty"`
	Providers    map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	Type    string `yaml:"type,omitempty"` // "openai" | "anthropic" | "ollama" ; defaults to the map key
	BaseURL string `yaml:"baseUrl,omitempty"`
	APIKey  string `yaml:"apiKey,omitempty"`
}

// AgentConfig bounds the orchestrator.
type AgentConfig struct {
	MaxPlannerRounds    int           `yaml:"maxPlannerRounds,omitempty"`
	PlannerRetries      int           `yaml:"plannerRetries,omitempty"`
	RetryDelay          time.Duration `yaml:"retryDelay,omitempty"`
	GateContextMessages int           `yaml:"gateContextMessages,omitempty"`
	TurnTimeout         time.Duration `yaml:"turnTimeout,omitempty"`
}

// ToolsConfig controls tool dispatch.
type ToolsConfig struct {
	Backend     string        `yaml:"backend,omitempty"` // "local" | "mcp"
	CallTimeout time.Duration `yaml:"callTimeout,omitempty"`
	MaxParallel int           `yaml:"maxParallel,omitempty"`
	MCP         MCPConfig     `yaml:"mcp,omitempty"`
}

// MCPConfig describes the MCP server spawned for the "mcp" backend.
type MCPConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// PoolConfig sizes the backend session pool.
type PoolConfig struct {
	MaxSessions int           `yaml:"maxSessions,omitempty"`
	MaxAge      time.Duration `yaml:"maxAge,omitempty"`
}

// SCDDBConfig locates the dance database.
type SCDDBConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ManualConfig locates the manual search index.
type ManualConfig struct {
	Path string `yaml:"path,omitempty"`
}

// StoreConfig selects where thread checkpoints live.
type StoreConfig struct {
	Kind string `yaml:"kind,omitempty"` // "sqlite" | "memory"
	Path string `yaml:"path,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password" | "none"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	Format string `yaml:"format,omitempty"` // "console" | "json"
	File   string `yaml:"file,omitempty"`
}
