package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatmux/internal/domain"
)

// Config is the root configuration for chatmux.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Conversation ConversationConfig `yaml:"conversation"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Storage      StorageConfig      `yaml:"storage"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// LLMConfig holds provider selection settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns" json:"maxIdleConns,omitempty"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"maxIdleConnsPerHost,omitempty"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host" json:"maxConnsPerHost,omitempty"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" json:"idleConnTimeout,omitempty"`
}

// RateLimitConfig bounds outgoing calls to one provider.
type RateLimitConfig struct {
	RequestsPerWindow int   `yaml:"requests_per_window" json:"requestsPerWindow"`
	WindowMillis      int64 `yaml:"window_ms" json:"windowMillis"`
}

// Window returns the sliding window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMillis) * time.Millisecond
}

// ProviderConfig holds settings for a single LLM provider. It is also the
// shape persisted under the ai-config key, hence the json tags.
type ProviderConfig struct {
	Name        string          `yaml:"name" json:"name"`
	Type        string          `yaml:"type" json:"type,omitempty"`
	BaseURL     string          `yaml:"base_url" json:"baseUrl,omitempty"`
	APIKey      string          `yaml:"api_key" json:"apiKey,omitempty"`
	Model       string          `yaml:"model" json:"defaultModel,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rateLimit"`
	ConnTimeout time.Duration   `yaml:"conn_timeout" json:"connTimeout,omitempty"`
	RespTimeout time.Duration   `yaml:"resp_timeout" json:"respTimeout,omitempty"`
	Pool        PoolConfig      `yaml:"pool" json:"pool"`
}

// Kind returns the factory name for the provider. Type wins over Name so
// that several entries can share one wire format.
func (p ProviderConfig) Kind() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ConversationConfig controls history bounding.
type ConversationConfig struct {
	MaxHistory   int `yaml:"max_history"`
	KeepRecent   int `yaml:"keep_recent"`
	HistoryLimit int `yaml:"history_limit"`
}

// PersonaConfig declares an additional assistant persona.
type PersonaConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	DisplayName  string `yaml:"display_name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}

// AssistantConfig selects the default persona and adds custom ones.
type AssistantConfig struct {
	Default string          `yaml:"default"`
	Extra   []PersonaConfig `yaml:"extra"`
}

// Personas converts the extra persona entries to domain assistants.
func (a AssistantConfig) Personas() []domain.Assistant {
	out := make([]domain.Assistant, 0, len(a.Extra))
	for _, p := range a.Extra {
		out = append(out, domain.Assistant{
			ID:           p.ID,
			Name:         p.Name,
			DisplayName:  p.DisplayName,
			Description:  p.Description,
			SystemPrompt: p.SystemPrompt,
		})
	}
	return out
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver       string        `yaml:"driver"` // "memory" or "sqlite"
	Path         string        `yaml:"path"`
	Prefix       string        `yaml:"prefix"`
	CleanupAfter time.Duration `yaml:"cleanup_after"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Tokens         []TokenConfig `yaml:"tokens,omitempty"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	Burst          int           `yaml:"burst"`
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"`
}

// TokenConfig is one static gateway credential.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// Built-in provider defaults.
var providerDefaults = map[string]ProviderConfig{
	"qwen": {
		BaseURL:   "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation",
		Model:     "qwen-plus",
		RateLimit: RateLimitConfig{RequestsPerWindow: 60, WindowMillis: 60_000},
	},
	"openai": {
		BaseURL:   "https://api.openai.com/v1/chat/completions",
		Model:     "gpt-3.5-turbo",
		RateLimit: RateLimitConfig{RequestsPerWindow: 20, WindowMillis: 60_000},
	},
	"openrouter": {
		BaseURL:   "https://openrouter.ai/api/v1/chat/completions",
		Model:     "openai/gpt-3.5-turbo",
		RateLimit: RateLimitConfig{RequestsPerWindow: 20, WindowMillis: 60_000},
	},
}

// KnownProvider reports whether kind has built-in defaults.
func KnownProvider(kind string) bool {
	_, ok := providerDefaults[kind]
	return ok
}

// WithDefaults fills empty fields of p from the built-in defaults for its kind.
func (p ProviderConfig) WithDefaults() ProviderConfig {
	d, ok := providerDefaults[p.Kind()]
	if !ok {
		return p
	}
	if p.BaseURL == "" {
		p.BaseURL = d.BaseURL
	}
	if p.Model == "" {
		p.Model = d.Model
	}
	if p.RateLimit.RequestsPerWindow <= 0 {
		p.RateLimit.RequestsPerWindow = d.RateLimit.RequestsPerWindow
	}
	if p.RateLimit.WindowMillis <= 0 {
		p.RateLimit.WindowMillis = d.RateLimit.WindowMillis
	}
	if p.ConnTimeout == 0 {
		p.ConnTimeout = 10 * time.Second
	}
	if p.RespTimeout == 0 {
		p.RespTimeout = 120 * time.Second
	}
	return p
}

// defaultDataDir returns $HOME/.chatmux, falling back to ./data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatmux")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "qwen",
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Conversation: ConversationConfig{
			MaxHistory:   50,
			KeepRecent:   30,
			HistoryLimit: 10,
		},
		Assistant: AssistantConfig{Default: "eggcat"},
		Storage: StorageConfig{
			Driver:       "memory",
			Path:         filepath.Join(defaultDataDir(), "chatmux.db"),
			Prefix:       "chatmux_",
			CleanupAfter: 30 * 24 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{Exporter: "noop"},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8787",
			RequestsPerMin: 60,
			Burst:          10,
		},
	}
}

// Load reads config from a YAML file, applies env overrides, decrypts
// enc: secrets and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATMUX_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	for i := range cfg.LLM.Providers {
		cfg.LLM.Providers[i] = cfg.LLM.Providers[i].WithDefaults()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATMUX_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATMUX_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("CHATMUX_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATMUX_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATMUX_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATMUX_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATMUX_ASSISTANT_DEFAULT"); v != "" {
		cfg.Assistant.Default = v
	}
	if v := os.Getenv("CHATMUX_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CHATMUX_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHATMUX_CONVERSATION_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Conversation.MaxHistory = n
		}
	}
	if v := os.Getenv("CHATMUX_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("CHATMUX_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CHATMUX_GATEWAY_TOKENS"); v != "" {
		for i, tok := range splitAndTrim(v, ",") {
			cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{
				Token: tok,
				Name:  "env-" + strconv.Itoa(i),
			})
		}
	}

	// Per-provider API key overrides: CHATMUX_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("CHATMUX_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// Provider returns the provider entry with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
