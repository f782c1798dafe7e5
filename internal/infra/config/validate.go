package config

import (
	"fmt"
	"net"
	"strings"

	"chatmux/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateConversation(cfg, ve)
	validateAssistant(cfg, ve)
	validateStorage(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !KnownProvider(p.Kind()) {
			ve.Add("llm.providers[%d].type %q is invalid (want: qwen, openai, openrouter)", i, p.Kind())
		}
		if p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via CHATMUX_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.RateLimit.RequestsPerWindow < 0 || p.RateLimit.WindowMillis < 0 {
			ve.Add("llm.providers[%d] (%s): rate_limit values must not be negative", i, p.Name)
		}
	}

	// An unlisted default is allowed: the CLI can supply the key directly.
	if len(cfg.LLM.Providers) > 0 && cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled && (cb.MaxFailures == 0 || cb.Timeout <= 0) {
		ve.Add("llm.circuit_breaker: max_failures and timeout must be > 0 when enabled")
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	c := cfg.Conversation
	if c.MaxHistory <= 0 {
		ve.Add("conversation.max_history must be > 0")
	}
	if c.KeepRecent <= 0 {
		ve.Add("conversation.keep_recent must be > 0")
	}
	if c.KeepRecent >= c.MaxHistory {
		ve.Add("conversation.keep_recent (%d) must be < max_history (%d)", c.KeepRecent, c.MaxHistory)
	}
	if c.HistoryLimit < 0 {
		ve.Add("conversation.history_limit must not be negative")
	}
}

func validateAssistant(cfg *Config, ve *ValidationError) {
	catalog := domain.NewAssistantCatalog(cfg.Assistant.Personas()...)
	if _, ok := catalog.Get(cfg.Assistant.Default); !ok {
		ve.Add("assistant.default %q is not a known assistant", cfg.Assistant.Default)
	}
	for i, p := range cfg.Assistant.Extra {
		if p.ID == "" {
			ve.Add("assistant.extra[%d].id must not be empty", i)
		}
		if p.SystemPrompt == "" {
			ve.Add("assistant.extra[%d].system_prompt must not be empty", i)
		}
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			ve.Add("storage.path is required for the sqlite driver")
		}
	default:
		ve.Add("storage.driver %q is invalid (want: memory, sqlite)", cfg.Storage.Driver)
	}
	if cfg.Storage.CleanupAfter < 0 {
		ve.Add("storage.cleanup_after must not be negative")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RequestsPerMin < 0 || cfg.Gateway.Burst < 0 {
		ve.Add("gateway rate limits must not be negative")
	}
	for i, t := range cfg.Gateway.Tokens {
		if t.Token == "" {
			ve.Add("gateway.tokens[%d].token must not be empty", i)
		}
	}
}
