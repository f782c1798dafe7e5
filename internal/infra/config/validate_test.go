package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty default provider", func(c *Config) { c.LLM.DefaultProvider = "" },
			"llm.default_provider must not be empty"},
		{"unnamed provider", func(c *Config) { c.LLM.Providers = []ProviderConfig{{APIKey: "k"}} },
			"llm.providers[0].name must not be empty"},
		{"duplicate provider", func(c *Config) {
			c.LLM.DefaultProvider = "qwen"
			c.LLM.Providers = []ProviderConfig{{Name: "qwen", APIKey: "k"}, {Name: "qwen", APIKey: "k"}}
		}, `duplicate provider name "qwen"`},
		{"unknown type", func(c *Config) {
			c.LLM.DefaultProvider = "x"
			c.LLM.Providers = []ProviderConfig{{Name: "x", Type: "bard", APIKey: "k"}}
		}, `type "bard" is invalid`},
		{"missing key", func(c *Config) { c.LLM.Providers = []ProviderConfig{{Name: "qwen"}} },
			"CHATMUX_LLM_PROVIDER_QWEN_API_KEY"},
		{"default not listed", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "k"}}
		}, `llm.default_provider "qwen" does not match`},
		{"breaker without failures", func(c *Config) {
			c.LLM.CircuitBreaker.Enabled = true
			c.LLM.CircuitBreaker.MaxFailures = 0
		}, "llm.circuit_breaker"},
		{"keep recent too large", func(c *Config) { c.Conversation.KeepRecent = 50 },
			"conversation.keep_recent (50) must be < max_history (50)"},
		{"zero max history", func(c *Config) { c.Conversation.MaxHistory = 0 },
			"conversation.max_history must be > 0"},
		{"unknown assistant", func(c *Config) { c.Assistant.Default = "ghost" },
			`assistant.default "ghost" is not a known assistant`},
		{"extra without prompt", func(c *Config) { c.Assistant.Extra = []PersonaConfig{{ID: "x"}} },
			"assistant.extra[0].system_prompt must not be empty"},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "redis" },
			`storage.driver "redis" is invalid`},
		{"sqlite without path", func(c *Config) {
			c.Storage.Driver = "sqlite"
			c.Storage.Path = ""
		}, "storage.path is required"},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" },
			`logger.level "loud" is invalid`},
		{"bad exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, `tracer.exporter "jaeger" is invalid`},
		{"bad gateway addr", func(c *Config) {
			c.Gateway.Enabled = true
			c.Gateway.Addr = "localhost"
		}, `gateway.addr "localhost" is not a valid host:port`},
		{"empty gateway token", func(c *Config) {
			c.Gateway.Enabled = true
			c.Gateway.Tokens = []TokenConfig{{Name: "x"}}
		}, "gateway.tokens[0].token must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Driver = "redis"
	cfg.Logger.Format = "xml"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
