package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/domain"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	// WriteFile honours umask; force the mode under test.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.LLM.DefaultProvider != "qwen" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "qwen")
	}
	if cfg.Conversation.MaxHistory != 50 || cfg.Conversation.KeepRecent != 30 {
		t.Errorf("conversation bounds = %d/%d, want 50/30",
			cfg.Conversation.MaxHistory, cfg.Conversation.KeepRecent)
	}
	if cfg.Conversation.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.Conversation.HistoryLimit)
	}
	if cfg.Storage.CleanupAfter != 30*24*time.Hour {
		t.Errorf("CleanupAfter = %v, want 720h", cfg.Storage.CleanupAfter)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "eggcat", cfg.Assistant.Default)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: "work"
  providers:
    - name: "work"
      type: "openai"
      api_key: "test-key"
      rate_limit:
        requests_per_window: 5
        window_ms: 1000
conversation:
  max_history: 20
  keep_recent: 8
assistant:
  default: "reviewer"
  extra:
    - id: "reviewer"
      name: "Reviewer"
      system_prompt: "You review code."
logger:
  level: "debug"
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	p, ok := cfg.Provider("work")
	require.True(t, ok)
	assert.Equal(t, "openai", p.Kind())
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BaseURL)
	assert.Equal(t, "gpt-3.5-turbo", p.Model)
	assert.Equal(t, 5, p.RateLimit.RequestsPerWindow)
	assert.Equal(t, time.Second, p.RateLimit.Window())

	assert.Equal(t, 20, cfg.Conversation.MaxHistory)
	assert.Equal(t, 8, cfg.Conversation.KeepRecent)
	assert.Equal(t, 10, cfg.Conversation.HistoryLimit)
	assert.Equal(t, "debug", cfg.Logger.Level)
	require.Len(t, cfg.Assistant.Personas(), 1)
	assert.Equal(t, "reviewer", cfg.Assistant.Personas()[0].ID)
}

func TestProviderWithDefaultsKeepsExplicitValues(t *testing.T) {
	p := ProviderConfig{
		Name:      "qwen",
		BaseURL:   "http://localhost:9000",
		Model:     "qwen-max",
		RateLimit: RateLimitConfig{RequestsPerWindow: 3},
	}.WithDefaults()

	assert.Equal(t, "http://localhost:9000", p.BaseURL)
	assert.Equal(t, "qwen-max", p.Model)
	assert.Equal(t, 3, p.RateLimit.RequestsPerWindow)
	assert.Equal(t, 60*time.Second, p.RateLimit.Window())
}

func TestProviderWithDefaultsUnknownKind(t *testing.T) {
	p := ProviderConfig{Name: "mystery"}
	assert.Equal(t, p, p.WithDefaults())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHATMUX_LLM_DEFAULT_PROVIDER", "openai")
	t.Setenv("CHATMUX_LOGGER_LEVEL", "debug")
	t.Setenv("CHATMUX_TRACER_ENABLED", "true")
	t.Setenv("CHATMUX_STORAGE_DRIVER", "sqlite")
	t.Setenv("CHATMUX_CONVERSATION_MAX_HISTORY", "80")
	t.Setenv("CHATMUX_GATEWAY_TOKENS", "a, b ,")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 80, cfg.Conversation.MaxHistory)
	require.Len(t, cfg.Gateway.Tokens, 2)
	assert.Equal(t, "b", cfg.Gateway.Tokens[1].Token)
}

func TestApplyEnvOverridesIgnoresBadNumbers(t *testing.T) {
	t.Setenv("CHATMUX_CONVERSATION_MAX_HISTORY", "lots")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 50, cfg.Conversation.MaxHistory)
}

func TestApplyEnvOverridesProviderAPIKey(t *testing.T) {
	t.Setenv("CHATMUX_LLM_PROVIDER_QWEN_API_KEY", "sk-from-env")

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "qwen"}}
	ApplyEnvOverrides(cfg)

	if cfg.LLM.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want %q", cfg.LLM.Providers[0].APIKey, "sk-from-env")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: info\n", 0o666)

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm: [unterminated", 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: redis\n", 0o600)

	_, err := Load(path)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	plainKey := "sk-loadtest"

	encrypted, err := EncryptValue(plainKey, passphrase)
	require.NoError(t, err)

	path := writeConfig(t, `
llm:
  default_provider: "openai"
  providers:
    - name: "openai"
      api_key: "enc:`+encrypted+`"
`, 0o600)

	t.Setenv("CHATMUX_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	require.NoError(t, err)

	if cfg.LLM.Providers[0].APIKey != plainKey {
		t.Errorf("APIKey = %q, want %q", cfg.LLM.Providers[0].APIKey, plainKey)
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: "openai"
  providers:
    - name: "openai"
      api_key: "enc:zz:zz"
`, 0o600)

	t.Setenv("CHATMUX_CONFIG_KEY", "anything")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDecryption))
}

func TestValidatePermissions(t *testing.T) {
	tests := []struct {
		perm    os.FileMode
		wantErr bool
	}{
		{0o600, false},
		{0o644, false},
		{0o664, true},
		{0o666, true},
	}
	for _, tt := range tests {
		t.Run(tt.perm.String(), func(t *testing.T) {
			path := writeConfig(t, "", tt.perm)
			err := validatePermissions(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePermissions(%o) err = %v, wantErr %v", tt.perm, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	err := validatePermissions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
