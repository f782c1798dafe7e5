package llm

import (
	"log/slog"
	"net/http"
	"time"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/ratelimit"
)

// Payload defaults applied when RequestOptions leaves a field unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// baseProvider holds what every HTTP provider shares: an immutable config,
// a pooled client and its own rate limiter.
type baseProvider struct {
	cfg     config.ProviderConfig
	client  *http.Client
	limiter *ratelimit.Window
	timeout time.Duration
	logger  *slog.Logger
}

func newBaseProvider(kind string, cfg config.ProviderConfig, logger *slog.Logger) (baseProvider, error) {
	if cfg.Name == "" {
		cfg.Name = kind
	}
	if cfg.Type == "" {
		cfg.Type = kind
	}
	cfg = cfg.WithDefaults()

	if cfg.APIKey == "" {
		return baseProvider{}, domain.NewDomainError("llm.New", domain.ErrConfigValidation, cfg.Name+": api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", cfg.Name)

	return baseProvider{
		cfg:    cfg,
		client: NewHTTPClient(cfg),
		limiter: ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window(),
			ratelimit.WithLogger(logger, cfg.Name)),
		timeout: sendTimeout(cfg),
		logger:  logger,
	}, nil
}

// Name implements domain.Provider.
func (b *baseProvider) Name() string { return b.cfg.Name }

// IsConfigured implements domain.Provider.
func (b *baseProvider) IsConfigured() bool {
	return b.cfg.APIKey != "" && b.cfg.BaseURL != ""
}

// Limiter exposes the provider's rate limiter.
func (b *baseProvider) Limiter() *ratelimit.Window { return b.limiter }

// DefaultModel returns the model used when a call names none.
func (b *baseProvider) DefaultModel() string { return b.cfg.Model }

type payloadParams struct {
	model       string
	temperature float64
	maxTokens   int
}

func (b *baseProvider) params(opts domain.RequestOptions) payloadParams {
	p := payloadParams{
		model:       opts.Model,
		temperature: DefaultTemperature,
		maxTokens:   opts.MaxTokens,
	}
	if p.model == "" {
		p.model = b.cfg.Model
	}
	if opts.Temperature != nil {
		p.temperature = *opts.Temperature
	}
	if p.maxTokens <= 0 {
		p.maxTokens = DefaultMaxTokens
	}
	return p
}

// formatMessages orders the system prompt, the history and the new user
// message.
func formatMessages(message string, opts domain.RequestOptions) []domain.Message {
	msgs := make([]domain.Message, 0, len(opts.ConversationHistory)+2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: opts.SystemPrompt})
	}
	msgs = append(msgs, opts.ConversationHistory...)
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: message})
}

func cloneModels(in []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(in))
	copy(out, in)
	return out
}

func invalidPayload(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrInvalidInput, "decode payload: "+err.Error())
}
