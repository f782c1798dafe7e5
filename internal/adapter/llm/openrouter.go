package llm

import (
	"log/slog"
	"net/http"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
)

var openRouterModels = []domain.ModelInfo{
	{ID: "openai/gpt-3.5-turbo", Name: "GPT-3.5 Turbo (OpenRouter)", Description: "OpenAI GPT-3.5 routed through OpenRouter"},
	{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku", Description: "Fast Anthropic model"},
	{ID: "meta-llama/llama-3-8b-instruct", Name: "Llama 3 8B Instruct", Description: "Open-weight Meta model"},
}

// Attribution headers OpenRouter uses for its app rankings.
const (
	openRouterReferer = "https://github.com/chatmux/chatmux"
	openRouterTitle   = "chatmux"
)

// openrouterTransport injects the OpenRouter attribution headers into every
// request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", openRouterReferer)
	clone.Header.Set("X-Title", openRouterTitle)
	return t.base.RoundTrip(clone)
}

// NewOpenRouterProvider creates an OpenAI-format provider against the
// OpenRouter API.
func NewOpenRouterProvider(cfg config.ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	p, err := newOpenAICompatible("openrouter", cfg, logger, openRouterModels)
	if err != nil {
		return nil, err
	}
	p.client.Transport = &openrouterTransport{base: p.client.Transport}
	return p, nil
}
