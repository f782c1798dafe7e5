package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/tracer"
)

var openAIModels = []domain.ModelInfo{
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "Fast and efficient model"},
	{ID: "gpt-4", Name: "GPT-4", Description: "Most capable model"},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Description: "Latest GPT-4 model"},
}

// OpenAIProvider implements domain.Provider for the chat completions API.
type OpenAIProvider struct {
	baseProvider
	models []domain.ModelInfo
}

var _ domain.Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider validates cfg and creates the provider.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	return newOpenAICompatible("openai", cfg, logger, openAIModels)
}

func newOpenAICompatible(kind string, cfg config.ProviderConfig, logger *slog.Logger, models []domain.ModelInfo) (*OpenAIProvider, error) {
	base, err := newBaseProvider(kind, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &OpenAIProvider{baseProvider: base, models: models}, nil
}

// Models implements domain.Provider.
func (p *OpenAIProvider) Models() []domain.ModelInfo { return cloneModels(p.models) }

// BuildPayload implements domain.Provider.
func (p *OpenAIProvider) BuildPayload(message string, opts domain.RequestOptions) (json.RawMessage, error) {
	params := p.params(opts)
	body, err := json.Marshal(openaiRequest{
		Model:       params.model,
		Messages:    formatMessages(message, opts),
		Temperature: params.temperature,
		MaxTokens:   params.maxTokens,
		Stream:      opts.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

// Send implements domain.Provider.
func (p *OpenAIProvider) Send(ctx context.Context, payload json.RawMessage) (*domain.Response, error) {
	var req openaiRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, invalidPayload("OpenAIProvider.Send", err)
	}
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := p.limiter.Admit(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracer.StartLLMSpan(ctx, "llm.send", p.Name(), req.Model, false)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	respBody, err := doJSONRequest(ctx, p.client, p.Name(), p.cfg.BaseURL, body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	resp, err := p.parseResponse(respBody)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage != nil {
		tracer.SetUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}
	tracer.SetOK(span)
	logCompleted(p.logger, resp, time.Since(start))
	return resp, nil
}

func (p *OpenAIProvider) parseResponse(body []byte) (*domain.Response, error) {
	v, err := validatorFor("openai", openAIResponseSchema)
	if err != nil {
		return nil, err
	}
	if err := v.validate(p.Name(), body); err != nil {
		return nil, err
	}

	var oai openaiResponse
	if err := json.Unmarshal(body, &oai); err != nil {
		return nil, &domain.ResponseFormatError{Provider: p.Name(), Detail: err.Error()}
	}

	choice := oai.Choices[0]
	resp := &domain.Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        oai.Model,
		Provider:     p.Name(),
	}
	if oai.Usage != nil {
		resp.Usage = &domain.Usage{
			PromptTokens:     oai.Usage.PromptTokens,
			CompletionTokens: oai.Usage.CompletionTokens,
			TotalTokens:      oai.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// Stream implements domain.Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, payload json.RawMessage, onDelta func(string)) error {
	var req openaiRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return invalidPayload("OpenAIProvider.Stream", err)
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := p.limiter.Admit(ctx); err != nil {
		return err
	}

	ctx, span := tracer.StartLLMSpan(ctx, "llm.stream", p.Name(), req.Model, true)
	defer span.End()

	httpResp, err := doStreamRequest(ctx, p.client, p.Name(), p.cfg.BaseURL, body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer httpResp.Body.Close()

	dec := NewStreamDecoder(httpResp.Body, openaiDelta, p.logger)
	_, err = pumpStream(ctx, p.Name(), dec, onDelta)
	span.SetAttributes(tracer.IntAttr(tracer.AttrDeltas, dec.Delivered()))
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// openaiDelta extracts choices[0].delta.content. Chunks without choices
// (usage trailers) carry no text.
func openaiDelta(data []byte) (string, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *chunk.Choices[0].Delta.Content, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Stream      bool             `json:"stream"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}
