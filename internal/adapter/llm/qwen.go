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

var qwenModels = []domain.ModelInfo{
	{ID: "qwen-plus", Name: "Qwen Plus", Description: "Balanced Tongyi Qianwen model"},
	{ID: "qwen-turbo", Name: "Qwen Turbo", Description: "Fast, low-cost Tongyi Qianwen model"},
	{ID: "qwen-max", Name: "Qwen Max", Description: "Most capable Tongyi Qianwen model"},
}

// QwenProvider implements domain.Provider for the DashScope text-generation
// API.
type QwenProvider struct {
	baseProvider
}

var _ domain.Provider = (*QwenProvider)(nil)

// NewQwenProvider validates cfg and creates the provider.
func NewQwenProvider(cfg config.ProviderConfig, logger *slog.Logger) (*QwenProvider, error) {
	base, err := newBaseProvider("qwen", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &QwenProvider{baseProvider: base}, nil
}

// Models implements domain.Provider.
func (p *QwenProvider) Models() []domain.ModelInfo { return cloneModels(qwenModels) }

// BuildPayload implements domain.Provider.
func (p *QwenProvider) BuildPayload(message string, opts domain.RequestOptions) (json.RawMessage, error) {
	params := p.params(opts)
	body, err := json.Marshal(qwenRequest{
		Model: params.model,
		Input: qwenInput{Messages: formatMessages(message, opts)},
		Parameters: qwenParameters{
			Temperature:       params.temperature,
			MaxTokens:         params.maxTokens,
			ResultFormat:      "message",
			IncrementalOutput: opts.Stream,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (p *QwenProvider) headers(stream bool) map[string]string {
	sse := "disable"
	if stream {
		sse = "enable"
	}
	return map[string]string{
		"Authorization":   "Bearer " + p.cfg.APIKey,
		"X-DashScope-SSE": sse,
	}
}

// Send implements domain.Provider.
func (p *QwenProvider) Send(ctx context.Context, payload json.RawMessage) (*domain.Response, error) {
	var req qwenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, invalidPayload("QwenProvider.Send", err)
	}
	req.Parameters.IncrementalOutput = false
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
	respBody, err := doJSONRequest(ctx, p.client, p.Name(), p.cfg.BaseURL, body, p.headers(false))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	resp, err := p.parseResponse(respBody)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	resp.Model = req.Model
	if resp.Usage != nil {
		tracer.SetUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}
	tracer.SetOK(span)
	logCompleted(p.logger, resp, time.Since(start))
	return resp, nil
}

func (p *QwenProvider) parseResponse(body []byte) (*domain.Response, error) {
	v, err := validatorFor("qwen", qwenResponseSchema)
	if err != nil {
		return nil, err
	}
	if err := v.validate(p.Name(), body); err != nil {
		return nil, err
	}

	var qr qwenResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, &domain.ResponseFormatError{Provider: p.Name(), Detail: err.Error()}
	}

	choice := qr.Output.Choices[0]
	resp := &domain.Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Provider:     p.Name(),
	}
	if u := qr.Usage; u != nil {
		total := u.TotalTokens
		if total == 0 {
			total = u.InputTokens + u.OutputTokens
		}
		resp.Usage = &domain.Usage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      total,
		}
	}
	return resp, nil
}

// Stream implements domain.Provider.
func (p *QwenProvider) Stream(ctx context.Context, payload json.RawMessage, onDelta func(string)) error {
	var req qwenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return invalidPayload("QwenProvider.Stream", err)
	}
	req.Parameters.IncrementalOutput = true
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := p.limiter.Admit(ctx); err != nil {
		return err
	}

	ctx, span := tracer.StartLLMSpan(ctx, "llm.stream", p.Name(), req.Model, true)
	defer span.End()

	httpResp, err := doStreamRequest(ctx, p.client, p.Name(), p.cfg.BaseURL, body, p.headers(true))
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer httpResp.Body.Close()

	dec := NewStreamDecoder(httpResp.Body, qwenDelta, p.logger)
	_, err = pumpStream(ctx, p.Name(), dec, onDelta)
	span.SetAttributes(tracer.IntAttr(tracer.AttrDeltas, dec.Delivered()))
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// qwenDelta extracts output.choices[0].message.content from one event.
// DashScope error events carry code and message instead of output.
func qwenDelta(data []byte) (string, error) {
	var ev qwenResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", err
	}
	if ev.Code != "" {
		return "", fmt.Errorf("stream error event %s: %s", ev.Code, ev.Message)
	}
	if len(ev.Output.Choices) == 0 {
		return "", nil
	}
	return ev.Output.Choices[0].Message.Content, nil
}

// --- DashScope wire types ---

type qwenRequest struct {
	Model      string         `json:"model"`
	Input      qwenInput      `json:"input"`
	Parameters qwenParameters `json:"parameters"`
}

type qwenInput struct {
	Messages []domain.Message `json:"messages"`
}

type qwenParameters struct {
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	ResultFormat      string  `json:"result_format"`
	IncrementalOutput bool    `json:"incremental_output"`
}

type qwenResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	} `json:"output"`
	Usage   *qwenUsage `json:"usage"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

type qwenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
