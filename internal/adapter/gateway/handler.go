package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Service        *usecase.Service
	Bus            domain.EventBus // can be nil (no status counters)
	Logger         *slog.Logger
	ActiveRequests *sync.Map // stream ID -> *activeRequest; can be nil (abort disabled)
}

type activeRequest struct {
	cancel context.CancelFunc
}

var anonStreams atomic.Uint64

// RegisterRESTHandlers registers the HTTP status and metrics endpoints.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventChatCompleted, func(context.Context, domain.Event) {
			metrics.ChatsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventStreamCompleted, func(context.Context, domain.Event) {
			metrics.StreamsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventStreamDelta, func(context.Context, domain.Event) {
			metrics.DeltasTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventChatError, func(context.Context, domain.Event) {
			metrics.ErrorsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventChatAborted, func(context.Context, domain.Event) {
			metrics.AbortsTotal.Add(1)
		})
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(s.auth, statusHandler(deps, s, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(s.auth, metricsHandler(deps, s, startTime, metrics)))

	return metrics
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("chat.send", chatSendHandler(deps))
	s.RegisterHandler("chat.stream", chatStreamHandler(deps))
	s.RegisterHandler("chat.abort", chatAbortHandler(deps))
	s.RegisterHandler("conversation.create", conversationCreateHandler(deps))
	s.RegisterHandler("conversation.list", conversationListHandler(deps))
	s.RegisterHandler("conversation.get", conversationGetHandler(deps))
	s.RegisterHandler("conversation.delete", conversationDeleteHandler(deps))
	s.RegisterHandler("assistant.list", assistantListHandler(deps))
	s.RegisterHandler("assistant.set", assistantSetHandler(deps))
	s.RegisterHandler("provider.list", providerListHandler(deps))
	s.RegisterHandler("provider.models", providerModelsHandler(deps))
	s.RegisterHandler("provider.set", providerSetHandler(deps))
	s.RegisterHandler("data.export", dataExportHandler(deps))
	s.RegisterHandler("data.import", dataImportHandler(deps))
}

func decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}

// --- chat ---

type chatSendRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
}

func (r chatSendRequest) options(stream bool) usecase.SendOptions {
	return usecase.SendOptions{
		ConversationID: r.ConversationID,
		Stream:         stream,
		Model:          r.Model,
		Temperature:    r.Temperature,
		MaxTokens:      r.MaxTokens,
	}
}

// streamID keys an in-flight request for chat.abort. Requests without a
// conversation get a generated ID.
func (r chatSendRequest) streamID() string {
	if r.ConversationID != "" {
		return r.ConversationID
	}
	return fmt.Sprintf("anon-%d", anonStreams.Add(1))
}

func track(deps HandlerDeps, id string, cancel context.CancelFunc) func() {
	if deps.ActiveRequests == nil {
		return func() {}
	}
	ar := &activeRequest{cancel: cancel}
	deps.ActiveRequests.Store(id, ar)
	return func() { deps.ActiveRequests.CompareAndDelete(id, ar) }
}

func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Content == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		// Buffered sends return no stream ID, so only conversation-bound
		// requests can be aborted.
		if req.ConversationID != "" {
			defer track(deps, req.ConversationID, cancel)()
		}

		resp, err := deps.Service.SendMessage(reqCtx, req.Content, req.options(false))
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

type chatStreamResponse struct {
	Streaming      bool   `json:"streaming"`
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func chatStreamHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Content == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		id := req.streamID()
		reqCtx, cancel := context.WithCancel(ctx)
		untrack := track(deps, id, cancel)

		// Deltas reach the client as stream.delta events forwarded from the bus.
		go func() {
			defer cancel()
			defer untrack()
			if _, err := deps.Service.StreamMessage(reqCtx, req.Content, req.options(true)); err != nil {
				deps.Logger.Debug("gateway stream ended with error", "stream_id", id, "error", err)
			}
		}()

		return json.Marshal(chatStreamResponse{
			Streaming:      true,
			StreamID:       id,
			ConversationID: req.ConversationID,
		})
	}
}

type chatAbortRequest struct {
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id"`
}

func chatAbortHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatAbortRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		id := req.StreamID
		if id == "" {
			id = req.ConversationID
		}
		if id == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		aborted := false
		if deps.ActiveRequests != nil {
			if val, ok := deps.ActiveRequests.LoadAndDelete(id); ok {
				val.(*activeRequest).cancel()
				aborted = true
			}
		}
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

// --- conversations ---

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	AssistantID    string `json:"assistant_id,omitempty"`
}

func conversationCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		id, err := deps.Service.CreateConversation(ctx, req.AssistantID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"conversation_id": id})
	}
}

func conversationListHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Service.Conversations())
	}
}

func conversationGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		conv, err := deps.Service.Conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(conv)
	}
}

func conversationDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		return json.Marshal(map[string]bool{"deleted": deps.Service.DeleteConversation(ctx, req.ConversationID)})
	}
}

// --- assistants ---

type assistantListResponse struct {
	Current    string             `json:"current"`
	Assistants []domain.Assistant `json:"assistants"`
}

func assistantListHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(assistantListResponse{
			Current:    deps.Service.CurrentAssistant().ID,
			Assistants: deps.Service.Assistants(),
		})
	}
}

func assistantSetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.AssistantID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Service.SetAssistant(ctx, req.AssistantID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"assistant": req.AssistantID})
	}
}

// --- providers ---

type providerListResponse struct {
	Current   string   `json:"current"`
	Providers []string `json:"providers"`
}

func providerListHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(providerListResponse{
			Current:   deps.Service.CurrentProviderName(),
			Providers: deps.Service.AvailableProviders(),
		})
	}
}

type providerRequest struct {
	Provider string                `json:"provider"`
	Config   config.ProviderConfig `json:"config"`
}

func providerModelsHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req providerRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Provider == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		models, err := deps.Service.ProviderModels(req.Provider)
		if err != nil {
			return nil, err
		}
		return json.Marshal(models)
	}
}

func providerSetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req providerRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Provider == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Service.SetProvider(ctx, req.Provider, req.Config); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"provider": req.Provider})
	}
}

// --- data ---

func dataExportHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Service.ExportData())
	}
}

func dataImportHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var data domain.ExportData
		if err := decode(payload, &data); err != nil {
			return nil, err
		}
		if !deps.Service.ImportData(ctx, data) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, domain.NewDomainError("data.import", domain.ErrUnknownAssistant, data.Assistant)
		}
		return json.Marshal(map[string]bool{"imported": true})
	}
}
