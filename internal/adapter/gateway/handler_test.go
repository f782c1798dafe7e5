package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/ratelimit"
	"chatmux/internal/usecase"
	"chatmux/internal/usecase/eventbus"
)

// --- handler test doubles ---

// fakeProvider replies with reply or streams deltas. When hold is set,
// Stream blocks after the first delta until released or cancelled.
type fakeProvider struct {
	reply  string
	deltas []string
	hold   chan struct{}
	onSend func()
}

func (p *fakeProvider) Name() string       { return "fake" }
func (p *fakeProvider) IsConfigured() bool { return true }

func (p *fakeProvider) BuildPayload(message string, _ domain.RequestOptions) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"message": message})
}

func (p *fakeProvider) Send(ctx context.Context, _ json.RawMessage) (*domain.Response, error) {
	if err := ratelimit.New(0, 0).Admit(ctx); err != nil {
		return nil, err
	}
	if p.onSend != nil {
		p.onSend()
	}
	return &domain.Response{Content: p.reply}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, _ json.RawMessage, onDelta func(string)) error {
	if err := ratelimit.New(0, 0).Admit(ctx); err != nil {
		return err
	}
	for i, d := range p.deltas {
		onDelta(d)
		if i == 0 && p.hold != nil {
			select {
			case <-p.hold:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (p *fakeProvider) Models() []domain.ModelInfo {
	return []domain.ModelInfo{{ID: "fake-1", Name: "Fake One"}}
}

type fakeFactory struct{ provider *fakeProvider }

func (f fakeFactory) Build(kind string, cfg config.ProviderConfig) (domain.Provider, error) {
	if kind != "fake" {
		return nil, domain.NewDomainError("fake.Build", domain.ErrUnknownProvider, kind)
	}
	if cfg.APIKey == "" {
		return nil, domain.NewDomainError("fake.Build", domain.ErrConfigValidation, "api key is required")
	}
	return f.provider, nil
}

func (f fakeFactory) List() []string { return []string{"fake"} }

func (f fakeFactory) Models(kind string) ([]domain.ModelInfo, error) {
	if kind != "fake" {
		return nil, domain.ErrUnknownProvider
	}
	return f.provider.Models(), nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) record(_ context.Context, e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandlerDeps(t *testing.T, p *fakeProvider) (HandlerDeps, *eventRecorder) {
	t.Helper()
	bus := eventbus.New(quietLogger())
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	svc := usecase.NewService(usecase.ServiceDeps{
		Providers: fakeFactory{provider: p},
		Bus:       bus,
		Logger:    quietLogger(),
	})
	require.NoError(t, svc.SetProvider(context.Background(), "fake", config.ProviderConfig{APIKey: "k"}))

	return HandlerDeps{
		Service:        svc,
		Bus:            bus,
		Logger:         quietLogger(),
		ActiveRequests: &sync.Map{},
	}, rec
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return h(context.Background(), &ClientInfo{Name: "tester"}, raw)
}

// --- chat ---

func TestChatSendRecordsTurns(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{reply: "meow"})
	convID, err := deps.Service.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	result, err := callHandler(t, chatSendHandler(deps), `{"conversation_id":"`+convID+`","content":"hi"}`)
	require.NoError(t, err)

	var resp domain.Response
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.Equal(t, "meow", resp.Content)
	assert.Equal(t, "fake", resp.Provider)

	conv, err := deps.Service.Conversation(convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hi", conv.Messages[0].Content)

	_, active := deps.ActiveRequests.Load(convID)
	assert.False(t, active, "finished request must be untracked")
}

func TestChatSendTracksOnlyConversationRequests(t *testing.T) {
	p := &fakeProvider{reply: "meow"}
	deps, _ := newHandlerDeps(t, p)
	convID, err := deps.Service.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	var tracked []string
	p.onSend = func() {
		deps.ActiveRequests.Range(func(k, _ any) bool {
			tracked = append(tracked, k.(string))
			return true
		})
	}

	before := anonStreams.Load()
	_, err = callHandler(t, chatSendHandler(deps), `{"content":"hi"}`)
	require.NoError(t, err)
	assert.Empty(t, tracked, "anonymous sends cannot be aborted and are not tracked")
	assert.Equal(t, before, anonStreams.Load(), "no stream ID is generated for buffered sends")

	_, err = callHandler(t, chatSendHandler(deps), `{"conversation_id":"`+convID+`","content":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{convID}, tracked)
}

func TestChatSendInvalidPayload(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	for _, payload := range []string{`{bad`, `{"content":""}`, ``} {
		_, err := callHandler(t, chatSendHandler(deps), payload)
		assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload, "payload %q", payload)
	}
}

func TestChatSendUnknownConversation(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{reply: "x"})

	_, err := callHandler(t, chatSendHandler(deps), `{"conversation_id":"nope","content":"hi"}`)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	assert.Equal(t, domain.CodeConversationNotFound, domain.ErrorCodeOf(err))
}

func TestChatStreamReturnsImmediately(t *testing.T) {
	deps, rec := newHandlerDeps(t, &fakeProvider{deltas: []string{"Hel", "lo"}})
	convID, err := deps.Service.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	result, err := callHandler(t, chatStreamHandler(deps), `{"conversation_id":"`+convID+`","content":"hi"}`)
	require.NoError(t, err)

	var resp chatStreamResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.True(t, resp.Streaming)
	assert.Equal(t, convID, resp.StreamID)

	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventStreamCompleted)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, rec.ofType(domain.EventStreamDelta), 2)
	var done domain.StreamCompletedPayload
	require.NoError(t, json.Unmarshal(rec.ofType(domain.EventStreamCompleted)[0].Payload, &done))
	assert.Equal(t, "Hello", done.FullResponse)

	require.Eventually(t, func() bool {
		_, active := deps.ActiveRequests.Load(convID)
		return !active
	}, time.Second, 10*time.Millisecond)
}

func TestChatStreamAnonymousGetsStreamID(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{deltas: []string{"a"}})

	result, err := callHandler(t, chatStreamHandler(deps), `{"content":"hi"}`)
	require.NoError(t, err)

	var resp chatStreamResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.NotEmpty(t, resp.StreamID)
	assert.Empty(t, resp.ConversationID)
}

func TestChatAbortCancelsStream(t *testing.T) {
	p := &fakeProvider{deltas: []string{"first", "second"}, hold: make(chan struct{})}
	deps, rec := newHandlerDeps(t, p)
	convID, err := deps.Service.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	_, err = callHandler(t, chatStreamHandler(deps), `{"conversation_id":"`+convID+`","content":"hi"}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventStreamDelta)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	result, err := callHandler(t, chatAbortHandler(deps), `{"stream_id":"`+convID+`"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"aborted":true}`, string(result))

	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventChatAborted)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, rec.ofType(domain.EventStreamDelta), 1, "no deltas after abort")
	assert.Empty(t, rec.ofType(domain.EventStreamCompleted))

	conv, err := deps.Service.Conversation(convID)
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestChatAbortUnknown(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	result, err := callHandler(t, chatAbortHandler(deps), `{"conversation_id":"idle"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"aborted":false}`, string(result))

	_, err = callHandler(t, chatAbortHandler(deps), `{}`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
}

// --- conversations ---

func TestConversationLifecycle(t *testing.T) {
	deps, rec := newHandlerDeps(t, &fakeProvider{})

	result, err := callHandler(t, conversationCreateHandler(deps), `{"assistant_id":"eggcat"}`)
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.Unmarshal(result, &created))
	id := created["conversation_id"]
	require.NotEmpty(t, id)
	assert.Len(t, rec.ofType(domain.EventConversationCreated), 1)

	result, err = callHandler(t, conversationListHandler(deps), "")
	require.NoError(t, err)
	var list []domain.Conversation
	require.NoError(t, json.Unmarshal(result, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	result, err = callHandler(t, conversationGetHandler(deps), `{"conversation_id":"`+id+`"}`)
	require.NoError(t, err)
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(result, &conv))
	assert.Equal(t, "eggcat", conv.AssistantID)

	result, err = callHandler(t, conversationDeleteHandler(deps), `{"conversation_id":"`+id+`"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":true}`, string(result))

	_, err = callHandler(t, conversationGetHandler(deps), `{"conversation_id":"`+id+`"}`)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestConversationCreateUnknownAssistant(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	_, err := callHandler(t, conversationCreateHandler(deps), `{"assistant_id":"ghost"}`)
	assert.ErrorIs(t, err, domain.ErrUnknownAssistant)
}

func TestConversationHandlersRequireID(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	for name, h := range map[string]RPCHandler{
		"get":    conversationGetHandler(deps),
		"delete": conversationDeleteHandler(deps),
	} {
		_, err := callHandler(t, h, `{}`)
		assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload, name)
	}
}

// --- assistants ---

func TestAssistantListAndSet(t *testing.T) {
	deps, rec := newHandlerDeps(t, &fakeProvider{})

	result, err := callHandler(t, assistantListHandler(deps), "")
	require.NoError(t, err)
	var list assistantListResponse
	require.NoError(t, json.Unmarshal(result, &list))
	assert.Equal(t, "eggcat", list.Current)
	assert.NotEmpty(t, list.Assistants)

	other := list.Assistants[len(list.Assistants)-1].ID
	_, err = callHandler(t, assistantSetHandler(deps), `{"assistant_id":"`+other+`"}`)
	require.NoError(t, err)
	assert.Equal(t, other, deps.Service.CurrentAssistant().ID)
	assert.Len(t, rec.ofType(domain.EventAssistantChanged), 1)

	_, err = callHandler(t, assistantSetHandler(deps), `{"assistant_id":"ghost"}`)
	assert.ErrorIs(t, err, domain.ErrUnknownAssistant)
	assert.Equal(t, domain.CodeUnknownAssistant, domain.ErrorCodeOf(err))
}

// --- providers ---

func TestProviderHandlers(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	result, err := callHandler(t, providerListHandler(deps), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"current":"fake","providers":["fake"]}`, string(result))

	result, err = callHandler(t, providerModelsHandler(deps), `{"provider":"fake"}`)
	require.NoError(t, err)
	var models []domain.ModelInfo
	require.NoError(t, json.Unmarshal(result, &models))
	require.Len(t, models, 1)
	assert.Equal(t, "fake-1", models[0].ID)

	_, err = callHandler(t, providerModelsHandler(deps), `{"provider":"bard"}`)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestProviderSet(t *testing.T) {
	deps, rec := newHandlerDeps(t, &fakeProvider{})

	result, err := callHandler(t, providerSetHandler(deps), `{"provider":"work","config":{"type":"fake","apiKey":"k2"}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"provider":"work"}`, string(result))
	assert.Equal(t, "work", deps.Service.CurrentProviderName())
	assert.Len(t, rec.ofType(domain.EventProviderChanged), 2)

	_, err = callHandler(t, providerSetHandler(deps), `{"provider":"fake","config":{}}`)
	assert.ErrorIs(t, err, domain.ErrConfigValidation)
	assert.Equal(t, "work", deps.Service.CurrentProviderName(), "failed switch keeps the active provider")

	_, err = callHandler(t, providerSetHandler(deps), `{"config":{"apiKey":"k"}}`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
}

// --- data ---

func TestDataExportImport(t *testing.T) {
	deps, rec := newHandlerDeps(t, &fakeProvider{reply: "r"})
	ctx := context.Background()
	id, err := deps.Service.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = deps.Service.SendMessage(ctx, "hello", usecase.SendOptions{ConversationID: id})
	require.NoError(t, err)

	exported, err := callHandler(t, dataExportHandler(deps), "")
	require.NoError(t, err)

	var data domain.ExportData
	require.NoError(t, json.Unmarshal(exported, &data))
	assert.Equal(t, "fake", data.Provider)
	require.Len(t, data.Conversations, 1)

	other, otherRec := newHandlerDeps(t, &fakeProvider{})
	result, err := callHandler(t, dataImportHandler(other), string(exported))
	require.NoError(t, err)
	assert.JSONEq(t, `{"imported":true}`, string(result))

	conv, err := other.Service.Conversation(id)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
	assert.Len(t, otherRec.ofType(domain.EventDataImported), 1)
	assert.Empty(t, rec.ofType(domain.EventDataImported))
}

func TestDataImportUnknownAssistant(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	_, err := callHandler(t, dataImportHandler(deps), `{"assistant":"ghost","conversations":[]}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownAssistant))
	assert.Equal(t, "eggcat", deps.Service.CurrentAssistant().ID)
}

func TestDataImportInvalidPayload(t *testing.T) {
	deps, _ := newHandlerDeps(t, &fakeProvider{})

	_, err := callHandler(t, dataImportHandler(deps), `[1,2]`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
}

func TestDataImportCancelledWhileStreaming(t *testing.T) {
	p := &fakeProvider{deltas: []string{"first", "second"}, hold: make(chan struct{})}
	deps, rec := newHandlerDeps(t, p)
	convID, err := deps.Service.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	_, err = callHandler(t, chatStreamHandler(deps), `{"conversation_id":"`+convID+`","content":"hi"}`)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventStreamDelta)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dataImportHandler(deps)(ctx, &ClientInfo{Name: "tester"}, json.RawMessage(`{"conversations":[]}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, domain.ErrUnknownAssistant))

	close(p.hold)
	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventStreamCompleted)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conv, err := deps.Service.Conversation(convID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2, "the cancelled import left the conversation alone")
}
