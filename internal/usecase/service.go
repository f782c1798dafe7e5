package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/ratelimit"
	"chatmux/internal/infra/tracer"
	"chatmux/internal/usecase/conversation"
)

// DefaultHistoryLimit is how many stored messages accompany a new request.
const DefaultHistoryLimit = 10

// ProviderFactory builds providers by kind.
type ProviderFactory interface {
	Build(kind string, cfg config.ProviderConfig) (domain.Provider, error)
	List() []string
	Models(kind string) ([]domain.ModelInfo, error)
}

// ServiceDeps holds injected dependencies for the service.
type ServiceDeps struct {
	Providers        ProviderFactory
	Conversations    *conversation.Store
	Store            domain.KVStore     // optional, nil = no persistence
	Bus              domain.EventBus    // optional, nil = no events
	Assistants       []domain.Assistant // extra personas appended to the built-ins
	DefaultAssistant string
	HistoryLimit     int
	Logger           *slog.Logger
}

// SendOptions tunes a single chat call.
type SendOptions struct {
	ConversationID string
	Stream         bool
	Model          string
	Temperature    *float64
	MaxTokens      int
	// OnDelta receives every streamed fragment. Ignored for buffered calls.
	OnDelta func(string)
}

type activeProvider struct {
	name     string
	cfg      config.ProviderConfig
	provider domain.Provider
}

// persistedConfig is the value stored under domain.KeyConfig.
type persistedConfig struct {
	Provider       string                 `json:"provider,omitempty"`
	ProviderConfig *config.ProviderConfig `json:"providerConfig,omitempty"`
	Assistant      string                 `json:"assistant,omitempty"`
}

// Service is the chat orchestrator. It owns the active provider and
// persona selection and records completed turns into conversations.
type Service struct {
	deps    ServiceDeps
	catalog *domain.AssistantCatalog
	locker  *conversation.Locker
	active  atomic.Pointer[activeProvider]

	mu        sync.RWMutex
	assistant string

	// persistMu orders snapshot+Save pairs so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// NewService creates a service with the given dependencies.
func NewService(deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Conversations == nil {
		deps.Conversations = conversation.NewStore(conversation.Options{})
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = DefaultHistoryLimit
	}
	catalog := domain.NewAssistantCatalog(deps.Assistants...)
	assistant := deps.DefaultAssistant
	if _, ok := catalog.Get(assistant); !ok {
		assistant = domain.DefaultAssistantID
	}
	return &Service{
		deps:      deps,
		catalog:   catalog,
		locker:    conversation.NewLocker(),
		assistant: assistant,
	}
}

// SetProvider builds the provider registered as name (or cfg.Type when set)
// and makes it the active one. On failure the previous provider stays active.
func (s *Service) SetProvider(ctx context.Context, name string, cfg config.ProviderConfig) error {
	if err := s.installProvider(name, cfg); err != nil {
		return err
	}
	s.deps.Logger.Info("provider switched", "provider", name)
	s.saveConfig(ctx)
	s.publish(ctx, domain.EventProviderChanged, "", domain.ProviderChangedPayload{Provider: name})
	return nil
}

func (s *Service) installProvider(name string, cfg config.ProviderConfig) error {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Type == "" {
		cfg.Type = name
	}
	p, err := s.deps.Providers.Build(cfg.Type, cfg)
	if err != nil {
		return err
	}
	s.active.Store(&activeProvider{name: name, cfg: cfg.WithDefaults(), provider: p})
	return nil
}

// SetAssistant selects the persona whose system prompt leads every request.
func (s *Service) SetAssistant(ctx context.Context, id string) error {
	if _, ok := s.catalog.Get(id); !ok {
		return domain.NewDomainError("Service.SetAssistant", domain.ErrUnknownAssistant, id)
	}
	s.mu.Lock()
	s.assistant = id
	s.mu.Unlock()

	s.saveConfig(ctx)
	s.publish(ctx, domain.EventAssistantChanged, "", domain.AssistantChangedPayload{Assistant: id})
	return nil
}

// StreamMessage is SendMessage with streaming forced on.
func (s *Service) StreamMessage(ctx context.Context, text string, opts SendOptions) (*domain.Response, error) {
	opts.Stream = true
	return s.SendMessage(ctx, text, opts)
}

// SendMessage sends text to the active provider. When opts.ConversationID
// is set, the stored history is included and both turns are recorded on
// success. Provider failures are returned unchanged after a chat.error (or
// chat.aborted) event.
func (s *Service) SendMessage(ctx context.Context, text string, opts SendOptions) (*domain.Response, error) {
	const op = "Service.SendMessage"

	active := s.active.Load()
	if active == nil {
		return nil, domain.NewDomainError(op, domain.ErrNoProviderConfigured, "")
	}
	if !active.provider.IsConfigured() {
		return nil, domain.NewDomainError(op, domain.ErrProviderNotConfigured, active.name)
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "message is empty")
	}

	convID := opts.ConversationID
	if convID != "" {
		if !s.deps.Conversations.Has(convID) {
			return nil, domain.NewDomainError(op, domain.ErrConversationNotFound, convID)
		}
		unlock, err := s.locker.Lock(ctx, convID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	assistant := s.CurrentAssistant()
	model := opts.Model
	if model == "" {
		model = active.cfg.Model
	}
	reqOpts := domain.RequestOptions{
		Model:        model,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		SystemPrompt: assistant.SystemPrompt,
		Stream:       opts.Stream,
	}
	if convID != "" {
		reqOpts.ConversationHistory = s.deps.Conversations.History(convID, s.deps.HistoryLimit)
	}

	ctx, span := tracer.StartSpan(ctx, "chat.send", trace.WithAttributes(
		tracer.StringAttr(tracer.AttrProvider, active.name),
		tracer.StringAttr(tracer.AttrAssistant, assistant.ID),
		tracer.StringAttr(tracer.AttrConversation, convID),
	))
	defer span.End()

	call := &callTracker{state: domain.CallIdle}
	ctx = ratelimit.WithAdmitted(ctx, func() {
		call.set(domain.CallAdmitted)
		call.set(domain.CallInFlight)
	})

	payload, err := active.provider.BuildPayload(text, reqOpts)
	if err != nil {
		return nil, s.fail(ctx, span, call, convID, err)
	}

	var resp *domain.Response
	if opts.Stream {
		resp, err = s.stream(ctx, active, call, convID, payload, opts.OnDelta)
	} else {
		resp, err = active.provider.Send(ctx, payload)
	}
	if err != nil {
		return nil, s.fail(ctx, span, call, convID, err)
	}
	if resp.Provider == "" {
		resp.Provider = active.name
	}
	if resp.Model == "" {
		resp.Model = model
	}

	if convID != "" {
		s.record(ctx, convID, text, resp.Content)
	}
	call.set(domain.CallCompleted)
	tracer.SetOK(span)

	if opts.Stream {
		s.publish(ctx, domain.EventStreamCompleted, convID, domain.StreamCompletedPayload{FullResponse: resp.Content})
	} else {
		s.publish(ctx, domain.EventChatCompleted, convID, domain.ChatCompletedPayload{
			Provider: resp.Provider,
			Content:  resp.Content,
			Usage:    resp.Usage,
		})
	}
	return resp, nil
}

func (s *Service) stream(ctx context.Context, active *activeProvider, call *callTracker, convID string, payload []byte, onDelta func(string)) (*domain.Response, error) {
	var full strings.Builder
	err := active.provider.Stream(ctx, payload, func(chunk string) {
		call.set(domain.CallDeltaReceived)
		full.WriteString(chunk)
		if onDelta != nil {
			onDelta(chunk)
		}
		s.publish(ctx, domain.EventStreamDelta, convID, domain.StreamDeltaPayload{
			Chunk:        chunk,
			FullResponse: full.String(),
			State:        domain.CallDeltaReceived,
		})
	})
	if err != nil {
		return nil, err
	}
	return &domain.Response{Content: full.String()}, nil
}

// fail publishes the failure and returns err unchanged.
func (s *Service) fail(ctx context.Context, span trace.Span, call *callTracker, convID string, err error) error {
	reached := call.get()
	call.set(domain.CallFailed)
	tracer.RecordError(span, err)

	eventType := domain.EventChatError
	if errors.Is(err, context.Canceled) {
		eventType = domain.EventChatAborted
	}
	s.deps.Logger.Warn("chat call failed", "conversation", convID, "state", reached, "error", err)
	s.publish(context.WithoutCancel(ctx), eventType, convID, domain.ChatErrorPayload{
		Error:   err.Error(),
		Code:    domain.ErrorCodeOf(err),
		Message: UserMessage(err),
		State:   reached,
	})
	return err
}

func (s *Service) record(ctx context.Context, convID, user, reply string) {
	if _, err := s.deps.Conversations.Append(convID, domain.RoleUser, user); err != nil {
		s.deps.Logger.Warn("record user turn failed", "conversation", convID, "error", err)
		return
	}
	if _, err := s.deps.Conversations.Append(convID, domain.RoleAssistant, reply); err != nil {
		s.deps.Logger.Warn("record assistant turn failed", "conversation", convID, "error", err)
		return
	}
	s.saveConversations(ctx)
}

// CreateConversation starts a conversation bound to assistantID, or to the
// current assistant when empty.
func (s *Service) CreateConversation(ctx context.Context, assistantID string) (string, error) {
	if assistantID == "" {
		assistantID = s.CurrentAssistant().ID
	} else if _, ok := s.catalog.Get(assistantID); !ok {
		return "", domain.NewDomainError("Service.CreateConversation", domain.ErrUnknownAssistant, assistantID)
	}
	id := s.deps.Conversations.Create(assistantID)
	s.saveConversations(ctx)
	s.publish(ctx, domain.EventConversationCreated, id, domain.ConversationPayload{
		ConversationID: id,
		AssistantID:    assistantID,
	})
	return id, nil
}

// DeleteConversation removes a conversation and reports whether it existed.
func (s *Service) DeleteConversation(ctx context.Context, id string) bool {
	if !s.deps.Conversations.Delete(id) {
		return false
	}
	s.saveConversations(ctx)
	s.publish(ctx, domain.EventConversationDeleted, id, domain.ConversationPayload{ConversationID: id})
	return true
}

// Conversations returns every conversation, most recently updated first.
func (s *Service) Conversations() []domain.Conversation {
	return s.deps.Conversations.List()
}

// Conversation returns one conversation.
func (s *Service) Conversation(id string) (*domain.Conversation, error) {
	return s.deps.Conversations.Get(id)
}

// Assistants lists the persona catalog.
func (s *Service) Assistants() []domain.Assistant {
	return s.catalog.List()
}

// CurrentAssistant returns the selected persona.
func (s *Service) CurrentAssistant() domain.Assistant {
	s.mu.RLock()
	id := s.assistant
	s.mu.RUnlock()
	a, _ := s.catalog.Get(id)
	return a
}

// CurrentProvider returns the active provider, or nil when none is set.
func (s *Service) CurrentProvider() domain.Provider {
	if a := s.active.Load(); a != nil {
		return a.provider
	}
	return nil
}

// CurrentProviderName returns the name the active provider was selected
// under, or "" when none is set.
func (s *Service) CurrentProviderName() string {
	if a := s.active.Load(); a != nil {
		return a.name
	}
	return ""
}

// AvailableProviders lists the registered provider kinds.
func (s *Service) AvailableProviders() []string {
	return s.deps.Providers.List()
}

// ProviderModels returns the model catalog for a registered kind.
func (s *Service) ProviderModels(name string) ([]domain.ModelInfo, error) {
	return s.deps.Providers.Models(name)
}

// ExportData snapshots the selection and every conversation.
func (s *Service) ExportData() domain.ExportData {
	return domain.ExportData{
		Provider:      s.CurrentProviderName(),
		Assistant:     s.CurrentAssistant().ID,
		Conversations: s.deps.Conversations.Export(),
	}
}

// ImportData applies conversations (when present) and the assistant
// selection (when set). The provider field is informational and never
// switches providers. Nothing is applied when the assistant is unknown.
func (s *Service) ImportData(ctx context.Context, data domain.ExportData) bool {
	if data.Assistant != "" {
		if _, ok := s.catalog.Get(data.Assistant); !ok {
			s.deps.Logger.Warn("import rejected", "error",
				domain.NewDomainError("Service.ImportData", domain.ErrUnknownAssistant, data.Assistant))
			return false
		}
	}

	if data.Conversations != nil {
		unlock, err := s.lockConversations(ctx, data.Conversations)
		if err != nil {
			s.deps.Logger.Warn("import aborted", "error", err)
			return false
		}
		s.deps.Conversations.Import(data.Conversations)
		unlock()
	}
	if data.Assistant != "" {
		s.mu.Lock()
		s.assistant = data.Assistant
		s.mu.Unlock()
	}

	s.saveConfig(ctx)
	s.saveConversations(ctx)
	s.publish(ctx, domain.EventDataImported, "", map[string]int{
		"conversations": s.deps.Conversations.Len(),
	})
	return true
}

// Load restores the persisted selection and conversations. Failures are
// logged and skipped.
func (s *Service) Load(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	logger := s.deps.Logger

	var cfg persistedConfig
	found, err := s.deps.Store.Load(ctx, domain.KeyConfig, &cfg)
	switch {
	case err != nil:
		logger.Warn("load config failed", "error", err)
	case found:
		if cfg.Provider != "" && cfg.ProviderConfig != nil {
			if err := s.installProvider(cfg.Provider, *cfg.ProviderConfig); err != nil {
				logger.Warn("restore provider failed", "provider", cfg.Provider, "error", err)
			}
		}
		if cfg.Assistant != "" {
			if _, ok := s.catalog.Get(cfg.Assistant); ok {
				s.mu.Lock()
				s.assistant = cfg.Assistant
				s.mu.Unlock()
			} else {
				logger.Warn("restore assistant failed", "assistant", cfg.Assistant)
			}
		}
	}

	var convs []domain.Conversation
	found, err = s.deps.Store.Load(ctx, domain.KeyConversations, &convs)
	switch {
	case err != nil:
		logger.Warn("load conversations failed", "error", err)
	case found:
		s.deps.Conversations.Import(convs)
	}

	logger.Info("state restored",
		"provider", s.CurrentProviderName(),
		"assistant", s.CurrentAssistant().ID,
		"conversations", s.deps.Conversations.Len(),
	)
}

// lockConversations takes the turn lock of every current and incoming
// conversation in ID order, so in-flight turns finish before the set is
// replaced.
func (s *Service) lockConversations(ctx context.Context, incoming []domain.Conversation) (func(), error) {
	seen := make(map[string]struct{})
	for _, c := range s.deps.Conversations.List() {
		seen[c.ID] = struct{}{}
	}
	for _, c := range incoming {
		if c.ID != "" {
			seen[c.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unlocks := make([]func(), 0, len(ids))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range ids {
		unlock, err := s.locker.Lock(ctx, id)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (s *Service) saveConfig(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	pc := persistedConfig{Assistant: s.CurrentAssistant().ID}
	if a := s.active.Load(); a != nil {
		cfg := a.cfg
		pc.Provider = a.name
		pc.ProviderConfig = &cfg
	}
	if err := s.deps.Store.Save(context.WithoutCancel(ctx), domain.KeyConfig, pc); err != nil {
		s.deps.Logger.Warn("save config failed", "error", err)
	}
}

func (s *Service) saveConversations(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.deps.Store.Save(context.WithoutCancel(ctx), domain.KeyConversations, s.deps.Conversations.Export()); err != nil {
		s.deps.Logger.Warn("save conversations failed", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, t domain.EventType, convID string, payload any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(ctx, domain.NewEvent(t, convID, payload))
}

// callTracker follows one call through its CallState transitions.
type callTracker struct {
	mu    sync.Mutex
	state domain.CallState
}

func (c *callTracker) set(st domain.CallState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *callTracker) get() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
