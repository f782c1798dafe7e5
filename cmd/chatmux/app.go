package main

import (
	"context"
	"fmt"
	"log/slog"

	"chatmux/internal/adapter/llm"
	"chatmux/internal/adapter/storage"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/logger"
	"chatmux/internal/infra/tracer"
	"chatmux/internal/usecase"
	"chatmux/internal/usecase/conversation"
	"chatmux/internal/usecase/eventbus"
)

// app bundles the wired components shared by every command.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	store    storage.Store
	registry *llm.Registry
	svc      *usecase.Service

	closers []func(context.Context) error
}

// newApp wires logger, tracer, storage, providers and the service, then
// restores persisted state. forceProvider makes the configured default
// provider win over a restored one.
func newApp(ctx context.Context, cfg *config.Config, forceProvider bool) (*app, error) {
	a := &app{cfg: cfg}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func(context.Context) error { return logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, tracerShutdown)

	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	if cfg.Storage.CleanupAfter > 0 {
		if _, err := store.Cleanup(ctx, cfg.Storage.CleanupAfter); err != nil {
			log.Warn("storage cleanup failed", "error", err)
		}
	}

	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func(context.Context) error {
		a.bus.Close()
		return nil
	})

	a.registry = llm.NewDefaultRegistry(log, llm.WithCircuitBreaker(cfg.LLM.CircuitBreaker))

	a.svc = usecase.NewService(usecase.ServiceDeps{
		Providers: a.registry,
		Conversations: conversation.NewStore(conversation.Options{
			MaxHistory: cfg.Conversation.MaxHistory,
			KeepRecent: cfg.Conversation.KeepRecent,
		}),
		Store:            store,
		Bus:              a.bus,
		Assistants:       cfg.Assistant.Personas(),
		DefaultAssistant: cfg.Assistant.Default,
		HistoryLimit:     cfg.Conversation.HistoryLimit,
		Logger:           log,
	})
	a.svc.Load(ctx)

	if forceProvider || a.svc.CurrentProvider() == nil {
		a.selectDefaultProvider(ctx)
	}
	return a, nil
}

// selectDefaultProvider activates llm.default_provider when it is listed
// with a credential. Failures leave the service without a provider; chat
// calls then report ErrNoProviderConfigured.
func (a *app) selectDefaultProvider(ctx context.Context) {
	name := a.cfg.LLM.DefaultProvider
	pc, ok := a.cfg.Provider(name)
	if !ok {
		a.log.Debug("default provider not listed in config", "provider", name)
		return
	}
	if err := a.svc.SetProvider(ctx, name, pc); err != nil {
		a.log.Warn("default provider unavailable", "provider", name, "error", err)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.log != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
