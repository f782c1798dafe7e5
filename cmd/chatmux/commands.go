package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"chatmux/internal/adapter/gateway"
	"chatmux/internal/adapter/llm"
	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/logger"
	"chatmux/internal/infra/middleware"
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

func runServe(ctx context.Context, flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if len(cfg.Gateway.Tokens) == 0 {
		return errors.New("gateway.tokens must list at least one token")
	}
	a, err := newApp(ctx, cfg, flags.Provider != "")
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	srv := gateway.NewServer(a.bus, gateway.NewStaticTokenAuth(cfg.Gateway.Tokens), cfg.Gateway.Addr, a.log)
	srv.Use(
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: cfg.Gateway.RequestsPerMin,
			Burst:          cfg.Gateway.Burst,
			TrustedProxies: cfg.Gateway.TrustedProxies,
			Logger:         a.log,
		}),
	)
	deps := gateway.HandlerDeps{
		Service:        a.svc,
		Bus:            a.bus,
		Logger:         a.log,
		ActiveRequests: &sync.Map{},
	}
	gateway.RegisterRESTHandlers(srv, deps)
	gateway.RegisterDefaultHandlers(srv, deps)

	a.log.Info("chatmux serving",
		"addr", cfg.Gateway.Addr,
		"provider", a.svc.CurrentProviderName(),
		"storage", cfg.Storage.Driver,
	)
	return srv.Start(ctx)
}

func runModels(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: chatmux models <provider>")
	}
	models, err := llm.NewDefaultRegistry(logger.Discard()).Models(args[0])
	if err != nil {
		return err
	}
	return printModels(stdout, models)
}

func printModels(w io.Writer, models []domain.ModelInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
	}
	return tw.Flush()
}

func runExport(ctx context.Context, flags cliFlags, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: chatmux export [file]")
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	data, err := json.MarshalIndent(a.svc.ExportData(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	data = append(data, '\n')

	if len(args) == 0 {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(args[0], data, 0o600)
}

func runImport(ctx context.Context, flags cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: chatmux import <file>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var data domain.ExportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if !a.svc.ImportData(ctx, data) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.NewDomainError("import", domain.ErrUnknownAssistant, data.Assistant)
	}
	fmt.Fprintf(stdout, "imported %d conversations\n", len(a.svc.Conversations()))
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: chatmux encrypt <value>")
	}
	passphrase := os.Getenv("CHATMUX_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("CHATMUX_CONFIG_KEY must be set")
	}
	secret, err := config.EncryptSecret(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, secret)
	return nil
}
