package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"chatmux/internal/usecase"
)

// repl is the interactive chat loop. It streams replies into the current
// conversation, which /new replaces.
type repl struct {
	svc  *usecase.Service
	in   io.Reader
	out  io.Writer
	conv string
}

func runChat(ctx context.Context, flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, flags.Provider != "")
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	r := &repl{svc: a.svc, in: stdin, out: stdout}
	return r.run(ctx)
}

func (r *repl) run(ctx context.Context) error {
	if err := r.newConversation(ctx, ""); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "chatmux: provider %s, assistant %s. Type /quit to exit.\n",
		orNone(r.svc.CurrentProviderName()), r.svc.CurrentAssistant().DisplayName)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(ctx, line); err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	streamed := false
	_, err := r.svc.StreamMessage(ctx, text, usecase.SendOptions{
		ConversationID: r.conv,
		OnDelta: func(chunk string) {
			streamed = true
			fmt.Fprint(r.out, chunk)
		},
	})
	if streamed {
		fmt.Fprintln(r.out)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %s\n", usecase.UserMessage(err))
	}
	return err
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		return false, r.newConversation(ctx, arg)
	case "/assistant":
		if arg == "" {
			r.listAssistants()
			return false, nil
		}
		if err := r.svc.SetAssistant(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "assistant: %s\n", r.svc.CurrentAssistant().DisplayName)
		return false, nil
	case "/list":
		r.listConversations()
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
}

func (r *repl) newConversation(ctx context.Context, assistantID string) error {
	if assistantID != "" {
		if err := r.svc.SetAssistant(ctx, assistantID); err != nil {
			return err
		}
	}
	id, err := r.svc.CreateConversation(ctx, "")
	if err != nil {
		return err
	}
	r.conv = id
	fmt.Fprintf(r.out, "conversation %s\n", id)
	return nil
}

func (r *repl) listAssistants() {
	current := r.svc.CurrentAssistant().ID
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, a := range r.svc.Assistants() {
		marker := " "
		if a.ID == current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\n", marker, a.ID, a.DisplayName, a.Description)
	}
	tw.Flush()
}

func (r *repl) listConversations() {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, c := range r.svc.Conversations() {
		marker := " "
		if c.ID == r.conv {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%d messages\t%s\n",
			marker, c.ID, c.AssistantID, len(c.Messages), c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
