package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatmux/internal/infra/config"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags, args := parseFlags(os.Args[1:])

	var err error
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "":
		err = runChat(ctx, flags)
	case "serve":
		err = runServe(ctx, flags)
	case "models":
		err = runModels(args[1:])
	case "export":
		err = runExport(ctx, flags, args[1:])
	case "import":
		err = runImport(ctx, flags, args[1:])
	case "encrypt":
		err = runEncrypt(args[1:])
	default:
		cancel()
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatmux --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		if cmd == "" {
			cmd = "chat"
		}
		cancel()
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatmux - multi-provider AI chat

USAGE:
    chatmux [FLAGS] [COMMAND]

COMMANDS:
    (no command)        Interactive chat on stdin with streamed replies
    serve               Start the WebSocket gateway
    models <provider>   List the models a provider offers
    export [file]       Write conversations and selections as JSON (default: stdout)
    import <file>       Replace conversations with a JSON export
    encrypt <value>     Encrypt a secret for config.yaml (needs CHATMUX_CONFIG_KEY)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --provider NAME    Provider to use (qwen, openai, openrouter)
    --key KEY          API key for the provider
    --model NAME       Model name (e.g. qwen-turbo, gpt-4o)

CHAT COMMANDS:
    /new [assistant]   Start a new conversation
    /assistant [id]    Show or switch the assistant
    /list              List conversations
    /quit              Exit

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHATMUX_* variables override config`)
}

// cliFlags holds the global flags accepted before or after the command.
type cliFlags struct {
	Config   string
	Provider string
	Model    string
	APIKey   string
}

// parseFlags extracts --config, --provider, --model and --key from args and
// returns the remaining positional arguments.
func parseFlags(args []string) (cliFlags, []string) {
	var flags cliFlags
	var rest []string
	targets := map[string]*string{
		"--config":   &flags.Config,
		"--provider": &flags.Provider,
		"--model":    &flags.Model,
		"--key":      &flags.APIKey,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := targets[name]
		switch {
		case ok && hasValue:
			*dst = value
		case ok && i+1 < len(args):
			*dst = args[i+1]
			i++
		case ok:
			// Flag without a value is ignored.
		default:
			rest = append(rest, arg)
		}
	}
	return flags, rest
}

func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("CHATMUX_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads the config file and lays the CLI flags over it. A
// --provider flag selects (or adds) that provider as the default.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, err
	}
	if flags.Provider == "" {
		if flags.APIKey != "" || flags.Model != "" {
			return nil, fmt.Errorf("--key and --model require --provider")
		}
		return cfg, nil
	}

	cfg.LLM.DefaultProvider = flags.Provider
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.Name != flags.Provider {
			continue
		}
		if flags.APIKey != "" {
			p.APIKey = flags.APIKey
		}
		if flags.Model != "" {
			p.Model = flags.Model
		}
		return cfg, nil
	}
	cfg.LLM.Providers = append(cfg.LLM.Providers, config.ProviderConfig{
		Name:   flags.Provider,
		Type:   flags.Provider,
		APIKey: flags.APIKey,
		Model:  flags.Model,
	}.WithDefaults())
	return cfg, nil
}
