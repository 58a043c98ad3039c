package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aletorrado/wayfarer/pkg/api"
	"github.com/aletorrado/wayfarer/pkg/assistant"
	"github.com/aletorrado/wayfarer/pkg/config"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "wayfarer",
		Short: "Travel assistant backend bridging users to a local Ollama runtime",
		Long: strings.TrimSpace(`wayfarer answers travel questions, extracts destination
recommendations from model output, and schedules accepted trips through the
external agenda service.

Use "serve" to run the HTTP gateway or "chat" for a local interactive session.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newServeCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func loadService(cfgPath string) (*assistant.Service, *config.Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	config.SetupLogging(cfg.Logging)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	svc, err := assistant.New(cfg, cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func newServeCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP gateway",
		Example: "  wayfarer serve --config config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := loadService(cfgPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Runtime.StartServer && !svc.Online(ctx) {
				svc.EnsureRuntime(ctx)
			}

			addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			return api.NewServer(svc).Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.json", "Path to the configuration file")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		cfgPath string
		userID  string
		token   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive local session with the assistant",
		Example: strings.Join([]string{
			"  wayfarer chat --user u-1",
			"  wayfarer chat --user u-1 --token $WAYFARER_TOKEN",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			svc, _, err := loadService(cfgPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			interactiveMode(svc, userID, token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.json", "Path to the configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id for the session")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Bearer token for downstream services")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func interactiveMode(svc *assistant.Service, userID, token string) {
	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".wayfarer_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		res := svc.Respond(context.Background(), assistant.TurnRequest{
			Prompt: input,
			UserID: userID,
			Token:  token,
		})
		if res.Failed() {
			fmt.Printf("Error: %s\n\n", res.Err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, res.Response)
		if res.Command != "" {
			fmt.Printf("  [command] %s\n\n", res.Command)
		}
	}
}
