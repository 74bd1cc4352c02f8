package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/secrets"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// newChatCmd creates the `leadline chat` command for talking to the
// configured reply provider directly, without a WhatsApp session.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the reply provider from the terminal",
		Long: `Sends messages straight to the configured provider, exactly as the
pipeline would. Useful to test a system prompt before pointing real
conversations at it. Pass a message for a single reply, or no arguments
for an interactive session.

Examples:
  leadline chat "We open at 9am, right?"
  leadline chat --tenant acme     # interactive, with acme's system prompt
  leadline chat                   # interactive, no system prompt`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the configured model")
	cmd.Flags().StringP("tenant", "t", "", "use this tenant's system prompt")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// Chat output belongs to the user; keep the log noise on stderr and
	// above warn.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	secrets.Resolve(cfg, logger)

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Responder.Model = model
	}

	resp, err := responder.New(cfg.Responder, logger)
	if err != nil {
		return fmt.Errorf("responder unavailable: %w", err)
	}

	systemPrompt := ""
	if tenantID, _ := cmd.Flags().GetString("tenant"); tenantID != "" {
		db, err := storage.Open(cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		tenant, err := db.Tenant(cmd.Context(), tenantID)
		db.Close()
		if err != nil {
			return fmt.Errorf("loading tenant %q: %w", tenantID, err)
		}
		systemPrompt = tenant.SystemPrompt
		fmt.Printf("Using system prompt of tenant %q.\n", tenant.Name)
	}

	timeout := cfg.Responder.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	ask := func(history []responder.ChatMessage) (string, error) {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		reply, err := resp.Respond(ctx, &responder.Request{
			SystemPrompt: systemPrompt,
			Messages:     history,
		})
		if err != nil {
			return "", err
		}
		if reply.Text == "" {
			return "(the provider stayed silent)", nil
		}
		return reply.Text, nil
	}

	if len(args) > 0 {
		// Single-shot mode.
		text, err := ask([]responder.ChatMessage{{Role: "user", Content: args[0]}})
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}

	// Interactive mode.
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lead> ",
		HistoryFile:     filepath.Join(os.TempDir(), "leadline_chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting terminal: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Provider: %s. Type 'exit' to leave.\n\n", resp.Name())

	window := cfg.Pipeline.HistoryWindow
	if window <= 0 {
		window = 20
	}

	var history []responder.ChatMessage
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		history = append(history, responder.ChatMessage{Role: "user", Content: line})
		// Same trimming the pipeline applies: only the most recent window
		// reaches the provider.
		if len(history) > window {
			history = history[len(history)-window:]
		}

		text, err := ask(history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", text)
		history = append(history, responder.ChatMessage{Role: "assistant", Content: text})
	}

	fmt.Println("Bye!")
	return nil
}
