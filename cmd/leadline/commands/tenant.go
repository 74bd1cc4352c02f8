package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// newTenantCmd creates the `leadline tenant` command for managing
// business accounts.
func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long: `Creates and inspects tenants. Each tenant is one business with its
own WhatsApp session and system prompt.

Examples:
  leadline tenant add acme --name "Acme Ltda" --prompt "You sell roof tiles."
  leadline tenant list
  leadline tenant show acme
  leadline tenant prompt acme --file prompt.txt`,
	}

	cmd.AddCommand(
		newTenantAddCmd(),
		newTenantListCmd(),
		newTenantShowCmd(),
		newTenantPromptCmd(),
	)

	return cmd
}

func newTenantAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("tenant id cannot be empty")
			}

			tenant := &storage.Tenant{ID: id}
			existing, err := db.Tenant(cmd.Context(), id)
			switch {
			case err == nil:
				// Upsert replaces name and prompt wholesale; carry the
				// current values for flags the user did not pass.
				tenant = existing
			case errors.Is(err, storage.ErrNotFound):
			default:
				return err
			}

			if cmd.Flags().Changed("name") {
				tenant.Name, _ = cmd.Flags().GetString("name")
			}
			if tenant.Name == "" {
				tenant.Name = id
			}
			if cmd.Flags().Changed("prompt") {
				tenant.SystemPrompt, _ = cmd.Flags().GetString("prompt")
			}

			if err := db.UpsertTenant(cmd.Context(), tenant); err != nil {
				return err
			}

			if existing != nil {
				fmt.Printf("Tenant %q updated.\n", id)
			} else {
				fmt.Printf("Tenant %q created. Pair it via POST /api/tenants/%s/session once the server is up.\n", id, id)
			}
			return nil
		},
	}

	cmd.Flags().String("name", "", "display name of the business")
	cmd.Flags().String("prompt", "", "system prompt driving the assistant's replies")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tenants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			tenants, err := db.Tenants(cmd.Context())
			if err != nil {
				return err
			}
			if len(tenants) == 0 {
				fmt.Println("No tenants yet. Create one with: leadline tenant add <id>")
				return nil
			}

			fmt.Printf("%-20s %-14s %s\n", "ID", "STATUS", "NAME")
			for _, t := range tenants {
				fmt.Printf("%-20s %-14s %s\n", t.ID, t.Status, t.Name)
			}
			return nil
		},
	}
}

func newTenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one tenant and its leads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			tenant, err := db.Tenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Tenant:  %s (%s)\n", tenant.ID, tenant.Name)
			fmt.Printf("Status:  %s\n", tenant.Status)
			fmt.Printf("Created: %s\n", tenant.CreatedAt.Local().Format("2006-01-02 15:04"))
			if tenant.SystemPrompt != "" {
				fmt.Printf("\nSystem prompt:\n%s\n", indent(tenant.SystemPrompt, "  "))
			}

			leads, err := db.LeadsByTenant(cmd.Context(), tenant.ID)
			if err != nil {
				return err
			}
			fmt.Printf("\nLeads (%d):\n", len(leads))
			for _, l := range leads {
				name := l.Name
				if name == "" {
					name = l.Address
				}
				fmt.Printf("  %-26s %-10s automation=%-7s last activity %s\n",
					name, l.Status, l.Automation, l.LastActivityAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newTenantPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt <id> [text]",
		Short: "Set a tenant's system prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prompt string
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading prompt file: %w", err)
				}
				prompt = strings.TrimSpace(string(data))
			} else if len(args) > 1 {
				prompt = args[1]
			} else {
				return errors.New("pass the prompt as an argument or via --file")
			}

			db, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			tenant, err := db.Tenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tenant.SystemPrompt = prompt
			if err := db.UpsertTenant(cmd.Context(), tenant); err != nil {
				return err
			}

			fmt.Printf("System prompt of %q updated (%d characters). Takes effect on the next reply.\n",
				tenant.ID, len(prompt))
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "read the prompt from this file")
	return cmd
}

// openStorage loads the config and opens the database for one-shot
// CLI commands.
func openStorage(cmd *cobra.Command) (*storage.DB, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return storage.Open(cfg.Storage, logger)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
