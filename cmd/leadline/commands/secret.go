package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadline/pkg/leadline/secrets"
)

// newSecretCmd creates the `leadline secret` command for managing the
// encrypted vault and the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage stored credentials",
		Long: `Manages the encrypted vault (AES-256-GCM, Argon2id) that holds API
keys and tokens. Secrets are stored under their environment variable
name and injected into the process on 'leadline serve'.

Examples:
  leadline secret init
  leadline secret set ANTHROPIC_API_KEY
  leadline secret list
  leadline secret change-password`,
	}

	cmd.AddCommand(
		newSecretInitCmd(),
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
		newSecretChangePasswordCmd(),
		newSecretKeyringCmd(),
	)

	return cmd
}

func newSecretInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the encrypted vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := secrets.NewVault(secrets.VaultFile)
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s", vault.Path())
			}

			password, err := secrets.ReadPassword("New vault password (min 8 chars): ")
			if err != nil {
				return err
			}
			if len(password) < 8 {
				return errors.New("password must have at least 8 characters")
			}
			confirm, err := secrets.ReadPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords don't match")
			}

			if err := vault.Create(password); err != nil {
				return err
			}
			defer vault.Lock()

			fmt.Printf("Vault created at %s\n", vault.Path())
			fmt.Println("Add secrets with: leadline secret set <NAME>")
			return nil
		},
	}
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <NAME> [value]",
		Short: "Store a secret in the vault",
		Long: `Stores a secret under its environment variable name, e.g.
ANTHROPIC_API_KEY or LEADLINE_GATEWAY_TOKEN. Without a value argument
the secret is read from the terminal with echo off.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			name := args[0]
			var value string
			if len(args) > 1 {
				value = args[1]
			} else {
				value, err = secrets.ReadPassword(fmt.Sprintf("Value for %s: ", name))
				if err != nil {
					return err
				}
			}
			if value == "" {
				return errors.New("value cannot be empty")
			}

			if err := vault.Set(name, value); err != nil {
				return err
			}
			fmt.Printf("Secret %s stored.\n", name)
			return nil
		},
	}
}

func newSecretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <NAME>",
		Short: "Print a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			if !vault.Has(args[0]) {
				return fmt.Errorf("no secret named %s", args[0])
			}
			value, err := vault.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			names := vault.List()
			if len(names) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <NAME>",
		Short: "Remove a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			if !vault.Has(args[0]) {
				return fmt.Errorf("no secret named %s", args[0])
			}
			if err := vault.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %s removed.\n", args[0])
			return nil
		},
	}
}

func newSecretChangePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-password",
		Short: "Re-encrypt the vault under a new password",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			newPassword, err := secrets.ReadPassword("New password (min 8 chars): ")
			if err != nil {
				return err
			}
			if len(newPassword) < 8 {
				return errors.New("password must have at least 8 characters")
			}
			confirm, err := secrets.ReadPassword("Confirm new password: ")
			if err != nil {
				return err
			}
			if newPassword != confirm {
				return errors.New("passwords don't match")
			}

			if err := vault.ChangePassword(newPassword); err != nil {
				return err
			}
			fmt.Println("Vault password changed.")
			return nil
		},
	}
}

func newSecretKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage secrets in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Check whether an OS keyring is available",
			RunE: func(_ *cobra.Command, _ []string) error {
				if secrets.KeyringAvailable() {
					fmt.Println("OS keyring is available.")
				} else {
					fmt.Println("No OS keyring available. Use the encrypted vault instead.")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a secret in the OS keyring",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				value, err := secrets.ReadPassword(fmt.Sprintf("Value for %s: ", args[0]))
				if err != nil {
					return err
				}
				if err := secrets.StoreKeyring(args[0], value); err != nil {
					return err
				}
				fmt.Printf("Secret %s stored in OS keyring.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret from the OS keyring",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := secrets.DeleteKeyring(args[0]); err != nil {
					return err
				}
				fmt.Printf("Secret %s removed from OS keyring.\n", args[0])
				return nil
			},
		},
	)

	return cmd
}

// unlockVault opens the vault using LEADLINE_VAULT_PASSWORD when set,
// falling back to an interactive prompt.
func unlockVault() (*secrets.Vault, error) {
	vault := secrets.NewVault(secrets.VaultFile)
	if !vault.Exists() {
		return nil, errors.New("no vault found. Create one with: leadline secret init")
	}

	password := os.Getenv("LEADLINE_VAULT_PASSWORD")
	if password == "" {
		var err error
		password, err = secrets.ReadPassword("Vault password: ")
		if err != nil {
			return nil, err
		}
	}

	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}
