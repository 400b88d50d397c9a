package hgdeploy

import (
	"fmt"
	"io"
	"strings"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/secrets"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func SecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the credentials hgdeploy uses",
	}
	cmd.AddCommand(SecretsKeygenCmd(), SecretsEncryptCmd(), SecretsStoreCmd())
	return cmd
}

// SecretsKeygenCmd prints a new age identity and its recipient.
func SecretsKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for encrypted secrets on the master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := secrets.GenerateIdentity()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# public key: %s\n", identity.Recipient())
			fmt.Fprintln(out, identity.String())
			ui.Info("Export the identity as %s on the deploying machine", constants.EnvVarAgeIdentity)
			return nil
		},
	}
	return cmd
}

// SecretsEncryptCmd encrypts a value for the files in master.secrets_dir.
func SecretsEncryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "encrypt <recipient> [value]",
		Short:   "Encrypt a value for a secrets file on the master",
		Example: "  hgdeploy secrets encrypt age1... https://hooks.slack.com/services/T/B/X\n  hgdeploy secrets encrypt age1... < webhook.txt",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := secrets.ParseRecipient(args[0])
			if err != nil {
				return err
			}
			value, err := secretValue(cmd, args[1:])
			if err != nil {
				return err
			}
			encrypted, err := secrets.Encrypt(value, recipient)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encrypted)
			return nil
		},
	}
	return cmd
}

// SecretsStoreCmd saves a value in the OS keychain for credentials with source keyring.
func SecretsStoreCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "store <name> [value]",
		Short: "Store a value in the system keychain",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := secretValue(cmd, args[1:])
			if err != nil {
				return err
			}
			provider := secrets.KeyringProvider{Service: service}
			if err := provider.Store(args[0], value); err != nil {
				return err
			}
			ui.Success("Stored '%s' in the system keychain", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", constants.DefaultKeyringName, "Keychain service name")
	return cmd
}

// secretValue returns the value argument, or stdin when there is none.
func secretValue(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read value from stdin: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", fmt.Errorf("no value given")
	}
	return value, nil
}
