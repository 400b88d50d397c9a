package hgdeploy

import (
	"os"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/logging"
	"github.com/spf13/cobra"
)

// rootFlags holds the values of the persistent flags shared by all commands.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "hgdeploy",
		Short: "hgdeploy rolls out version-control-tools to a Mercurial hosting cluster",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnvFiles() // load environment variables in .env for all commands.

			levelName := flags.logLevel
			if levelName == "" {
				levelName = os.Getenv(constants.EnvVarLogLevel)
			}
			level, err := logging.ParseLevel(levelName)
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), level, logging.Format(flags.logFormat))
			if err != nil {
				return err
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file or directory (default: config directory)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", string(logging.FormatText), "Log format: text or json")

	cmd.AddCommand(
		DeployCmd(flags),
		StatusCmd(flags),
		HistoryCmd(),
		ValidateConfigCmd(flags),
		InitCmd(),
		SecretsCmd(),
		VersionCmd(),
		CompletionCmd(),
	)

	return cmd
}
