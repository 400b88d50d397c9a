package hgdeploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func InitCmd() *cobra.Command {
	var (
		format string
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		Long: `Write a sample hgdeploy config file describing a small cluster.

Without --output the file is written to the config directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ext := format
			if ext == "yaml" {
				ext = "yml"
			}
			if ext != "yml" && ext != "json" && ext != "toml" {
				return fmt.Errorf("unsupported format %q (must be yaml, json or toml)", format)
			}

			path := output
			if path == "" {
				dir, err := config.ConfigDir()
				if err != nil {
					return fmt.Errorf("failed to determine config directory: %w", err)
				}
				path = filepath.Join(dir, constants.AppName+"."+ext)
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), constants.ModeDirPrivate); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			if err := config.Save(config.Sample(), path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			ui.Success("Wrote sample config to %s", path)
			ui.Info("Edit the hosts and tasks, then run 'hgdeploy validate-config'")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Config format: yaml, json or toml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the config to this path")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
