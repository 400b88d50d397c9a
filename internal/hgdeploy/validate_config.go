package hgdeploy

import (
	"errors"
	"fmt"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/stage"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func ValidateConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate an hgdeploy config file",
		Long:  "Validate an hgdeploy configuration file, including the task command templates of every host group.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := config.FindConfigFile(flags.configPath)
			if err != nil {
				return err
			}
			cfg, _, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}

			if err := checkTaskTemplates(cfg); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}

			lines := []string{fmt.Sprintf("master: %s (%s)", cfg.Master.Host, cfg.Master.Repo)}
			for _, name := range deploy.StageOrder {
				g, _ := cfg.Groups.ByName(string(name))
				lines = append(lines, fmt.Sprintf("%s: %d host(s), %d task(s), parallelism %d", name, len(g.Hosts), len(g.Tasks), g.Parallelism))
			}
			ui.Success("Config file '%s' is valid!", configFile)
			for _, name := range cfg.Groups.Empty() {
				ui.Warn("groups.%s lists no hosts; its stage will deploy nothing unless skipped", name)
			}
			ui.Section("Cluster", lines)
			return nil
		},
	}

	return cmd
}

// checkTaskTemplates parses every task command and renders it once, which
// catches references to variables that do not exist.
func checkTaskTemplates(cfg *config.Config) error {
	var errs []error
	for _, name := range deploy.StageOrder {
		g, err := cfg.Groups.ByName(string(name))
		if err != nil {
			return err
		}
		for _, tc := range g.Tasks {
			task, err := stage.NewCommandTask(tc.Name, tc.Run, nil)
			if err == nil {
				_, err = task.Command(stage.Vars{RunID: "validate", Stage: string(name), Target: "tip", Previous: "tip", Host: "localhost"})
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("groups.%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
