package hgdeploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/db"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/helpers"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func StatusCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the deployed revision and the last run",
		Long:  "Show the revision recorded on the master and the outcome of the most recent deployment run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), deploy.DefaultContextTimeout)
			defer cancel()

			cfg, format, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			env, err := newEnvironment(ctx, cfg, format)
			if err != nil {
				return err
			}
			defer env.Close()

			deployed, err := env.records().Read(ctx)
			if err != nil {
				return fmt.Errorf("failed to read deployed revision from %s: %w", cfg.Master.Host, err)
			}
			if deployed == "" {
				deployed = "(none)"
			}

			lines := []string{
				fmt.Sprintf("Master: %s", cfg.Master.Host),
				fmt.Sprintf("Deployed revision: %s", deployed),
			}

			database, err := env.openHistory()
			if err != nil {
				return err
			}
			runs, err := database.ListRuns(ctx, 1)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				lines = append(lines, "Last run: none recorded on this machine")
			} else {
				last, err := database.GetRun(ctx, runs[0].ID)
				if err != nil {
					return err
				}
				lines = append(lines, runLines(last, time.Now())...)
			}

			last, err := database.LatestRunInState(ctx, string(deploy.StateDone))
			switch {
			case errors.Is(err, db.ErrNotFound):
			case err != nil:
				return err
			case len(runs) == 0 || last.ID != runs[0].ID:
				lines = append(lines, fmt.Sprintf("Last success: %s by %s, %s", last.Target, last.User, helpers.TimeAgo(last.FinishedAt, time.Now())))
			}

			ui.Section(fmt.Sprintf("Status for %s", cfg.Master.Repo), lines)
			return nil
		},
	}
	return cmd
}

func runLines(run db.Run, now time.Time) []string {
	lines := []string{
		fmt.Sprintf("Last run: %s (%s)", helpers.SafeIDPrefix(run.ID), displayState(run.State)),
		fmt.Sprintf("  Target: %s, previously %s", run.Target, orNone(run.Previous)),
		fmt.Sprintf("  By %s, %s, took %s", run.User, helpers.TimeAgo(run.FinishedAt, now), run.FinishedAt.Sub(run.StartedAt).Round(time.Second)),
	}
	for _, s := range run.Stages {
		switch {
		case s.Mode == deploy.ModeSkip.String():
			lines = append(lines, fmt.Sprintf("  %s: skipped", s.Stage))
		case len(s.FailedHosts) > 0:
			lines = append(lines, fmt.Sprintf("  %s: failed on %s", s.Stage, strings.Join(s.FailedHosts, ", ")))
		default:
			lines = append(lines, fmt.Sprintf("  %s: %d host(s) in %s", s.Stage, s.Hosts, s.Duration.Round(time.Second)))
		}
	}
	if run.Error != "" {
		lines = append(lines, fmt.Sprintf("  Error: %s", run.Error))
	}
	return lines
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func displayState(state string) string {
	switch deploy.State(state) {
	case deploy.StateDone:
		return lipgloss.NewStyle().Foreground(ui.Green).Render("done")
	case deploy.StatePreconditionFailed:
		return lipgloss.NewStyle().Foreground(ui.Yellow).Render("refused")
	case deploy.StateStageFailed, deploy.StateRecordFailed:
		return lipgloss.NewStyle().Foreground(ui.Red).Render(strings.ReplaceAll(state, "_", " "))
	default:
		return lipgloss.NewStyle().Foreground(ui.Gray).Italic(true).Render(state)
	}
}
