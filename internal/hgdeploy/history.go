package hgdeploy

import (
	"errors"
	"fmt"
	"time"

	"github.com/hgmo/hgdeploy/internal/db"
	"github.com/hgmo/hgdeploy/internal/helpers"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func HistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deployment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}

			database, err := openHistoryDB()
			if err != nil {
				return err
			}
			defer database.Close()

			runs, err := database.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				ui.Info("No deployments recorded yet")
				return nil
			}

			now := time.Now()
			lines := make([]string, 0, len(runs))
			for _, run := range runs {
				lines = append(lines, historyLine(run, now))
			}
			ui.Section("Recent deployments", lines)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	return cmd
}

func historyLine(run db.Run, now time.Time) string {
	line := fmt.Sprintf("%s  %-12s  %-20s  %s by %s",
		helpers.SafeIDPrefix(run.ID), run.Target, displayState(run.State), helpers.TimeAgo(run.StartedAt, now), run.User)
	for _, s := range run.Skipped {
		line += " -" + s
	}
	return line
}
