package deploy

import (
	"context"
	"fmt"

	"github.com/hgmo/hgdeploy/internal/db"
	"github.com/hgmo/hgdeploy/internal/logging"
)

// DBHistory stores finished runs in the local history database and prunes
// everything but the newest Keep runs.
type DBHistory struct {
	DB   *db.DB
	Keep int
}

func (h *DBHistory) SaveRun(ctx context.Context, res *Result) error {
	if err := h.DB.SaveRun(ctx, ToDBRun(res)); err != nil {
		return fmt.Errorf("failed to save run to database: %w", err)
	}

	if h.Keep > 0 {
		pruned, err := h.DB.PruneRuns(ctx, h.Keep)
		if err != nil {
			return fmt.Errorf("failed to prune old runs: %w", err)
		}
		if pruned > 0 {
			logging.FromContext(ctx).Debug("Pruned old runs", "count", pruned)
		}
	}
	return nil
}

// ToDBRun flattens a result into its history row.
func ToDBRun(res *Result) db.Run {
	run := db.Run{
		ID:         res.RunID,
		User:       res.User,
		Target:     res.Target.String(),
		Previous:   res.Previous.String(),
		State:      string(res.State),
		Changes:    len(res.Changes),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	for _, name := range res.Plan.Skipped() {
		run.Skipped = append(run.Skipped, string(name))
	}

	for _, s := range res.Stages {
		sr := db.StageResult{Stage: string(s.Name), Mode: s.Mode.String()}
		if s.Report != nil {
			sr.Hosts = len(s.Report.Hosts)
			sr.Duration = s.Report.Duration
			for _, f := range s.Report.Failures() {
				sr.FailedHosts = append(sr.FailedHosts, f.Host)
			}
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		run.Stages = append(run.Stages, sr)
	}
	return run
}
