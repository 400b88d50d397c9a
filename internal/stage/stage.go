package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Stage applies an ordered task list to every host of a group. Hosts are
// processed concurrently up to Parallelism; Execute returns once all of them
// are done, whether or not some failed.
type Stage struct {
	Name        deploy.StageName
	Hosts       []string
	Tasks       []Task
	Parallelism int
	Logger      *slog.Logger
}

func (s *Stage) Execute(ctx context.Context, run deploy.StageRun) deploy.StageReport {
	logger := s.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	logger = logger.With("stage", string(s.Name))

	start := time.Now()
	report := deploy.StageReport{Stage: s.Name, Hosts: make([]deploy.HostResult, len(s.Hosts))}
	if len(s.Hosts) == 0 {
		logger.Warn("Stage has no hosts")
		return report
	}

	limit := s.Parallelism
	if limit <= 0 {
		limit = constants.DefaultParallelism
	}

	// Failures are collected per host rather than returned, so one failing
	// host does not cancel the others.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, host := range s.Hosts {
		g.Go(func() error {
			hostStart := time.Now()
			err := s.applyHost(ctx, logger, host, run)
			report.Hosts[i] = deploy.HostResult{Host: host, Err: err, Duration: time.Since(hostStart)}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	return report
}

func (s *Stage) applyHost(ctx context.Context, logger *slog.Logger, host string, run deploy.StageRun) error {
	vars := Vars{
		RunID:    run.RunID,
		Stage:    string(s.Name),
		Target:   run.Target.String(),
		Previous: run.Previous.String(),
		Host:     host,
	}
	for _, task := range s.Tasks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("task %s not started: %w", task.Name(), err)
		}
		logger.Debug("Applying task", "host", host, "task", task.Name())
		if err := task.Apply(ctx, host, vars); err != nil {
			logger.Error("Task failed", "host", host, "task", task.Name(), "error", err)
			return fmt.Errorf("task %s: %w", task.Name(), err)
		}
	}
	logger.Info("Host complete", "host", host)
	return nil
}
