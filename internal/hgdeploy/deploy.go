package hgdeploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/helpers"
	"github.com/hgmo/hgdeploy/internal/hg"
	"github.com/hgmo/hgdeploy/internal/logging"
	"github.com/hgmo/hgdeploy/internal/notify"
	"github.com/hgmo/hgdeploy/internal/remote"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/spf13/cobra"
)

func DeployCmd(flags *rootFlags) *cobra.Command {
	var (
		toggles    deploy.Toggles
		dryRun     bool
		showOutput bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <revision>",
		Short: "Deploy a revision to the cluster",
		Long: `Deploy a revision of version-control-tools to the cluster.

The revision must be in the approved phase on the master. Stages run in the
order hgweb, hgssh, mirrors and the deployed revision is recorded on the
master once every stage that ran has succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			cfg, format, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			env, err := newEnvironment(ctx, cfg, format)
			if err != nil {
				return err
			}
			defer env.Close()

			var output *hostOutput
			if showOutput {
				output = newHostOutput(ui.Output())
				env.streamOutput(output.For)
			}

			if cfg.Metrics.Textfile != "" && !dryRun {
				if err := env.metrics.Restore(cfg.Metrics.Textfile); err != nil {
					logger.Warn("Starting metrics from zero", "error", err)
				}
			}

			orch, err := env.orchestrator(ctx, dryRun)
			if err != nil {
				return err
			}

			if dryRun {
				ui.Info("Dry run: commands are logged but not executed")
			}
			warnEmptyGroups(cfg, toggles)

			res, runErr := orch.Run(ctx, deploy.Request{
				Target:  deploy.Target(strings.TrimSpace(args[0])),
				Toggles: toggles,
				User:    currentUser(),
			})
			if output != nil {
				output.Flush()
			}

			if cfg.Metrics.Textfile != "" && !dryRun {
				if err := env.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
					logger.Warn("Failed to write metrics", "error", err)
				}
			}

			printResult(res)
			return runErr
		},
	}

	cmd.Flags().BoolVar(&toggles.SkipHgweb, "skip-hgweb", false, "Do not deploy to the hgweb fleet")
	cmd.Flags().BoolVar(&toggles.SkipHgssh, "skip-hgssh", false, "Do not deploy to the hgssh fleet")
	cmd.Flags().BoolVar(&toggles.SkipMirrors, "skip-mirrors", false, "Do not deploy to the mirrors")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Check the revision and print the commands each stage would run")
	cmd.Flags().BoolVar(&showOutput, "show-output", false, "Stream command output from every host")
	return cmd
}

// warnEmptyGroups flags stages that will run against a group with no hosts.
func warnEmptyGroups(cfg *config.Config, toggles deploy.Toggles) {
	empty := make(map[string]bool)
	for _, name := range cfg.Groups.Empty() {
		empty[name] = true
	}
	for _, name := range toggles.Plan().Running() {
		if empty[string(name)] {
			ui.Warn("Stage %s has no hosts and will deploy nothing; pass --skip-%s to skip it", name, name)
		}
	}
}

// orchestrator assembles a run from the environment. A dry run still asks
// the master for the phase and the diff but runs no stage task, leaves the
// record alone and only logs notifications.
func (e *environment) orchestrator(ctx context.Context, dryRun bool) (*deploy.Orchestrator, error) {
	logger := e.logger

	stageExec := e.exec
	var records deploy.RecordStore = e.records()
	var notifier deploy.Notifier
	if dryRun {
		stageExec = &remote.DryRunExecutor{Logger: logger}
		records = &dryRunRecords{RecordStore: records, logger: logger}
		notifier = &notify.LogNotifier{Logger: logger}
	} else {
		notifier = e.notifier(ctx)
	}

	stages, err := buildStages(e.cfg, stageExec)
	if err != nil {
		return nil, err
	}

	orch := &deploy.Orchestrator{
		Resolver: &hg.Resolver{Client: e.client},
		Checker:  &hg.Checker{Client: e.client, Approved: e.cfg.Master.ApprovedPhase},
		Differ:   &hg.Differ{Client: e.client},
		Records:  records,
		Notifier: notifier,
		Stages:   stages,
		Observer: e.metrics,
		Logger:   logger,
	}

	if !dryRun {
		database, err := e.openHistory()
		if err != nil {
			logger.Warn("Run history is disabled", "error", err)
		} else {
			orch.History = &deploy.DBHistory{DB: database, Keep: e.cfg.History.Keep}
			if last, err := database.LatestRunInState(ctx, string(deploy.StateDone)); err == nil {
				e.metrics.SeedLastSuccess(last.FinishedAt)
			}
		}
	}
	return orch, nil
}

// dryRunRecords reads the real record but never writes it.
type dryRunRecords struct {
	deploy.RecordStore
	logger *slog.Logger
}

func (r *dryRunRecords) Write(_ context.Context, target deploy.Target) error {
	r.logger.Info("Dry run, not recording deployed revision", "target", target.String())
	return nil
}

func printResult(res *deploy.Result) {
	if res == nil {
		return
	}

	for _, s := range res.Stages {
		pui := &ui.PrefixedUI{Prefix: ui.StagePrefix(string(s.Name))}
		switch {
		case s.Mode == deploy.ModeSkip:
			pui.Warn("skipped")
		case s.Err != nil:
			failed := s.Report.Failures()
			hosts := make([]string, 0, len(failed))
			for _, f := range failed {
				hosts = append(hosts, f.Host)
			}
			pui.Error("failed on %d of %d host(s): %s", len(failed), len(s.Report.Hosts), strings.Join(hosts, ", "))
			for _, f := range failed {
				pui.Error("  %s: %v", f.Host, f.Err)
			}
		default:
			pui.Success("deployed to %d host(s) in %s", len(s.Report.Hosts), s.Report.Duration.Round(time.Millisecond))
		}
	}

	id := helpers.SafeIDPrefix(res.RunID)
	target := res.Target.String()
	if res.Requested != "" && res.Requested != res.Target {
		target = fmt.Sprintf("%s (requested %s)", res.Target, res.Requested)
	}

	if !res.State.Terminal() {
		ui.Error("Deployment of %s was interrupted in state %s: %v", target, res.State, res.Err)
		return
	}
	switch res.State {
	case deploy.StateDone:
		ui.Success("Deployed %s (run %s) in %s", target, id, res.Duration().Round(time.Millisecond))
	case deploy.StatePreconditionFailed:
		ui.Error("Refusing to deploy %s: %v", target, res.Err)
	case deploy.StateStageFailed:
		name, _ := res.FailedStage()
		ui.Error("Deployment of %s failed in stage %s (run %s); later stages were not run", target, name, id)
	case deploy.StateRecordFailed:
		ui.Error("Deployed %s but could not record it on the master (run %s): %v", target, id, res.Err)
	}
}

// hostOutput hands out one line-prefixing writer per host. All writers share
// the destination and never interleave within a line.
type hostOutput struct {
	mu      sync.Mutex
	dest    *lockedWriter
	writers map[string]*helpers.PrefixWriter
}

func newHostOutput(w io.Writer) *hostOutput {
	return &hostOutput{dest: &lockedWriter{w: w}, writers: make(map[string]*helpers.PrefixWriter)}
}

func (o *hostOutput) For(host string) io.Writer {
	o.mu.Lock()
	defer o.mu.Unlock()
	pw, ok := o.writers[host]
	if !ok {
		pw = helpers.NewPrefixWriter(o.dest, ui.StagePrefix(host))
		o.writers[host] = pw
	}
	return pw
}

// Flush writes out any trailing partial lines.
func (o *hostOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, pw := range o.writers {
		_ = pw.Flush()
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
