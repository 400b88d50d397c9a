package deploy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hgmo/hgdeploy/internal/logging"
	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateRunID returns a ULID, which sorts by creation time.
func CreateRunID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Orchestrator drives a run through the state machine:
//
//	Idle -> PreconditionChecked -> Notified(Start) -> hgweb? -> hgssh? -> mirrors? -> Notified(End) -> Done
//
// Stages run strictly one after another in StageOrder. Runs must be
// serialized by the caller; the record store is single writer.
type Orchestrator struct {
	Resolver Resolver
	Checker  Checker
	Differ   Differ
	Records  RecordStore
	Notifier Notifier
	Stages   map[StageName]StageExecutor

	// Optional.
	History  History
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	NewRunID func() string
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) validate(plan Plan) error {
	if o.Checker == nil {
		return errors.New("orchestrator has no precondition checker")
	}
	if o.Records == nil {
		return errors.New("orchestrator has no record store")
	}
	if o.Notifier == nil {
		return errors.New("orchestrator has no notifier")
	}
	for _, s := range plan {
		if s.Mode == ModeRun && o.Stages[s.Name] == nil {
			return fmt.Errorf("no executor configured for stage %s", s.Name)
		}
	}
	return nil
}

// Run executes one deployment. The returned Result is always non-nil and
// describes how far the run got; the error is non-nil for every state other
// than StateDone.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	runID := CreateRunID()
	if o.NewRunID != nil {
		runID = o.NewRunID()
	}

	logger := logging.OrDiscard(o.Logger).With("run", runID, "target", req.Target.String())
	ctx = logging.WithLogger(ctx, logger)

	plan := req.Toggles.Plan()
	res := &Result{
		RunID:     runID,
		User:      req.User,
		Target:    req.Target,
		Requested: req.Target,
		Plan:      plan,
		State:     StateIdle,
		StartedAt: o.now(),
	}

	if err := req.Target.Validate(); err != nil {
		return o.finish(ctx, res, StatePreconditionFailed, err)
	}
	if err := o.validate(plan); err != nil {
		return o.finish(ctx, res, StatePreconditionFailed, err)
	}

	target, err := o.resolve(ctx, req.Target)
	if err != nil {
		return o.finish(ctx, res, StatePreconditionFailed, err)
	}
	if target != req.Target {
		logger = logger.With("node", target.String())
		ctx = logging.WithLogger(ctx, logger)
		logger.Info("Pinned target", "requested", req.Target.String())
	}
	res.Target = target

	logger.Info("Checking deployment precondition")
	if err := o.Checker.Check(ctx, target); err != nil {
		if !errors.Is(err, ErrPrecondition) {
			err = fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		return o.finish(ctx, res, StatePreconditionFailed, err)
	}
	res.State = StatePreconditionChecked

	res.Previous = o.readPrevious(ctx)
	res.Changes = o.diff(ctx, res.Previous, target)

	o.notify(ctx, Event{
		Kind:     EventStart,
		RunID:    runID,
		User:     req.User,
		Target:   target,
		Previous: res.Previous,
		Changes:  res.Changes,
		Running:  plan.Running(),
		Skipped:  plan.Skipped(),
	})
	res.State = StateNotifiedStart

	for _, planned := range plan {
		outcome := StageOutcome{Name: planned.Name, Mode: planned.Mode}
		if planned.Mode == ModeSkip {
			logger.Info("Skipping stage", "stage", planned.Name)
			res.Stages = append(res.Stages, outcome)
			continue
		}

		logger.Info("Starting stage", "stage", planned.Name)
		report := o.Stages[planned.Name].Execute(ctx, StageRun{
			RunID:    runID,
			Stage:    planned.Name,
			Target:   target,
			Previous: res.Previous,
		})
		report.Stage = planned.Name
		outcome.Report = &report
		outcome.Err = report.Err()
		res.Stages = append(res.Stages, outcome)

		if outcome.Err != nil {
			return o.finish(ctx, res, StateStageFailed, outcome.Err)
		}
		logger.Info("Stage complete", "stage", planned.Name, "hosts", len(report.Hosts), "duration", report.Duration)
	}
	res.State = StateStagesComplete

	// The record only moves forward once every planned stage succeeded.
	if err := o.Records.Write(ctx, target); err != nil {
		return o.finish(ctx, res, StateRecordFailed, fmt.Errorf("%w: %w", ErrRecord, err))
	}

	o.notify(ctx, Event{
		Kind:     EventEnd,
		RunID:    runID,
		User:     req.User,
		Target:   target,
		Previous: res.Previous,
		Changes:  res.Changes,
		Running:  plan.Running(),
		Skipped:  plan.Skipped(),
		Duration: o.now().Sub(res.StartedAt),
	})
	res.State = StateNotifiedEnd

	return o.finish(ctx, res, StateDone, nil)
}

// resolve pins target. Without a Resolver the target is used as given.
func (o *Orchestrator) resolve(ctx context.Context, target Target) (Target, error) {
	if o.Resolver == nil {
		return target, nil
	}
	pinned, err := o.Resolver.Resolve(ctx, target)
	if err == nil {
		err = pinned.Validate()
	}
	if err != nil {
		if !errors.Is(err, ErrPrecondition) {
			err = fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		return "", err
	}
	return pinned, nil
}

func (o *Orchestrator) readPrevious(ctx context.Context) Target {
	previous, err := o.Records.Read(ctx)
	if err != nil {
		logging.FromContext(ctx).Warn("Could not read previously deployed revision, continuing without diff", "error", err)
		return ""
	}
	return previous
}

func (o *Orchestrator) diff(ctx context.Context, previous, target Target) []Change {
	logger := logging.FromContext(ctx)
	if previous == "" || o.Differ == nil {
		return nil
	}
	changes, err := o.Differ.Diff(ctx, previous, target)
	if err != nil {
		if !errors.Is(err, ErrDiff) {
			err = fmt.Errorf("%w: %w", ErrDiff, err)
		}
		logger.Warn("Falling back to empty diff", "previous", previous.String(), "error", err)
		return nil
	}
	logger.Info("Computed changes since last deployment", "previous", previous.String(), "changes", len(changes))
	return changes
}

func (o *Orchestrator) notify(ctx context.Context, ev Event) {
	if err := o.Notifier.Notify(ctx, ev); err != nil {
		logging.FromContext(ctx).Warn("Notification failed", "event", string(ev.Kind), "error", fmt.Errorf("%w: %w", ErrNotification, err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, res *Result, state State, err error) (*Result, error) {
	logger := logging.FromContext(ctx)
	res.State = state
	res.Err = err
	res.FinishedAt = o.now()

	if err != nil {
		logger.Error("Deployment failed", "state", string(state), "error", err)
	} else {
		logger.Info("Deployment complete", "duration", res.Duration())
	}

	if o.History != nil {
		if herr := o.History.SaveRun(ctx, res); herr != nil {
			logger.Warn("Failed to save run history", "error", herr)
		}
	}
	if o.Observer != nil {
		o.Observer.ObserveRun(res)
	}
	return res, err
}
