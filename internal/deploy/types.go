package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Target is the revision being rolled out. It is opaque to the orchestrator
// and immutable for the duration of a run.
type Target string

func (t Target) String() string {
	return string(t)
}

func (t Target) Validate() error {
	s := string(t)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: revision cannot be empty", ErrInvalidTarget)
	}
	if strings.ContainsAny(s, " \t\n\r'\"`$;&|<>\\") {
		return fmt.Errorf("%w: revision %q contains characters that are not allowed", ErrInvalidTarget, s)
	}
	return nil
}

type StageName string

const (
	StageHgweb   StageName = "hgweb"
	StageHgssh   StageName = "hgssh"
	StageMirrors StageName = "mirrors"
)

// StageOrder is the fixed order in which stages execute.
var StageOrder = []StageName{StageHgweb, StageHgssh, StageMirrors}

type StageMode int

const (
	ModeRun StageMode = iota
	ModeSkip
)

func (m StageMode) String() string {
	if m == ModeSkip {
		return "skip"
	}
	return "run"
}

// Toggles are the operator supplied switches. The zero value runs everything.
type Toggles struct {
	SkipHgweb   bool
	SkipHgssh   bool
	SkipMirrors bool
}

func (t Toggles) skip(name StageName) bool {
	switch name {
	case StageHgweb:
		return t.SkipHgweb
	case StageHgssh:
		return t.SkipHgssh
	case StageMirrors:
		return t.SkipMirrors
	}
	return false
}

type PlannedStage struct {
	Name StageName
	Mode StageMode
}

// Plan is the per-run stage decision, fixed before the first side effect.
type Plan []PlannedStage

// Plan resolves the toggles against StageOrder.
func (t Toggles) Plan() Plan {
	plan := make(Plan, 0, len(StageOrder))
	for _, name := range StageOrder {
		mode := ModeRun
		if t.skip(name) {
			mode = ModeSkip
		}
		plan = append(plan, PlannedStage{Name: name, Mode: mode})
	}
	return plan
}

func (p Plan) Skipped() []StageName {
	var names []StageName
	for _, s := range p {
		if s.Mode == ModeSkip {
			names = append(names, s.Name)
		}
	}
	return names
}

func (p Plan) Running() []StageName {
	var names []StageName
	for _, s := range p {
		if s.Mode == ModeRun {
			names = append(names, s.Name)
		}
	}
	return names
}

// State is a position in the run state machine.
type State string

const (
	StateIdle                State = "idle"
	StatePreconditionChecked State = "precondition_checked"
	StateNotifiedStart       State = "notified_start"
	StateStagesComplete      State = "stages_complete"
	StateNotifiedEnd         State = "notified_end"
	StateDone                State = "done"

	StatePreconditionFailed State = "precondition_failed"
	StateStageFailed        State = "stage_failed"
	StateRecordFailed       State = "record_failed"
)

// Terminal reports whether a run in state s has finished.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StatePreconditionFailed, StateStageFailed, StateRecordFailed:
		return true
	}
	return false
}

// Change is one changeset between the previously deployed revision and the target.
type Change struct {
	ID      string
	Summary string
}

// HostResult is the outcome of a stage on one host.
type HostResult struct {
	Host     string
	Err      error
	Duration time.Duration
}

// StageRun carries what a stage needs to know about the run it belongs to.
type StageRun struct {
	RunID    string
	Stage    StageName
	Target   Target
	Previous Target
}

// StageReport collects the per-host results of one stage after all hosts finished.
type StageReport struct {
	Stage    StageName
	Hosts    []HostResult
	Duration time.Duration
}

func (r StageReport) Failures() []HostResult {
	var failed []HostResult
	for _, h := range r.Hosts {
		if h.Err != nil {
			failed = append(failed, h)
		}
	}
	return failed
}

// Err returns a *StageError when any host failed.
func (r StageReport) Err() error {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	return &StageError{Stage: r.Stage, Failures: failed}
}

// StageOutcome is what the run result records per planned stage.
type StageOutcome struct {
	Name   StageName
	Mode   StageMode
	Report *StageReport
	Err    error
}

type EventKind string

const (
	EventStart EventKind = "start"
	EventEnd   EventKind = "end"
)

// Event is what notifiers receive at the start and the end of a run.
type Event struct {
	Kind     EventKind
	RunID    string
	User     string
	Target   Target
	Previous Target
	Changes  []Change
	Running  []StageName
	Skipped  []StageName
	Duration time.Duration
}

type Request struct {
	Target  Target
	Toggles Toggles
	User    string
}

// Result describes a finished run, successful or not.
type Result struct {
	RunID string
	User  string
	// Target is the pinned changeset once the run got past resolution,
	// Requested what the operator asked for.
	Target     Target
	Requested  Target
	Previous   Target
	Changes    []Change
	Plan       Plan
	Stages     []StageOutcome
	State      State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedStage returns the stage that failed the run, if any.
func (r *Result) FailedStage() (StageName, bool) {
	for _, s := range r.Stages {
		if s.Err != nil {
			return s.Name, true
		}
	}
	return "", false
}

// Resolver pins a symbolic target (a bookmark, tag or revset) to exactly
// one changeset. Everything after resolution sees only the pinned value.
type Resolver interface {
	Resolve(ctx context.Context, target Target) (Target, error)
}

// Checker gates a run on the target being in the approved state.
type Checker interface {
	Check(ctx context.Context, target Target) error
}

// Differ lists the changes between two revisions.
type Differ interface {
	Diff(ctx context.Context, previous, target Target) ([]Change, error)
}

// RecordStore holds the last successfully deployed revision.
type RecordStore interface {
	Read(ctx context.Context) (Target, error)
	Write(ctx context.Context, target Target) error
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// StageExecutor applies one stage to its host group. It must only return
// once every host in the group has finished.
type StageExecutor interface {
	Execute(ctx context.Context, run StageRun) StageReport
}

// History keeps a record of finished runs.
type History interface {
	SaveRun(ctx context.Context, res *Result) error
}

// Observer receives finished runs, e.g. for metrics.
type Observer interface {
	ObserveRun(res *Result)
}
