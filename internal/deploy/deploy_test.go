package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hgmo/hgdeploy/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	err     error
	calls   int
	checked []Target
}

func (f *fakeChecker) Check(_ context.Context, target Target) error {
	f.calls++
	f.checked = append(f.checked, target)
	return f.err
}

// fakeResolver maps symbolic names to nodes; unknown names resolve to themselves.
type fakeResolver struct {
	nodes map[Target]Target
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, target Target) (Target, error) {
	if f.err != nil {
		return "", f.err
	}
	if node, ok := f.nodes[target]; ok {
		return node, nil
	}
	return target, nil
}

// fakeDiffer reports one change per call unless previous equals target.
type fakeDiffer struct {
	err   error
	calls int
}

func (f *fakeDiffer) Diff(_ context.Context, previous, target Target) ([]Change, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if previous == target {
		return nil, nil
	}
	return []Change{{ID: target.String(), Summary: fmt.Sprintf("changes since %s", previous)}}, nil
}

type fakeRecords struct {
	value    Target
	readErr  error
	writeErr error
	writes   []Target
}

func (f *fakeRecords) Read(_ context.Context) (Target, error) {
	return f.value, f.readErr
}

func (f *fakeRecords) Write(_ context.Context, t Target) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, t)
	f.value = t
	return nil
}

type fakeNotifier struct {
	errs   map[EventKind]error
	events []Event
}

func (f *fakeNotifier) Notify(_ context.Context, ev Event) error {
	f.events = append(f.events, ev)
	return f.errs[ev.Kind]
}

func (f *fakeNotifier) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type stageLog struct {
	mu      sync.Mutex
	runs    []StageName
	targets []Target
}

func (l *stageLog) add(name StageName, target Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, name)
	l.targets = append(l.targets, target)
}

type fakeStage struct {
	log  *stageLog
	name StageName
	fail bool
}

func (f *fakeStage) Execute(_ context.Context, run StageRun) StageReport {
	f.log.add(f.name, run.Target)
	report := StageReport{
		Stage: run.Stage,
		Hosts: []HostResult{{Host: string(f.name) + "1"}, {Host: string(f.name) + "2"}},
	}
	if f.fail {
		report.Hosts[1].Err = errors.New("exit status 255")
	}
	return report
}

type fakeHistory struct {
	results []*Result
}

func (f *fakeHistory) SaveRun(_ context.Context, res *Result) error {
	f.results = append(f.results, res)
	return nil
}

type fixture struct {
	checker  *fakeChecker
	differ   *fakeDiffer
	records  *fakeRecords
	notifier *fakeNotifier
	stages   *stageLog
	history  *fakeHistory
	orch     *Orchestrator
}

func newFixture(failing ...StageName) *fixture {
	f := &fixture{
		checker:  &fakeChecker{},
		differ:   &fakeDiffer{},
		records:  &fakeRecords{value: "0000aaaa"},
		notifier: &fakeNotifier{},
		stages:   &stageLog{},
		history:  &fakeHistory{},
	}
	fails := map[StageName]bool{}
	for _, s := range failing {
		fails[s] = true
	}
	executors := map[StageName]StageExecutor{}
	for _, name := range StageOrder {
		executors[name] = &fakeStage{log: f.stages, name: name, fail: fails[name]}
	}
	f.orch = &Orchestrator{
		Checker:  f.checker,
		Differ:   f.differ,
		Records:  f.records,
		Notifier: f.notifier,
		Stages:   executors,
		History:  f.history,
	}
	return f
}

func TestRunSuccess(t *testing.T) {
	f := newFixture()

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd", User: "hgadmin"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []StageName{StageHgweb, StageHgssh, StageMirrors}, f.stages.runs)
	assert.Equal(t, []EventKind{EventStart, EventEnd}, f.notifier.kinds())
	assert.Equal(t, []Target{"1234abcd"}, f.records.writes)
	assert.Equal(t, Target("0000aaaa"), res.Previous)
	assert.Len(t, res.Changes, 1)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, f.history.results, 1)
	assert.Same(t, res, f.history.results[0])

	start := f.notifier.events[0]
	assert.Equal(t, "hgadmin", start.User)
	assert.Equal(t, []StageName{StageHgweb, StageHgssh, StageMirrors}, start.Running)
	assert.Empty(t, start.Skipped)
}

func TestPreconditionFailureShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"draft phase", &PreconditionError{Target: "1234abcd", Phase: "draft", Approved: "public"}},
		{"secret phase", &PreconditionError{Target: "1234abcd", Phase: "secret", Approved: "public"}},
		{"query failed", errors.New("abort: unknown revision '1234abcd'")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.checker.err = tt.err

			res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPrecondition)
			assert.Equal(t, StatePreconditionFailed, res.State)
			assert.Empty(t, f.stages.runs)
			assert.Empty(t, f.notifier.events)
			assert.Empty(t, f.records.writes)
			assert.Zero(t, f.differ.calls)
		})
	}
}

func TestSymbolicTargetIsPinned(t *testing.T) {
	const node = Target("9f2e4c1a7b3d5e6f8091a2b3c4d5e6f708192a3b")

	f := newFixture()
	f.orch.Resolver = &fakeResolver{nodes: map[Target]Target{"tip": node}}

	res, err := f.orch.Run(context.Background(), Request{Target: "tip"})
	require.NoError(t, err)

	assert.Equal(t, node, res.Target)
	assert.Equal(t, Target("tip"), res.Requested)
	assert.Equal(t, []Target{node}, f.checker.checked)
	assert.Equal(t, []Target{node, node, node}, f.stages.targets)
	assert.Equal(t, []Target{node}, f.records.writes)
	for _, ev := range f.notifier.events {
		assert.Equal(t, node, ev.Target)
	}
	require.Len(t, f.history.results, 1)
	assert.Equal(t, node, f.history.results[0].Target)
}

func TestResolveFailureShortCircuits(t *testing.T) {
	tests := []struct {
		name     string
		resolver *fakeResolver
	}{
		{"unknown revision", &fakeResolver{err: errors.New("revision nope not found")}},
		{"ambiguous revset", &fakeResolver{err: fmt.Errorf("%w: revision 0::tip is ambiguous", ErrPrecondition)}},
		{"resolves to unsafe value", &fakeResolver{nodes: map[Target]Target{"tip": "abc;reboot"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.orch.Resolver = tt.resolver

			res, err := f.orch.Run(context.Background(), Request{Target: "tip"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPrecondition)
			assert.Equal(t, StatePreconditionFailed, res.State)
			assert.Zero(t, f.checker.calls)
			assert.Empty(t, f.stages.runs)
			assert.Empty(t, f.notifier.events)
			assert.Empty(t, f.records.writes)
		})
	}
}

func TestToggleCombinationsRunInFixedOrder(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		toggles := Toggles{
			SkipHgweb:   mask&1 != 0,
			SkipHgssh:   mask&2 != 0,
			SkipMirrors: mask&4 != 0,
		}
		t.Run(fmt.Sprintf("%+v", toggles), func(t *testing.T) {
			f := newFixture()

			var want []StageName
			for _, name := range StageOrder {
				if !toggles.skip(name) {
					want = append(want, name)
				}
			}

			res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd", Toggles: toggles})
			require.NoError(t, err)
			assert.Equal(t, want, f.stages.runs)
			assert.Equal(t, []EventKind{EventStart, EventEnd}, f.notifier.kinds())

			require.Len(t, res.Stages, 3)
			for i, outcome := range res.Stages {
				assert.Equal(t, StageOrder[i], outcome.Name)
				if toggles.skip(outcome.Name) {
					assert.Equal(t, ModeSkip, outcome.Mode)
					assert.Nil(t, outcome.Report)
				}
			}
		})
	}
}

func TestHgsshFailureStopsRun(t *testing.T) {
	f := newFixture(StageHgssh)

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStage)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageHgssh, stageErr.Stage)
	assert.Equal(t, []string{"hgssh2"}, stageErr.FailedHosts())

	assert.Equal(t, StateStageFailed, res.State)
	assert.Equal(t, []StageName{StageHgweb, StageHgssh}, f.stages.runs)
	assert.Equal(t, []EventKind{EventStart}, f.notifier.kinds())
	assert.Empty(t, f.records.writes, "record must not move on a failed run")

	failed, ok := res.FailedStage()
	assert.True(t, ok)
	assert.Equal(t, StageHgssh, failed)
}

func TestEmptyPreviousRecordYieldsEmptyDiff(t *testing.T) {
	f := newFixture()
	f.records.value = ""

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Zero(t, f.differ.calls)
	assert.Equal(t, StateDone, res.State)
}

func TestStartNotificationFailureDoesNotBlockStages(t *testing.T) {
	f := newFixture()
	f.notifier.errs = map[EventKind]error{EventStart: errors.New("webhook returned 500")}

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []StageName{StageHgweb, StageHgssh, StageMirrors}, f.stages.runs)
	assert.Equal(t, []EventKind{EventStart, EventEnd}, f.notifier.kinds())
}

func TestEndNotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.notifier.errs = map[EventKind]error{EventEnd: errors.New("timeout")}

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []Target{"1234abcd"}, f.records.writes)
}

func TestDiffFailureDegradesToEmptyDiff(t *testing.T) {
	f := newFixture()
	f.differ.err = errors.New("abort: unknown revision '0000aaaa'")

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Equal(t, 1, f.differ.calls)
	assert.Equal(t, StateDone, res.State)
}

func TestRecordReadFailureDegrades(t *testing.T) {
	f := newFixture()
	f.records.readErr = errors.New("permission denied")

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Equal(t, Target(""), res.Previous)
	assert.Zero(t, f.differ.calls)
}

func TestRecordWriteFailure(t *testing.T) {
	f := newFixture()
	f.records.writeErr = errors.New("read-only file system")

	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecord)
	assert.Equal(t, StateRecordFailed, res.State)
	assert.Equal(t, []StageName{StageHgweb, StageHgssh, StageMirrors}, f.stages.runs)
	assert.Equal(t, []EventKind{EventStart}, f.notifier.kinds())
}

func TestRerunWithSameTargetIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.orch.Run(ctx, Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Len(t, first.Changes, 1)
	stagesAfterFirst := len(f.stages.runs)

	second, err := f.orch.Run(ctx, Request{Target: "1234abcd"})
	require.NoError(t, err)

	assert.Empty(t, second.Changes)
	assert.Equal(t, Target("1234abcd"), second.Previous)
	assert.Equal(t, stagesAfterFirst, len(f.stages.runs)-stagesAfterFirst, "each run applies every stage exactly once")
	assert.Equal(t, []Target{"1234abcd", "1234abcd"}, f.records.writes)
	assert.Len(t, f.notifier.events, 4)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestInvalidTarget(t *testing.T) {
	for _, target := range []Target{"", "  ", "abc; rm -rf /", "tip'"} {
		t.Run(string(target), func(t *testing.T) {
			f := newFixture()
			res, err := f.orch.Run(context.Background(), Request{Target: target})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTarget)
			assert.Equal(t, StatePreconditionFailed, res.State)
			assert.Zero(t, f.checker.calls)
			assert.Empty(t, f.notifier.events)
		})
	}
}

func TestMissingExecutor(t *testing.T) {
	f := newFixture()
	delete(f.orch.Stages, StageMirrors)

	_, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirrors")
	assert.Empty(t, f.stages.runs)
	assert.Empty(t, f.notifier.events)

	// Skipping the stage makes the missing executor irrelevant.
	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd", Toggles: Toggles{SkipMirrors: true}})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
}

func TestToggles_Plan(t *testing.T) {
	plan := Toggles{SkipHgssh: true}.Plan()
	require.Len(t, plan, 3)
	assert.Equal(t, PlannedStage{Name: StageHgweb, Mode: ModeRun}, plan[0])
	assert.Equal(t, PlannedStage{Name: StageHgssh, Mode: ModeSkip}, plan[1])
	assert.Equal(t, PlannedStage{Name: StageMirrors, Mode: ModeRun}, plan[2])
	assert.Equal(t, []StageName{StageHgssh}, plan.Skipped())
	assert.Equal(t, []StageName{StageHgweb, StageMirrors}, plan.Running())
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateDone:                true,
		StatePreconditionFailed:  true,
		StateStageFailed:         true,
		StateRecordFailed:        true,
		StateIdle:                false,
		StatePreconditionChecked: false,
		StateNotifiedStart:       false,
		StateStagesComplete:      false,
		StateNotifiedEnd:         false,
	}
	for state, want := range terminal {
		assert.Equal(t, want, state.Terminal(), string(state))
	}
}

func TestRunID(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Len(t, res.RunID, 26)

	f = newFixture()
	f.orch.NewRunID = func() string { return "run-1" }
	res, err = f.orch.Run(context.Background(), Request{Target: "1234abcd"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	for _, ev := range f.notifier.events {
		assert.Equal(t, "run-1", ev.RunID)
	}
}

func TestCreateRunID(t *testing.T) {
	id1 := CreateRunID()
	id2 := CreateRunID()

	assert.Len(t, id1, 26, "ULIDs are 26 characters long")
	assert.NotEqual(t, id1, id2)
	assert.Greater(t, id2, id1, "run IDs sort by creation")
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{
		Stage: StageMirrors,
		Failures: []HostResult{
			{Host: "mirror1", Err: errors.New("connection refused")},
			{Host: "mirror3", Err: errors.New("exit status 1")},
		},
	}
	assert.Equal(t, "stage mirrors failed on 2 host(s): mirror1: connection refused; mirror3: exit status 1", err.Error())
	assert.ErrorIs(t, err, ErrStage)
	assert.NotErrorIs(t, err, ErrPrecondition)
}

func TestDBHistory(t *testing.T) {
	ctx := context.Background()
	database := db.OpenTestDB(t)

	f := newFixture(StageMirrors)
	f.orch.History = &DBHistory{DB: database, Keep: 10}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.orch.Now = func() time.Time { return now }

	res, err := f.orch.Run(ctx, Request{Target: "1234abcd", User: "hgadmin"})
	require.Error(t, err)

	run, err := database.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "stage_failed", run.State)
	assert.Equal(t, "1234abcd", run.Target)
	assert.Equal(t, "0000aaaa", run.Previous)
	assert.Contains(t, run.Error, "mirrors2")
	require.Len(t, run.Stages, 3)
	assert.Equal(t, []string{"mirrors2"}, run.Stages[2].FailedHosts)
	assert.Equal(t, 2, run.Stages[0].Hosts)
}
