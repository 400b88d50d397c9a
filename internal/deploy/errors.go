package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTarget means the requested revision is malformed.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrPrecondition means the target is not in the approved state. Fatal,
	// raised before any side effect.
	ErrPrecondition = errors.New("precondition failed")

	// ErrStage means a stage failed on at least one host. Fatal.
	ErrStage = errors.New("stage failed")

	// ErrNotification is logged and never aborts a run.
	ErrNotification = errors.New("notification failed")

	// ErrDiff is logged; the run continues with an empty diff.
	ErrDiff = errors.New("diff computation failed")

	// ErrRecord means the deployed revision could not be persisted.
	ErrRecord = errors.New("record update failed")
)

// PreconditionError reports a target whose phase is not the approved one.
type PreconditionError struct {
	Target   Target
	Phase    string
	Approved string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("revision %s is in phase %q, deployment requires %q", e.Target, e.Phase, e.Approved)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// StageError names the stage and every host that failed in it, so the
// operator can resume by hand.
type StageError struct {
	Stage    StageName
	Failures []HostResult
}

func (e *StageError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Host, f.Err))
	}
	return fmt.Sprintf("stage %s failed on %d host(s): %s", e.Stage, len(e.Failures), strings.Join(parts, "; "))
}

func (e *StageError) Is(target error) bool {
	return target == ErrStage
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedHosts lists the hosts that failed, in report order.
func (e *StageError) FailedHosts() []string {
	hosts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		hosts = append(hosts, f.Host)
	}
	return hosts
}
