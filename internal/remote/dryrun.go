package remote

import (
	"context"
	"log/slog"
	"sync"
)

// DryRunExecutor records and logs commands without running them.
type DryRunExecutor struct {
	Logger *slog.Logger

	mu       sync.Mutex
	commands []Invocation
}

type Invocation struct {
	Host    string
	Command string
}

func (e *DryRunExecutor) Run(_ context.Context, host, command string) (string, error) {
	e.mu.Lock()
	e.commands = append(e.commands, Invocation{Host: host, Command: command})
	e.mu.Unlock()

	if e.Logger != nil {
		e.Logger.Info("Dry run, not executing", "host", host, "command", command)
	}
	return "", nil
}

// Invocations returns the commands seen so far in call order.
func (e *DryRunExecutor) Invocations() []Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Invocation(nil), e.commands...)
}
