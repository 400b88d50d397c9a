package stage

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/hgmo/hgdeploy/internal/remote"
)

// Vars are available to command templates as {{.Target}}, {{.Host}} and so on.
type Vars struct {
	RunID    string
	Stage    string
	Target   string
	Previous string
	Host     string
}

// Task is one step applied to a host. Tasks must be idempotent: rerunning a
// deployment reapplies every task.
type Task interface {
	Name() string
	Apply(ctx context.Context, host string, vars Vars) error
}

// CommandTask runs a templated shell command on the host.
type CommandTask struct {
	name string
	tmpl *template.Template
	exec remote.Executor
}

var commandFuncs = template.FuncMap{
	"quote": remote.Quote,
}

func NewCommandTask(name, command string, exec remote.Executor) (*CommandTask, error) {
	tmpl, err := template.New(name).Funcs(commandFuncs).Option("missingkey=error").Parse(command)
	if err != nil {
		return nil, fmt.Errorf("task %s: invalid command template: %w", name, err)
	}
	return &CommandTask{name: name, tmpl: tmpl, exec: exec}, nil
}

func (t *CommandTask) Name() string {
	return t.name
}

// Command renders the command for vars.
func (t *CommandTask) Command(vars Vars) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("task %s: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *CommandTask) Apply(ctx context.Context, host string, vars Vars) error {
	cmd, err := t.Command(vars)
	if err != nil {
		return err
	}
	_, err = t.exec.Run(ctx, host, cmd)
	return err
}
