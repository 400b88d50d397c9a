package remote

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
)

// LocalExecutor runs commands on this machine through sh -c. The host
// argument is only used for logging and errors.
type LocalExecutor struct {
	Logger *slog.Logger
	// Output, when set, receives a copy of stdout and stderr as it is produced.
	Output func(host string) io.Writer
}

func (e *LocalExecutor) Run(ctx context.Context, host, command string) (string, error) {
	var stdout, stderr bytes.Buffer
	var tee io.Writer
	if e.Output != nil {
		tee = e.Output(host)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = io.MultiWriter(&stdout, outputWriter(tee))
	cmd.Stderr = io.MultiWriter(&stderr, outputWriter(tee))

	err := cmd.Run()
	logLines(e.Logger, host, "stdout", stdout.String())
	logLines(e.Logger, host, "stderr", stderr.String())
	if err != nil {
		return stdout.String(), &CommandError{Host: host, Command: command, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}
