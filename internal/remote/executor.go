package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Executor runs a shell command on a host and returns its standard output.
type Executor interface {
	Run(ctx context.Context, host, command string) (string, error)
}

// CommandError is returned when a command ran but exited unsuccessfully, or
// could not be started on the host.
type CommandError struct {
	Host    string
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: command %q failed: %v", e.Host, e.Command, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// logLines writes every non-empty line of output at debug level.
func logLines(logger *slog.Logger, host, stream, output string) {
	if logger == nil || output == "" {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.Debug(line, "host", host, "stream", stream)
	}
}

// outputWriter returns the writer command output is teed to, or io.Discard.
func outputWriter(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
