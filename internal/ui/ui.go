package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	White  = lipgloss.Color("15")
	Gray   = lipgloss.Color("8")
	Green  = lipgloss.Color("10")
	Cyan   = lipgloss.Color("14")
	Yellow = lipgloss.Color("11")
	Red    = lipgloss.Color("9")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(Green).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(Cyan)
	debugStyle   = lipgloss.NewStyle().Foreground(Gray)
	warnStyle    = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(Red).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(White).Bold(true).Underline(true)
)

var (
	mu     sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects all ui output. Passing nil restores the defaults.
func SetOutput(out, errOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout, stderr = out, errOut
}

func emit(w func() io.Writer, style lipgloss.Style, prefix, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	mu.Lock()
	defer mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		fmt.Fprintln(w(), prefix+style.Render(line))
	}
}

// Output returns the writer regular messages currently go to.
func Output() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return stdout
}

func out() io.Writer    { return stdout }
func errOut() io.Writer { return stderr }

func Success(format string, a ...any) { emit(out, successStyle, "", format, a...) }
func Info(format string, a ...any)    { emit(out, infoStyle, "", format, a...) }
func Debug(format string, a ...any)   { emit(out, debugStyle, "", format, a...) }
func Warn(format string, a ...any)    { emit(errOut, warnStyle, "", format, a...) }
func Error(format string, a ...any)   { emit(errOut, errorStyle, "", format, a...) }

// Section prints a bold title followed by indented lines.
func Section(title string, lines []string) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(stdout, headerStyle.Render(title))
	for _, l := range lines {
		fmt.Fprintf(stdout, "  %s\n", l)
	}
}

// PrefixedUI prints every line with a fixed prefix, used to tell stage or host output apart.
type PrefixedUI struct {
	Prefix string
}

func (p *PrefixedUI) Success(format string, a ...any) { emit(out, successStyle, p.Prefix, format, a...) }
func (p *PrefixedUI) Info(format string, a ...any)    { emit(out, infoStyle, p.Prefix, format, a...) }
func (p *PrefixedUI) Warn(format string, a ...any)    { emit(errOut, warnStyle, p.Prefix, format, a...) }
func (p *PrefixedUI) Error(format string, a ...any)   { emit(errOut, errorStyle, p.Prefix, format, a...) }

// StagePrefix renders a bold stage label for PrefixedUI.
func StagePrefix(name string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(White).Render(fmt.Sprintf("[%s] ", name))
}
