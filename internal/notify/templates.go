package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/hgmo/hgdeploy/internal/deploy"
)

// maxListedChanges caps how many changesets are spelled out in a message.
const maxListedChanges = 10

const (
	StartTemplate = `{{.User}} started deploying {{.Target}}{{if .Previous}} (was {{.Previous}}, {{len .Changes}} new changeset{{if ne (len .Changes) 1}}s{{end}}){{end}}{{with .Skipped}}; skipping {{join .}}{{end}}`

	EndTemplate = `{{.User}} finished deploying {{.Target}} in {{duration .Duration}}{{with .Skipped}}; skipped {{join .}}{{end}}`
)

var templateFuncs = template.FuncMap{
	"join": func(names []deploy.StageName) string {
		s := make([]string, len(names))
		for i, n := range names {
			s[i] = string(n)
		}
		return strings.Join(s, ", ")
	},
	"duration": func(d time.Duration) string {
		return d.Round(time.Second).String()
	},
}

var (
	startTmpl = template.Must(template.New("start").Funcs(templateFuncs).Parse(StartTemplate))
	endTmpl   = template.Must(template.New("end").Funcs(templateFuncs).Parse(EndTemplate))
)

// Render returns the one line summary for ev.
func Render(ev deploy.Event) (string, error) {
	tmpl := startTmpl
	if ev.Kind == deploy.EventEnd {
		tmpl = endTmpl
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("failed to render %s message: %w", ev.Kind, err)
	}
	return buf.String(), nil
}

// ChangeLines formats the first changes of ev one per line, noting how many were left out.
func ChangeLines(changes []deploy.Change) []string {
	n := min(len(changes), maxListedChanges)
	lines := make([]string, 0, n+1)
	for _, c := range changes[:n] {
		lines = append(lines, fmt.Sprintf("%s %s", c.ID, c.Summary))
	}
	if rest := len(changes) - n; rest > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more", rest))
	}
	return lines
}
