package hg

import (
	"context"
	"fmt"
	"strings"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/remote"
)

// Client runs hg against a repository on a remote host.
type Client struct {
	Exec   remote.Executor
	Host   string
	Repo   string
	HgPath string
}

func (c *Client) command(args ...string) string {
	hg := c.HgPath
	if hg == "" {
		hg = constants.DefaultHgBinary
	}
	parts := []string{hg, "-R", remote.Quote(c.Repo)}
	for _, a := range args {
		parts = append(parts, remote.Quote(a))
	}
	return strings.Join(parts, " ")
}

// Phase returns the phase name of rev, e.g. "public" or "draft".
func (c *Client) Phase(ctx context.Context, rev string) (string, error) {
	out, err := c.Exec.Run(ctx, c.Host, c.command("log", "-r", rev, "-l", "1", "-T", "{phase}"))
	if err != nil {
		return "", fmt.Errorf("failed to query phase of %s: %w", rev, err)
	}
	phase := strings.TrimSpace(out)
	if phase == "" {
		return "", fmt.Errorf("revision %s not found in %s", rev, c.Repo)
	}
	return phase, nil
}

// Resolve returns the full node of the single changeset rev names. rev may
// be anything hg accepts: a hash prefix, tag, bookmark or revset.
func (c *Client) Resolve(ctx context.Context, rev string) (string, error) {
	nodes, err := c.Log(ctx, rev, "{node}\\n")
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	switch len(nodes) {
	case 0:
		return "", fmt.Errorf("revision %s not found in %s", rev, c.Repo)
	case 1:
		return strings.TrimSpace(nodes[0]), nil
	default:
		return "", fmt.Errorf("revision %s is ambiguous: it names %d changesets", rev, len(nodes))
	}
}

// Log runs hg log over revset with template and returns the non-empty output lines.
func (c *Client) Log(ctx context.Context, revset, template string) ([]string, error) {
	out, err := c.Exec.Run(ctx, c.Host, c.command("log", "-r", revset, "-T", template))
	if err != nil {
		return nil, fmt.Errorf("hg log %s: %w", revset, err)
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
