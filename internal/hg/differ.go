package hg

import (
	"context"
	"fmt"
	"strings"

	"github.com/hgmo/hgdeploy/internal/deploy"
)

const changeTemplate = "{node|short}\\t{desc|firstline}\\n"

// Differ lists the changesets in target that previous did not have.
type Differ struct {
	Client *Client
}

func (d *Differ) Diff(ctx context.Context, previous, target deploy.Target) ([]deploy.Change, error) {
	if previous == "" || previous == target {
		return nil, nil
	}

	revset := fmt.Sprintf("%s::%s - %s", previous, target, previous)
	lines, err := d.Client.Log(ctx, revset, changeTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", deploy.ErrDiff, err)
	}

	changes := make([]deploy.Change, 0, len(lines))
	for _, line := range lines {
		id, summary, _ := strings.Cut(line, "\t")
		changes = append(changes, deploy.Change{ID: strings.TrimSpace(id), Summary: strings.TrimSpace(summary)})
	}
	return changes, nil
}
