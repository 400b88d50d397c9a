package hg

import (
	"context"
	"fmt"

	"github.com/hgmo/hgdeploy/internal/deploy"
)

// Resolver pins deployment targets to a full changeset node on the master.
type Resolver struct {
	Client *Client
}

func (r *Resolver) Resolve(ctx context.Context, target deploy.Target) (deploy.Target, error) {
	node, err := r.Client.Resolve(ctx, target.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", deploy.ErrPrecondition, err)
	}
	return deploy.Target(node), nil
}
