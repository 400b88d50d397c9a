package hg

import (
	"context"
	"fmt"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/deploy"
)

// Checker only admits targets in the approved phase.
type Checker struct {
	Client   *Client
	Approved string
}

func (c *Checker) approved() string {
	if c.Approved == "" {
		return constants.DefaultApprovedPhase
	}
	return c.Approved
}

func (c *Checker) Check(ctx context.Context, target deploy.Target) error {
	phase, err := c.Client.Phase(ctx, target.String())
	if err != nil {
		return fmt.Errorf("%w: %w", deploy.ErrPrecondition, err)
	}
	if phase != c.approved() {
		return &deploy.PreconditionError{Target: target, Phase: phase, Approved: c.approved()}
	}
	return nil
}
