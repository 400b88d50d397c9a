package remote

import (
	"context"
	"strings"
)

// Router sends commands for the local machine to Local and everything else
// to Remote.
type Router struct {
	Local  Executor
	Remote Executor
}

func (r *Router) Run(ctx context.Context, host, command string) (string, error) {
	if IsLocal(host) {
		return r.Local.Run(ctx, host, command)
	}
	return r.Remote.Run(ctx, host, command)
}

// IsLocal reports whether host names this machine.
func IsLocal(host string) bool {
	if strings.Contains(host, "@") {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
