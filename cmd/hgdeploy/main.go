package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hgmo/hgdeploy/internal/hgdeploy"
)

func main() {
	// Interrupting a run stops tasks that have not started yet; tasks already
	// running on a host are cancelled with their SSH session.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := hgdeploy.NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		// Print error once, then exit
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
