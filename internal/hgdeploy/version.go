package hgdeploy

import (
	"fmt"

	"github.com/hgmo/hgdeploy/internal/version"
	"github.com/spf13/cobra"
)

// VersionCmd creates a new version command
func VersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current version of hgdeploy",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hgdeploy %s\n", version.GetVersion())
		},
	}

	return cmd
}
