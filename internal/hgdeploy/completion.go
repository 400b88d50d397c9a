package hgdeploy

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CompletionCmd creates a new completion command
func CompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Long: `To load completions:

Bash:
  $ source <(hgdeploy completion bash)
  # Permanently:
  $ hgdeploy completion bash > /etc/bash_completion.d/hgdeploy

Zsh:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  $ source <(hgdeploy completion zsh)

Fish:
  $ hgdeploy completion fish | source

Powershell:
  PS> hgdeploy completion powershell | Out-String | Invoke-Expression
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell type: %s", args[0])
			}
		},
	}

	return cmd
}
