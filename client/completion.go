package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:       "completion <bash|zsh|fish>",
	Short:     "Generate shell completion scripts",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"bash", "zsh", "fish"},

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return ehosCmd.GenBashCompletionV2(cmd.OutOrStdout(), true)
		case "zsh":
			return ehosCmd.GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return ehosCmd.GenFishCompletion(cmd.OutOrStdout(), true)
		default:
			return fmt.Errorf("unsupported shell '%s'", args[0])
		}
	},
}

// completeClouds completes the first argument with the configured cloud names.
func completeClouds(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if err := ehosCmd.PersistentPreRunE(cmd, args); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return file.CloudNames(), cobra.ShellCompDirectiveNoFileComp
}
