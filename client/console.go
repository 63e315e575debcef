package main

import (
	"fmt"

	"github.com/gammadia/ehos/client/ui"
	"github.com/gammadia/ehos/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:               "console <cloud> <server-id>",
	Short:             "Print the console log of a server",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		return withCloud(cmd.Context(), args[0], func(p scheduler.Provisioner) error {
			output, err := p.ServerLog(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			cmd.Print(output)
			return nil
		})
	},
}

var waitLogCmd = &cobra.Command{
	Use:               "wait-log <cloud> <server-id>",
	Short:             "Wait for a pattern to appear in the console log of a server",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := lo.Must(cmd.Flags().GetString("pattern"))
		timeout := lo.Must(cmd.Flags().GetInt("timeout"))

		return withCloud(cmd.Context(), args[0], func(p scheduler.Provisioner) error {
			spinner := ui.NewSpinner(fmt.Sprintf("Waiting for '%s' in the console of %s", pattern, args[1]))

			matches, err := p.WaitForLogMatch(cmd.Context(), args[1], pattern, timeout)
			if err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success()

			for _, match := range matches {
				cmd.Println(match)
			}
			return nil
		})
	},
}

func init() {
	waitLogCmd.Flags().String("pattern", scheduler.ReadyLogPattern, "regular expression to look for")
	waitLogCmd.Flags().Int("timeout", scheduler.DefaultTimeout, "number of polls, one per second")
}
