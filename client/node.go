package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/gammadia/ehos/client/ui"
	"github.com/gammadia/ehos/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:               "stop <cloud> <server-id>",
	Short:             "Stop a server and wait for it to be shut off",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		timeout := lo.Must(cmd.Flags().GetInt("timeout"))

		return withCloud(cmd.Context(), args[0], func(p scheduler.Provisioner) error {
			return stopServer(cmd, p, args[1], timeout)
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:               "snapshot <cloud> <server-id> <image-name>",
	Short:             "Stop a server, then create an image of it",
	Args:              cobra.ExactArgs(3),
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		timeout := lo.Must(cmd.Flags().GetInt("timeout"))

		return withCloud(cmd.Context(), args[0], func(p scheduler.Provisioner) error {
			// Images of running servers may never become active
			if err := stopServer(cmd, p, args[1], timeout); err != nil {
				return err
			}

			spinner := ui.NewSpinner(fmt.Sprintf("Creating image %s", args[2]))
			imageID, err := p.SnapshotNode(cmd.Context(), args[1], args[2], timeout)
			if err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success(fmt.Sprintf("Created image %s", args[2]))

			cmd.Println(color.HiCyanString(imageID))
			return nil
		})
	},
}

func stopServer(cmd *cobra.Command, p scheduler.Provisioner, id string, timeout int) error {
	spinner := ui.NewSpinner(fmt.Sprintf("Stopping server %s", id))
	if err := p.StopNode(cmd.Context(), id, timeout); err != nil {
		spinner.Fail()
		return err
	}
	spinner.Success(fmt.Sprintf("Stopped server %s", id))
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{stopCmd, snapshotCmd} {
		cmd.Flags().Int("timeout", scheduler.DefaultTimeout, "number of polls, one per second")
	}
}
