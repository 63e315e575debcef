package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/gammadia/ehos/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var cloudsCmd = &cobra.Command{
	Use:   "clouds",
	Short: "List the configured clouds",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range file.CloudNames() {
			cmd.Printf("%-12s  %s\n", color.HiCyanString(name), file.Clouds[name].Backend)
		}
		return nil
	},
}

var limitsCmd = &cobra.Command{
	Use:               "limits [cloud...]",
	Short:             "Show the resource limits of clouds, all of them by default",
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		clouds := lo.Ternary(len(args) > 0, args, file.CloudNames())

		for _, cloud := range clouds {
			err := withCloud(cmd.Context(), cloud, func(p scheduler.Provisioner) error {
				limits, err := p.ResourceLimits(cmd.Context())
				if err != nil {
					return err
				}

				cmd.Println(color.HiCyanString(cloud))
				cmd.Printf("  instances  %s\n", usage(limits.UsedInstances, limits.TotalInstances))
				cmd.Printf("  cores      %s\n", usage(limits.UsedCores, limits.TotalCores))
				cmd.Printf("  ram (MiB)  %s\n", usage(limits.UsedRAM, limits.TotalRAM))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:               "servers <cloud>",
	Short:             "List the servers of a cloud",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeClouds,

	RunE: func(cmd *cobra.Command, args []string) error {
		return withCloud(cmd.Context(), args[0], func(p scheduler.Provisioner) error {
			servers, err := p.ListNodes(cmd.Context())
			if err != nil {
				return err
			}

			for _, server := range servers {
				cmd.Printf("%-36s  %-10s  %s\n", server.ID, server.Status, color.HiCyanString(server.Name))
			}
			return nil
		})
	},
}

// withCloud connects to a cloud for the duration of fn.
func withCloud(ctx context.Context, cloud string, fn func(scheduler.Provisioner) error) error {
	p, err := connect(ctx, cloud)
	if err != nil {
		return fmt.Errorf("failed to connect to cloud '%s': %w", cloud, err)
	}
	defer p.Shutdown()

	if err := fn(p); err != nil {
		return fmt.Errorf("cloud '%s': %w", cloud, err)
	}
	return nil
}

func usage(used, total int) string {
	if total < 0 {
		return fmt.Sprintf("%d / unlimited", used)
	}
	return fmt.Sprintf("%d / %d", used, total)
}
