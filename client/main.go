package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/ehos/config"
	"github.com/gammadia/ehos/provisioner"
	"github.com/gammadia/ehos/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// file is the configuration shared with the daemon
var file *config.File

var verbose bool

var ehosCmd = &cobra.Command{
	Use:   "ehos",
	Short: "ehos operates the clouds and the job queue of an elastic pool of worker nodes.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		path := lo.Must(cmd.Flags().GetString("config"))
		if file, err = config.Load(path); err != nil {
			return fmt.Errorf("failed to load configuration '%s': %w", path, err)
		}
		return nil
	},
}

func init() {
	ehosCmd.AddCommand(cloudsCmd)
	ehosCmd.AddCommand(completionCmd)
	ehosCmd.AddCommand(consoleCmd)
	ehosCmd.AddCommand(limitsCmd)
	ehosCmd.AddCommand(queueCmd)
	ehosCmd.AddCommand(serversCmd)
	ehosCmd.AddCommand(snapshotCmd)
	ehosCmd.AddCommand(stopCmd)
	ehosCmd.AddCommand(versionCmd)
	ehosCmd.AddCommand(waitLogCmd)

	ehosCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	ehosCmd.PersistentFlags().String("config", lo.Must(lo.Coalesce(os.Getenv("EHOS_CONFIG"), "/usr/local/etc/ehos/ehos.yaml")), "the configuration file")
}

// logger writes the provisioner logs to stderr in verbose mode only.
func logger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// connect opens the connection to a configured cloud. The caller must shut it down.
func connect(ctx context.Context, cloud string) (scheduler.Provisioner, error) {
	c, ok := file.Clouds[cloud]
	if !ok {
		return nil, fmt.Errorf("unknown cloud '%s', expected one of %v", cloud, file.CloudNames())
	}
	return provisioner.Connect(ctx, cloud, c, logger())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ehosCmd.SetOut(os.Stdout)
	if err := ehosCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
