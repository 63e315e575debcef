package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/fatih/color"
	"github.com/gammadia/ehos/queue"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the jobs and the workers of the queue",
	Args:  cobra.NoArgs,

	// The queue does not need the configuration file
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := connectQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		jobs, err := q.JobCounts(cmd.Context())
		if err != nil {
			return err
		}
		nodes, err := q.NodeCounts(cmd.Context())
		if err != nil {
			return err
		}
		statuses, err := q.WorkerStatuses(cmd.Context())
		if err != nil {
			return err
		}

		cmd.Printf("jobs     %d idle / %d total\n", jobs.Idle, jobs.Total)
		cmd.Printf("workers  %d idle / %d total\n", nodes.Idle, nodes.Total)

		workers := lo.Keys(statuses)
		slices.Sort(workers)
		for _, worker := range workers {
			cmd.Printf("  %-24s  %s\n", color.HiCyanString(worker), statuses[worker])
		}
		return nil
	},
}

var queuePushCmd = &cobra.Command{
	Use:   "push <job>...",
	Short: "Add jobs to the queue",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := connectQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		for _, job := range args {
			if err := q.Enqueue(cmd.Context(), job); err != nil {
				return err
			}
		}
		cmd.Printf("%d job(s) queued\n", len(args))
		return nil
	},
}

func connectQueue(cmd *cobra.Command) (*queue.Redis, error) {
	q, err := queue.New(cmd.Context(), queue.Config{
		Logger: logger(),
		Addr:   lo.Must(cmd.Flags().GetString("redis-addr")),
		DB:     lo.Must(cmd.Flags().GetInt("redis-db")),
		Prefix: lo.Must(cmd.Flags().GetString("prefix")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the queue: %w", err)
	}
	return q, nil
}

func init() {
	queueCmd.AddCommand(queuePushCmd)

	db, _ := strconv.Atoi(os.Getenv("EHOS_QUEUE_REDIS_DB"))
	queueCmd.PersistentFlags().String("redis-addr", lo.Must(lo.Coalesce(os.Getenv("EHOS_QUEUE_REDIS_ADDR"), "localhost:6379")), "address of the redis server holding the job queue")
	queueCmd.PersistentFlags().Int("redis-db", db, "redis database of the job queue")
	queueCmd.PersistentFlags().String("prefix", lo.Must(lo.Coalesce(os.Getenv("EHOS_QUEUE_PREFIX"), "ehos")), "prefix of the redis keys of the job queue")
}
