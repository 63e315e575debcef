package scheduler

import (
	"context"

	"github.com/gammadia/ehos/registry"
)

type JobCounts struct {
	Idle  int `json:"idle"`
	Total int `json:"total"`
}

// QueueNodeCounts are the worker counts as reported by the queue manager.
type QueueNodeCounts struct {
	Idle  int `json:"idle"`
	Total int `json:"total"`
}

// Queue is the job queue the pool is sized against.
type Queue interface {
	JobCounts(ctx context.Context) (JobCounts, error)
	NodeCounts(ctx context.Context) (QueueNodeCounts, error)
	// WorkerStatuses returns the status of every worker known to the queue, by node name.
	WorkerStatuses(ctx context.Context) (map[string]registry.Status, error)
}
