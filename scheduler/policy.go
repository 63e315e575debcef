package scheduler

import (
	"fmt"

	"github.com/gammadia/ehos/registry"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

// Decision is what the loop should do to the pool during one cycle.
type Decision struct {
	Action Action `json:"action"`
	// Count is the number of nodes to create or delete
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

// Decide sizes the pool from the current node and job counts.
// The first matching rule wins; no state is kept between cycles.
func Decide(t Thresholds, nodes registry.Counts, jobs JobCounts) Decision {
	switch {
	case nodes.Total < t.Min:
		return Decision{
			Action: ActionCreate,
			Count:  t.Min - nodes.Total,
			Reason: fmt.Sprintf("below the minimum of %d nodes", t.Min),
		}

	case jobs.Idle > 0 && jobs.Idle <= nodes.Idle:
		return Decision{
			Action: ActionNone,
			Reason: "enough idle nodes for the queued jobs",
		}

	case jobs.Idle > 0 && nodes.Total+t.Spare <= t.Max:
		return Decision{
			Action: ActionCreate,
			Count:  t.Max - nodes.Total,
			Reason: fmt.Sprintf("%d queued jobs, growing towards the maximum of %d nodes", jobs.Idle, t.Max),
		}

	case jobs.Idle > 0 && nodes.Total == t.Max:
		return Decision{
			Action: ActionNone,
			Reason: "at capacity",
		}

	case nodes.Total > t.Min && nodes.Idle > t.Spare:
		return Decision{
			Action: ActionDelete,
			Count:  min(nodes.Total-t.Min, nodes.Idle-t.Spare),
			Reason: fmt.Sprintf("%d idle nodes for %d spare", nodes.Idle, t.Spare),
		}

	default:
		return Decision{
			Action: ActionNone,
			Reason: "stable",
		}
	}
}
