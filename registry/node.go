package registry

import "fmt"

// State is the VM lifecycle state of a node.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateVacating     State = "vacating"
	StateShuttingDown State = "shutting-down"
	StateTerminated   State = "terminated"
)

// Status is the role of a node as seen by the job queue.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusStarting     Status = "starting"
	StatusVacating     Status = "vacating"
	StatusBenchmarking Status = "benchmarking"
)

func (s State) Validate() error {
	switch s {
	case StateStarting, StateRunning, StateVacating, StateShuttingDown, StateTerminated:
		return nil
	default:
		return fmt.Errorf("%w: '%s'", ErrInvalidState, s)
	}
}

func (s Status) Validate() error {
	switch s {
	case StatusIdle, StatusBusy, StatusStarting, StatusVacating, StatusBenchmarking:
		return nil
	default:
		return fmt.Errorf("%w: '%s'", ErrInvalidStatus, s)
	}
}

// Busy reports whether the status counts towards busy nodes.
// Transitional statuses are busy: the node cannot take a job right now.
func (s Status) Busy() bool {
	switch s {
	case StatusBusy, StatusStarting, StatusVacating, StatusBenchmarking:
		return true
	default:
		return false
	}
}

// Node is a snapshot of a registered worker.
type Node struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cloud  string `json:"cloud"`
	State  State  `json:"state"`
	Status Status `json:"status"`
}

type Counts struct {
	Idle  int `json:"idle"`
	Busy  int `json:"busy"`
	Total int `json:"total"`
}

// Filter selects nodes matching ANY of its non-empty dimensions.
// An empty filter matches every node.
type Filter struct {
	States   []State
	Statuses []Status
	Clouds   []string
}
