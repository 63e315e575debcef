package scheduler

import "github.com/gammadia/ehos/registry"

type Event interface{}

// Cycles

type EventCycleCompleted struct {
	Nodes      registry.Counts
	Jobs       JobCounts
	Thresholds Thresholds
	Decision   Decision
}

type EventCycleFailed struct {
	Err error
}

// Nodes

type EventNodeCreated struct {
	Node  string
	Name  string
	Cloud string
}

type EventNodeDeleted struct {
	Node  string
	Name  string
	Cloud string
}

type EventNodeActionFailed struct {
	Name   string
	Cloud  string
	Action Action
	Err    error
}
