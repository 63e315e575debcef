package registry

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/samber/lo"
)

// Registry is the in-memory book of known clouds and worker nodes.
//
// H is the opaque handle stored with each cloud (typically its provisioner).
// A Registry is owned by a single goroutine and is not safe for concurrent use.
// Every accessor returns copies, never references into the internal maps.
type Registry[H any] struct {
	clouds   map[string]H
	nodes    map[string]*Node
	nameToID map[string]string

	log *slog.Logger
}

func New[H any](log *slog.Logger) *Registry[H] {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry[H]{
		clouds:   make(map[string]H),
		nodes:    make(map[string]*Node),
		nameToID: make(map[string]string),
		log:      log,
	}
}

// Clouds

func (r *Registry[H]) AddCloud(name string, handle H) error {
	if _, ok := r.clouds[name]; ok {
		return fmt.Errorf("cloud '%s': %w", name, ErrDuplicateKey)
	}

	r.clouds[name] = handle
	r.log.Debug("Cloud registered", "cloud", name)
	return nil
}

func (r *Registry[H]) GetCloud(name string) (H, error) {
	handle, ok := r.clouds[name]
	if !ok {
		var zero H
		return zero, fmt.Errorf("cloud '%s': %w", name, ErrNotFound)
	}

	return handle, nil
}

// CloudNames returns the registered cloud names in lexical order.
func (r *Registry[H]) CloudNames() []string {
	names := lo.Keys(r.clouds)
	slices.Sort(names)
	return names
}

// Nodes

func (r *Registry[H]) AddNode(id, name, cloud string, state State, status Status) error {
	if _, ok := r.clouds[cloud]; !ok {
		return fmt.Errorf("cloud '%s' of node '%s': %w", cloud, name, ErrNotFound)
	}
	if _, ok := r.nodes[id]; ok {
		return fmt.Errorf("node id '%s': %w", id, ErrDuplicateKey)
	}
	if _, ok := r.nameToID[name]; ok {
		return fmt.Errorf("node name '%s': %w", name, ErrDuplicateKey)
	}
	if err := state.Validate(); err != nil {
		return err
	}
	if err := status.Validate(); err != nil {
		return err
	}

	r.nodes[id] = &Node{
		ID:     id,
		Name:   name,
		Cloud:  cloud,
		State:  state,
		Status: status,
	}
	r.nameToID[name] = id

	r.log.Debug("Node registered", "node", id, "name", name, "cloud", cloud, "state", state, "status", status)
	return nil
}

// AddStartingNode registers a node with the defaults of a freshly created server.
func (r *Registry[H]) AddStartingNode(id, name, cloud string) error {
	return r.AddNode(id, name, cloud, StateStarting, StatusIdle)
}

func (r *Registry[H]) GetNode(id string) (Node, error) {
	node, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node id '%s': %w", id, ErrNotFound)
	}

	return *node, nil
}

// ListNodes returns the nodes matching the filter, ordered by name.
//
// The dimensions of the filter are OR'ed: a node is returned when its state is
// in States, or its status is in Statuses, or its cloud is in Clouds.
func (r *Registry[H]) ListNodes(filter Filter) []Node {
	all := len(filter.States) == 0 && len(filter.Statuses) == 0 && len(filter.Clouds) == 0

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if all ||
			lo.Contains(filter.States, node.State) ||
			lo.Contains(filter.Statuses, node.Status) ||
			lo.Contains(filter.Clouds, node.Cloud) {
			nodes = append(nodes, *node)
		}
	}

	slices.SortFunc(nodes, func(a, b Node) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return nodes
}

// NodeNames returns the names of the nodes matching the filter.
func (r *Registry[H]) NodeNames(filter Filter) []string {
	return lo.Map(r.ListNodes(filter), func(node Node, _ int) string {
		return node.Name
	})
}

func (r *Registry[H]) Counts() Counts {
	var counts Counts
	for _, node := range r.nodes {
		switch {
		case node.Status == StatusIdle:
			counts.Idle += 1
			counts.Total += 1
		case node.Status.Busy():
			counts.Busy += 1
			counts.Total += 1
		}
	}

	return counts
}

// NodesInCloud returns the ids of the nodes living in the given cloud.
// An unknown cloud has no nodes.
func (r *Registry[H]) NodesInCloud(cloud string) []string {
	if _, ok := r.clouds[cloud]; !ok {
		return []string{}
	}

	return lo.Map(r.ListNodes(Filter{Clouds: []string{cloud}}), func(node Node, _ int) string {
		return node.ID
	})
}

func (r *Registry[H]) IDToName(id string) (string, error) {
	node, ok := r.nodes[id]
	if !ok {
		return "", fmt.Errorf("node id '%s': %w", id, ErrNotFound)
	}

	return node.Name, nil
}

func (r *Registry[H]) NameToID(name string) (string, error) {
	id, ok := r.nameToID[name]
	if !ok {
		return "", fmt.Errorf("node name '%s': %w", name, ErrNotFound)
	}

	return id, nil
}

func (r *Registry[H]) SetState(id string, state State) error {
	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node id '%s': %w", id, ErrNotFound)
	}
	if err := state.Validate(); err != nil {
		return err
	}

	r.log.Info("Node state changed", "node", id, "name", node.Name, "from", node.State, "to", state)
	node.State = state
	return nil
}

func (r *Registry[H]) SetStatus(id string, status Status) error {
	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node id '%s': %w", id, ErrNotFound)
	}
	if err := status.Validate(); err != nil {
		return err
	}

	r.log.Info("Node status changed", "node", id, "name", node.Name, "from", node.Status, "to", status)
	node.Status = status
	return nil
}

func (r *Registry[H]) RemoveNode(id string) error {
	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node id '%s': %w", id, ErrNotFound)
	}

	delete(r.nameToID, node.Name)
	delete(r.nodes, id)

	r.log.Debug("Node removed", "node", id, "name", node.Name)
	return nil
}
