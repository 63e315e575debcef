package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gammadia/ehos/namegen"
	"github.com/gammadia/ehos/registry"
	"github.com/samber/lo"
)

// Scheduler is the control loop sizing the pool of worker nodes.
//
// Only one Scheduler may run against a given set of cloud accounts: two
// loops would both see the same queue and both provision for it.
type Scheduler struct {
	config Config
	queue  Queue
	nodes  *registry.Registry[Provisioner]
	log    *slog.Logger

	// last sleep interval successfully loaded
	sleep time.Duration

	// consecutive cycles during which a starting node was unknown to the queue, by node id
	unreported map[string]int
}

// unreportedWarnAfter is the number of cycles a starting node may stay unknown to the
// queue before it is reported. Such a node counts as busy, so it is never deleted.
const unreportedWarnAfter = 10

func New(queue Queue, config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.OnEvent == nil {
		config.OnEvent = func(Event) {}
	}

	return &Scheduler{
		config: config,
		queue:  queue,
		nodes:  registry.New[Provisioner](config.Logger.With("component", "registry")),
		log:    config.Logger,
		sleep:  config.FallbackSleep,

		unreported: make(map[string]int),
	}
}

func (s *Scheduler) AddCloud(name string, provisioner Provisioner) error {
	return s.nodes.AddCloud(name, provisioner)
}

// Nodes returns a snapshot of the registered nodes.
func (s *Scheduler) Nodes() []registry.Node {
	return s.nodes.ListNodes(registry.Filter{})
}

// Shutdown releases the connection of every cloud.
func (s *Scheduler) Shutdown() {
	for _, name := range s.nodes.CloudNames() {
		if provisioner, err := s.nodes.GetCloud(name); err == nil {
			provisioner.Shutdown()
		}
	}
}

// Adopt registers the servers already running in the clouds under the node prefix,
// so that a restarted loop does not provision them a second time.
func (s *Scheduler) Adopt(ctx context.Context) error {
	var errs []error

	for _, cloud := range s.nodes.CloudNames() {
		provisioner := lo.Must(s.nodes.GetCloud(cloud))

		servers, err := provisioner.ListNodes(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list servers of cloud '%s': %w", cloud, err))
			continue
		}

		for _, server := range servers {
			if !strings.HasPrefix(server.Name, s.config.NodePrefix+"-") || server.Status == "deleted" {
				continue
			}
			if _, err := s.nodes.GetNode(server.ID); err == nil {
				continue
			}

			state := registry.StateRunning
			if server.Status == "build" {
				state = registry.StateStarting
			}

			if err := s.nodes.AddNode(server.ID, server.Name, cloud, state, registry.StatusStarting); err != nil {
				errs = append(errs, fmt.Errorf("failed to adopt server '%s': %w", server.Name, err))
				continue
			}
			s.log.Info("Adopted existing server", "node", server.ID, "name", server.Name, "cloud", cloud, "status", server.Status)
		}
	}

	return errors.Join(errs...)
}

// Run cycles until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Scheduler is running", "clouds", s.nodes.CloudNames())

	for {
		sleep := s.Tick(ctx)

		s.log.Info("Napping", "sleep", sleep)
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler is stopping")
			return
		case <-time.After(sleep):
		}
	}
}

// Tick runs a single cycle and returns how long to sleep before the next one.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	settings, err := s.config.Reload()
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		s.log.Error("Failed to reload configuration, skipping cycle", "error", err)
		s.config.OnEvent(EventCycleFailed{Err: err})
		return s.sleep
	}
	s.sleep = settings.Sleep

	if err := s.syncStatuses(ctx); err != nil {
		s.log.Warn("Failed to synchronize node statuses with the queue", "error", err)
	}

	nodes := s.nodes.Counts()
	jobs, err := s.queue.JobCounts(ctx)
	if err != nil {
		s.log.Error("Failed to count jobs, skipping cycle", "error", err)
		s.config.OnEvent(EventCycleFailed{Err: err})
		return s.sleep
	}

	s.log.Debug("Node data", "nodes", s.nodes.ListNodes(registry.Filter{}))
	s.log.Info(fmt.Sprintf("Nr of nodes %d (%d idle)", nodes.Total, nodes.Idle), "total", nodes.Total, "idle", nodes.Idle, "busy", nodes.Busy)
	s.log.Info(fmt.Sprintf("Nr of jobs %d (%d idle)", jobs.Total, jobs.Idle), "total", jobs.Total, "idle", jobs.Idle)

	s.crossCheck(ctx, nodes)

	decision := Decide(settings.Thresholds, nodes, jobs)
	s.log.Info("Scaling decision", "action", decision.Action, "count", decision.Count, "reason", decision.Reason)

	switch decision.Action {
	case ActionCreate:
		s.createNodes(ctx, settings, decision.Count)
	case ActionDelete:
		s.deleteIdleNodes(ctx, decision.Count)
	}

	s.config.OnEvent(EventCycleCompleted{
		Nodes:      s.nodes.Counts(),
		Jobs:       jobs,
		Thresholds: settings.Thresholds,
		Decision:   decision,
	})
	return s.sleep
}

// syncStatuses copies the worker statuses reported by the queue into the registry.
func (s *Scheduler) syncStatuses(ctx context.Context) error {
	statuses, err := s.queue.WorkerStatuses(ctx)
	if err != nil {
		return err
	}

	nodes := s.nodes.ListNodes(registry.Filter{States: []registry.State{registry.StateStarting, registry.StateRunning}})
	s.countUnreported(nodes, statuses)

	for _, node := range nodes {
		status, ok := statuses[node.Name]
		if !ok {
			continue
		}
		if err := status.Validate(); err != nil {
			s.log.Warn("Queue reported an invalid status", "node", node.ID, "name", node.Name, "error", err)
			continue
		}

		if node.State == registry.StateStarting {
			lo.Must0(s.nodes.SetState(node.ID, registry.StateRunning))
		}
		if node.Status != status {
			lo.Must0(s.nodes.SetStatus(node.ID, status))
		}
	}

	return nil
}

// countUnreported tracks the starting nodes the queue has never heard of. Deleting them
// is left to the operator, the loop only warns.
func (s *Scheduler) countUnreported(nodes []registry.Node, statuses map[string]registry.Status) {
	seen := make(map[string]bool, len(nodes))

	for _, node := range nodes {
		if _, ok := statuses[node.Name]; ok || node.Status != registry.StatusStarting {
			continue
		}

		seen[node.ID] = true
		s.unreported[node.ID] += 1
		if s.unreported[node.ID] == unreportedWarnAfter {
			s.log.Warn("Node is still unknown to the queue", "node", node.ID, "name", node.Name, "cloud", node.Cloud, "cycles", unreportedWarnAfter)
		}
	}

	for id := range s.unreported {
		if !seen[id] {
			delete(s.unreported, id)
		}
	}
}

func (s *Scheduler) crossCheck(ctx context.Context, nodes registry.Counts) {
	seen, err := s.queue.NodeCounts(ctx)
	if err != nil {
		s.log.Warn("Failed to count nodes seen by the queue", "error", err)
		return
	}

	if seen.Idle != nodes.Idle || seen.Total != nodes.Total {
		s.log.Warn("Queue and registry disagree on nodes",
			"registry-total", nodes.Total, "registry-idle", nodes.Idle,
			"queue-total", seen.Total, "queue-idle", seen.Idle,
		)
	}
}

func (s *Scheduler) createNodes(ctx context.Context, settings Settings, count int) {
	s.log.Info(fmt.Sprintf("Creating %d nodes", count))

	// Clouds missing from the settings cannot get nodes during this action
	clouds := lo.Filter(s.nodes.CloudNames(), func(cloud string, _ int) bool {
		if _, ok := settings.Templates[cloud]; ok {
			return true
		}
		err := fmt.Errorf("no node template for cloud '%s'", cloud)
		s.log.Error("Failed to create node", "cloud", cloud, "error", err)
		s.config.OnEvent(EventNodeActionFailed{Cloud: cloud, Action: ActionCreate, Err: err})
		return false
	})

	limits := s.cloudLimits(ctx)
	existing := lo.Associate(clouds, func(cloud string) (string, int) {
		return cloud, len(s.nodes.NodesInCloud(cloud))
	})
	planned := make(map[string]int)

	for i := 0; i < count; i++ {
		cloud, ok := s.pickCloud(clouds, limits, existing, planned)
		if !ok {
			s.log.Warn("No cloud has room left for more nodes", "requested", count, "attempted", i)
			return
		}

		planned[cloud] += 1
		if _, err := s.createNode(ctx, cloud, settings.Templates[cloud]); err != nil {
			s.log.Error("Failed to create node", "cloud", cloud, "error", err)
		}
	}
}

func (s *Scheduler) createNode(ctx context.Context, cloud string, spec NodeSpec) (string, error) {
	provisioner := lo.Must(s.nodes.GetCloud(cloud))

	spec.Name = namegen.NodeName(s.config.NodePrefix)
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := s.nodes.NameToID(spec.Name); err != nil {
			break
		}
		spec.Name = namegen.NodeName(s.config.NodePrefix)
	}

	s.log.Info("Creating node", "name", spec.Name, "cloud", cloud, "image", spec.Image, "flavor", spec.Flavor)
	id, err := provisioner.CreateNode(ctx, spec)
	if err != nil {
		err = fmt.Errorf("failed to create server '%s' in cloud '%s': %w", spec.Name, cloud, err)
		s.config.OnEvent(EventNodeActionFailed{Name: spec.Name, Cloud: cloud, Action: ActionCreate, Err: err})
		return "", err
	}

	if err := s.nodes.AddNode(id, spec.Name, cloud, registry.StateStarting, registry.StatusStarting); err != nil {
		// The server exists but cannot be tracked, do not leak it
		if deleteErr := provisioner.DeleteNode(ctx, id); deleteErr != nil {
			s.log.Error("Failed to delete untracked server", "node", id, "name", spec.Name, "cloud", cloud, "error", deleteErr)
		}
		err = fmt.Errorf("failed to register node '%s': %w", spec.Name, err)
		s.config.OnEvent(EventNodeActionFailed{Name: spec.Name, Cloud: cloud, Action: ActionCreate, Err: err})
		return "", err
	}

	s.log.Info("Node created", "node", id, "name", spec.Name, "cloud", cloud)
	s.config.OnEvent(EventNodeCreated{Node: id, Name: spec.Name, Cloud: cloud})
	return id, nil
}

// cloudLimits fetches the quotas of every cloud. Clouds whose quotas cannot be read are absent.
func (s *Scheduler) cloudLimits(ctx context.Context) map[string]ResourceLimits {
	limits := make(map[string]ResourceLimits)

	for _, cloud := range s.nodes.CloudNames() {
		provisioner := lo.Must(s.nodes.GetCloud(cloud))

		l, err := provisioner.ResourceLimits(ctx)
		if err != nil {
			s.log.Warn("Failed to get resource limits", "cloud", cloud, "error", err)
			continue
		}

		s.log.Debug("Resource limits", "cloud", cloud, "limits", l)
		limits[cloud] = l
	}

	return limits
}

// pickCloud returns the cloud with room left holding the fewest nodes, counting the planned ones.
func (s *Scheduler) pickCloud(clouds []string, limits map[string]ResourceLimits, existing, planned map[string]int) (string, bool) {
	best, bestCount := "", math.MaxInt

	for _, cloud := range clouds {
		if l, ok := limits[cloud]; ok && !l.HasRoomFor(planned[cloud]+1) {
			continue
		}

		if count := existing[cloud] + planned[cloud]; count < bestCount {
			best, bestCount = cloud, count
		}
	}

	return best, best != ""
}

func (s *Scheduler) deleteIdleNodes(ctx context.Context, count int) {
	s.log.Info(fmt.Sprintf("Deleting %d idle nodes", count))

	idle := s.nodes.ListNodes(registry.Filter{Statuses: []registry.Status{registry.StatusIdle}})
	for _, node := range lo.Subset(idle, 0, uint(count)) {
		if err := s.deleteNode(ctx, node); err != nil {
			s.log.Error("Failed to delete node", "node", node.ID, "name", node.Name, "cloud", node.Cloud, "error", err)
		}
	}
}

func (s *Scheduler) deleteNode(ctx context.Context, node registry.Node) error {
	provisioner, err := s.nodes.GetCloud(node.Cloud)
	if err != nil {
		return err
	}

	lo.Must0(s.nodes.SetState(node.ID, registry.StateShuttingDown))

	if err := provisioner.DeleteNode(ctx, node.ID); err != nil && !errors.Is(err, ErrNodeNotFound) {
		lo.Must0(s.nodes.SetState(node.ID, node.State))
		err = fmt.Errorf("failed to delete server '%s' in cloud '%s': %w", node.Name, node.Cloud, err)
		s.config.OnEvent(EventNodeActionFailed{Name: node.Name, Cloud: node.Cloud, Action: ActionDelete, Err: err})
		return err
	} else if err != nil {
		s.log.Warn("Server already gone", "node", node.ID, "name", node.Name, "cloud", node.Cloud)
	}

	lo.Must0(s.nodes.SetState(node.ID, registry.StateTerminated))
	lo.Must0(s.nodes.RemoveNode(node.ID))

	s.log.Info("Node deleted", "node", node.ID, "name", node.Name, "cloud", node.Cloud)
	s.config.OnEvent(EventNodeDeleted{Node: node.ID, Name: node.Name, Cloud: node.Cloud})
	return nil
}
