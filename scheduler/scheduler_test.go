package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/ehos/registry"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock provisioner ---

type mockProvisioner struct {
	createErr  func(spec NodeSpec) error
	deleteErrs map[string]error
	limits     *ResourceLimits
	limitsErr  error
	servers    []Server

	nextID   int
	created  []NodeSpec
	deleted  []string
	shutdown bool
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{deleteErrs: make(map[string]error)}
}

func (p *mockProvisioner) CreateNode(_ context.Context, spec NodeSpec) (string, error) {
	if p.createErr != nil {
		if err := p.createErr(spec); err != nil {
			return "", err
		}
	}
	p.nextID += 1
	p.created = append(p.created, spec)
	return fmt.Sprintf("%s-id-%d", spec.Image, p.nextID), nil
}

func (p *mockProvisioner) DeleteNode(_ context.Context, id string) error {
	if err, ok := p.deleteErrs[id]; ok {
		return err
	}
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *mockProvisioner) ListNodes(context.Context) ([]Server, error) {
	return p.servers, nil
}

func (p *mockProvisioner) ResourceLimits(context.Context) (ResourceLimits, error) {
	if p.limitsErr != nil {
		return ResourceLimits{}, p.limitsErr
	}
	if p.limits == nil {
		return ResourceLimits{TotalCores: -1, TotalInstances: -1, TotalRAM: -1}, nil
	}
	return *p.limits, nil
}

func (p *mockProvisioner) ServerLog(context.Context, string) (string, error) {
	return "", nil
}

func (p *mockProvisioner) WaitForLogMatch(context.Context, string, string, int) ([]string, error) {
	return nil, ErrTimeout
}

func (p *mockProvisioner) StopNode(context.Context, string, int) error {
	return nil
}

func (p *mockProvisioner) SnapshotNode(context.Context, string, string, int) (string, error) {
	return "", nil
}

func (p *mockProvisioner) Shutdown() {
	p.shutdown = true
}

// --- Mock queue ---

type mockQueue struct {
	jobs      JobCounts
	jobsErr   error
	statuses  map[string]registry.Status
	statusErr error
}

func (q *mockQueue) JobCounts(context.Context) (JobCounts, error) {
	return q.jobs, q.jobsErr
}

func (q *mockQueue) NodeCounts(context.Context) (QueueNodeCounts, error) {
	var counts QueueNodeCounts
	for _, status := range q.statuses {
		counts.Total += 1
		if status == registry.StatusIdle {
			counts.Idle += 1
		}
	}
	return counts, nil
}

func (q *mockQueue) WorkerStatuses(context.Context) (map[string]registry.Status, error) {
	return q.statuses, q.statusErr
}

// --- Helpers ---

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func staticSettings(settings Settings) func() (Settings, error) {
	return func() (Settings, error) {
		return settings, nil
	}
}

func newTestSettings(min, max, spare int, clouds ...string) Settings {
	return Settings{
		Thresholds: Thresholds{Min: min, Max: max, Spare: spare},
		Sleep:      time.Minute,
		Templates: lo.Associate(clouds, func(cloud string) (string, NodeSpec) {
			return cloud, NodeSpec{Image: cloud, Flavor: "m1.small"}
		}),
	}
}

func newTestConfig(reload func() (Settings, error)) Config {
	return Config{
		Logger:        slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
		Reload:        reload,
		NodePrefix:    "ehos",
		FallbackSleep: 42 * time.Second,
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) handle(event Event) {
	r.events = append(r.events, event)
}

func eventsOf[T Event](r *recorder) []T {
	var res []T
	for _, event := range r.events {
		if e, ok := event.(T); ok {
			res = append(res, e)
		}
	}
	return res
}

func newTestScheduler(t *testing.T, queue Queue, settings Settings, clouds map[string]*mockProvisioner) (*Scheduler, *recorder) {
	t.Helper()
	rec := &recorder{}
	config := newTestConfig(staticSettings(settings))
	config.OnEvent = rec.handle
	require.NoError(t, Validate(config))

	s := New(queue, config)
	for name, provisioner := range clouds {
		require.NoError(t, s.AddCloud(name, provisioner))
	}
	return s, rec
}

func addNodes(t *testing.T, s *Scheduler, cloud string, status registry.Status, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, s.nodes.AddNode("id-"+name, name, cloud, registry.StateRunning, status))
	}
}

// --- Tests ---

func TestTick_CreatesNodesBelowFloor(t *testing.T) {
	prov := newMockProvisioner()
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(2, 10, 2, "cph"), map[string]*mockProvisioner{"cph": prov})

	sleep := s.Tick(context.Background())
	assert.Equal(t, time.Minute, sleep)

	require.Len(t, prov.created, 2)
	for _, spec := range prov.created {
		assert.True(t, strings.HasPrefix(spec.Name, "ehos-"), spec.Name)
		assert.Equal(t, "cph", spec.Image)
		assert.Equal(t, "m1.small", spec.Flavor)
	}

	nodes := s.Nodes()
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		assert.Equal(t, registry.StateStarting, node.State)
		assert.Equal(t, registry.StatusStarting, node.Status)
		assert.Equal(t, "cph", node.Cloud)
	}

	assert.Equal(t, registry.Counts{Busy: 2, Total: 2}, s.nodes.Counts())
	assert.Len(t, eventsOf[EventNodeCreated](rec), 2)

	cycles := eventsOf[EventCycleCompleted](rec)
	require.Len(t, cycles, 1)
	assert.Equal(t, Decision{Action: ActionCreate, Count: 2, Reason: cycles[0].Decision.Reason}, cycles[0].Decision)
	assert.Equal(t, 2, cycles[0].Nodes.Total)
}

func TestTick_GrowsToMaxWithQueuedJobs(t *testing.T) {
	prov := newMockProvisioner()
	queue := &mockQueue{jobs: JobCounts{Idle: 3, Total: 7}}
	s, _ := newTestScheduler(t, queue, newTestSettings(2, 10, 2, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusBusy, "a", "b", "c", "d")

	s.Tick(context.Background())

	assert.Len(t, prov.created, 6)
	assert.Equal(t, 10, s.nodes.Counts().Total)
}

func TestTick_NoActionWhenSlackCoversDemand(t *testing.T) {
	prov := newMockProvisioner()
	queue := &mockQueue{jobs: JobCounts{Idle: 1, Total: 3}}
	s, rec := newTestScheduler(t, queue, newTestSettings(2, 10, 2, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusIdle, "a")
	addNodes(t, s, "cph", registry.StatusBusy, "b", "c")

	s.Tick(context.Background())

	assert.Empty(t, prov.created)
	assert.Empty(t, prov.deleted)
	assert.Equal(t, ActionNone, eventsOf[EventCycleCompleted](rec)[0].Decision.Action)
}

func TestTick_DeletesOnlyIdleNodes(t *testing.T) {
	prov := newMockProvisioner()
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(2, 10, 2, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusIdle, "a", "b", "c", "d")
	addNodes(t, s, "cph", registry.StatusBusy, "e", "f")

	s.Tick(context.Background())

	require.Len(t, prov.deleted, 2)
	for _, id := range prov.deleted {
		assert.Contains(t, []string{"id-a", "id-b", "id-c", "id-d"}, id)
		_, err := s.nodes.GetNode(id)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	}

	assert.Equal(t, registry.Counts{Idle: 2, Busy: 2, Total: 4}, s.nodes.Counts())
	assert.Len(t, eventsOf[EventNodeDeleted](rec), 2)
}

func TestTick_DeleteFailureDoesNotAbortCycle(t *testing.T) {
	prov := newMockProvisioner()
	prov.deleteErrs["id-a"] = errors.New("boom")
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(0, 10, 0, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusIdle, "a", "b", "c")

	s.Tick(context.Background())

	assert.Equal(t, []string{"id-b", "id-c"}, prov.deleted)

	node, err := s.nodes.GetNode("id-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, node.State, "state must be restored after a failed delete")

	failures := eventsOf[EventNodeActionFailed](rec)
	require.Len(t, failures, 1)
	assert.Equal(t, ActionDelete, failures[0].Action)
	assert.Equal(t, "a", failures[0].Name)
	assert.Len(t, eventsOf[EventCycleCompleted](rec), 1)
}

func TestTick_DeleteOfVanishedServerRemovesNode(t *testing.T) {
	prov := newMockProvisioner()
	prov.deleteErrs["id-a"] = fmt.Errorf("server 'id-a': %w", ErrNodeNotFound)
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(0, 10, 0, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusIdle, "a")

	s.Tick(context.Background())

	_, err := s.nodes.GetNode("id-a")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTick_CreateFailureDoesNotAbortCycle(t *testing.T) {
	prov := newMockProvisioner()
	calls := 0
	prov.createErr = func(NodeSpec) error {
		calls += 1
		if calls == 1 {
			return fmt.Errorf("image not active: %w", ErrTimeout)
		}
		return nil
	}
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(3, 10, 0, "cph"), map[string]*mockProvisioner{"cph": prov})

	s.Tick(context.Background())

	assert.Equal(t, 3, calls)
	assert.Len(t, prov.created, 2)
	assert.Len(t, s.Nodes(), 2)

	failures := eventsOf[EventNodeActionFailed](rec)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ErrTimeout)
}

func TestTick_MissingTemplateFailsOnlyThatCreation(t *testing.T) {
	prov := newMockProvisioner()
	settings := newTestSettings(2, 10, 0)
	s, rec := newTestScheduler(t, &mockQueue{}, settings, map[string]*mockProvisioner{"cph": prov})

	s.Tick(context.Background())

	assert.Empty(t, prov.created)
	assert.Len(t, eventsOf[EventNodeActionFailed](rec), 1, "the cloud is reported once per action")
	assert.Len(t, eventsOf[EventCycleCompleted](rec), 1)
}

func TestCreateNodes_CloudWithoutTemplateTakesNoShare(t *testing.T) {
	cph, osl := newMockProvisioner(), newMockProvisioner()
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(4, 10, 0, "cph"), map[string]*mockProvisioner{"cph": cph, "osl": osl})

	s.Tick(context.Background())

	assert.Len(t, cph.created, 4, "every node goes to the cloud with a template")
	assert.Empty(t, osl.created)

	failed := eventsOf[EventNodeActionFailed](rec)
	require.Len(t, failed, 1)
	assert.Equal(t, "osl", failed[0].Cloud)
}

func TestTick_ReloadFailureSkipsCycle(t *testing.T) {
	prov := newMockProvisioner()
	settings := newTestSettings(2, 10, 2, "cph")
	settings.Sleep = 5 * time.Second

	fail := true
	rec := &recorder{}
	config := newTestConfig(func() (Settings, error) {
		if fail {
			return Settings{}, errors.New("nodes_min is missing")
		}
		return settings, nil
	})
	config.OnEvent = rec.handle
	s := New(&mockQueue{}, config)
	require.NoError(t, s.AddCloud("cph", prov))

	assert.Equal(t, 42*time.Second, s.Tick(context.Background()), "fallback sleep before any successful reload")
	assert.Empty(t, prov.created)
	assert.Len(t, eventsOf[EventCycleFailed](rec), 1)

	fail = false
	assert.Equal(t, 5*time.Second, s.Tick(context.Background()))
	assert.Len(t, prov.created, 2)

	fail = true
	assert.Equal(t, 5*time.Second, s.Tick(context.Background()), "last good sleep after a failed reload")
	assert.Len(t, prov.created, 2)
}

func TestTick_InvalidSettingsSkipCycle(t *testing.T) {
	prov := newMockProvisioner()
	settings := newTestSettings(5, 3, 0, "cph")
	s, rec := newTestScheduler(t, &mockQueue{}, settings, map[string]*mockProvisioner{"cph": prov})

	s.Tick(context.Background())

	assert.Empty(t, prov.created)
	assert.Len(t, eventsOf[EventCycleFailed](rec), 1)
}

func TestTick_ThresholdsAreReloadedEveryCycle(t *testing.T) {
	prov := newMockProvisioner()
	settings := newTestSettings(1, 10, 0, "cph")
	config := newTestConfig(func() (Settings, error) { return settings, nil })
	s := New(&mockQueue{}, config)
	require.NoError(t, s.AddCloud("cph", prov))

	s.Tick(context.Background())
	assert.Len(t, prov.created, 1)

	settings = newTestSettings(3, 10, 0, "cph")
	s.Tick(context.Background())
	assert.Len(t, prov.created, 3)
}

func TestTick_JobCountFailureSkipsDecision(t *testing.T) {
	prov := newMockProvisioner()
	queue := &mockQueue{jobsErr: errors.New("connection refused")}
	s, rec := newTestScheduler(t, queue, newTestSettings(2, 10, 2, "cph"), map[string]*mockProvisioner{"cph": prov})

	s.Tick(context.Background())

	assert.Empty(t, prov.created)
	assert.Len(t, eventsOf[EventCycleFailed](rec), 1)
}

func TestTick_SynchronizesStatusesFromQueue(t *testing.T) {
	prov := newMockProvisioner()
	queue := &mockQueue{}
	s, _ := newTestScheduler(t, queue, newTestSettings(1, 10, 1, "cph"), map[string]*mockProvisioner{"cph": prov})

	require.NoError(t, s.nodes.AddNode("id-a", "a", "cph", registry.StateStarting, registry.StatusStarting))
	require.NoError(t, s.nodes.AddNode("id-b", "b", "cph", registry.StateRunning, registry.StatusIdle))
	require.NoError(t, s.nodes.AddNode("id-c", "c", "cph", registry.StateStarting, registry.StatusStarting))

	queue.statuses = map[string]registry.Status{
		"a":       registry.StatusIdle,
		"b":       registry.StatusBusy,
		"unknown": registry.StatusIdle,
	}

	s.Tick(context.Background())

	a, _ := s.nodes.GetNode("id-a")
	assert.Equal(t, registry.StateRunning, a.State)
	assert.Equal(t, registry.StatusIdle, a.Status)

	b, _ := s.nodes.GetNode("id-b")
	assert.Equal(t, registry.StatusBusy, b.Status)

	c, _ := s.nodes.GetNode("id-c")
	assert.Equal(t, registry.StateStarting, c.State, "nodes unknown to the queue keep their state")
	assert.Equal(t, registry.StatusStarting, c.Status)

	assert.Empty(t, prov.created)
	assert.Empty(t, prov.deleted)
}

func TestTick_InvalidQueueStatusIsIgnored(t *testing.T) {
	prov := newMockProvisioner()
	queue := &mockQueue{statuses: map[string]registry.Status{"a": "owner"}}
	s, _ := newTestScheduler(t, queue, newTestSettings(1, 10, 1, "cph"), map[string]*mockProvisioner{"cph": prov})
	addNodes(t, s, "cph", registry.StatusBusy, "a")

	s.Tick(context.Background())

	a, _ := s.nodes.GetNode("id-a")
	assert.Equal(t, registry.StatusBusy, a.Status)
}

func TestCreateNodes_SpreadsAcrossClouds(t *testing.T) {
	cph, osl := newMockProvisioner(), newMockProvisioner()
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(5, 10, 0, "cph", "osl"), map[string]*mockProvisioner{"cph": cph, "osl": osl})
	addNodes(t, s, "osl", registry.StatusBusy, "a")

	s.Tick(context.Background())

	assert.Len(t, cph.created, 3)
	assert.Len(t, osl.created, 1)
	assert.Len(t, s.nodes.NodesInCloud("cph"), 3)
	assert.Len(t, s.nodes.NodesInCloud("osl"), 2)
}

func TestCreateNodes_RespectsResourceLimits(t *testing.T) {
	cph, osl := newMockProvisioner(), newMockProvisioner()
	cph.limits = &ResourceLimits{TotalCores: 64, UsedCores: 8, TotalInstances: 5, UsedInstances: 4, TotalRAM: -1}
	osl.limitsErr = errors.New("forbidden")
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(4, 10, 0, "cph", "osl"), map[string]*mockProvisioner{"cph": cph, "osl": osl})

	s.Tick(context.Background())

	assert.Len(t, cph.created, 1, "cph only has room for one more instance")
	assert.Len(t, osl.created, 3, "clouds without readable limits are still used")
}

func TestCreateNodes_StopsWhenNoCloudHasRoom(t *testing.T) {
	cph := newMockProvisioner()
	cph.limits = &ResourceLimits{TotalCores: 8, UsedCores: 8, TotalInstances: -1, TotalRAM: -1}
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(2, 10, 0, "cph"), map[string]*mockProvisioner{"cph": cph})

	s.Tick(context.Background())

	assert.Empty(t, cph.created)
}

func TestResourceLimitsHasRoomFor(t *testing.T) {
	unlimited := ResourceLimits{TotalCores: -1, TotalInstances: -1, TotalRAM: -1}
	assert.True(t, unlimited.HasRoomFor(100))

	limited := ResourceLimits{TotalCores: 16, UsedCores: 4, TotalInstances: 4, UsedInstances: 2, TotalRAM: 1024, UsedRAM: 512}
	assert.True(t, limited.HasRoomFor(2))
	assert.False(t, limited.HasRoomFor(3))

	noRAM := ResourceLimits{TotalCores: -1, TotalInstances: -1, TotalRAM: 1024, UsedRAM: 1024}
	assert.False(t, noRAM.HasRoomFor(1))
}

func TestAdopt(t *testing.T) {
	prov := newMockProvisioner()
	prov.servers = []Server{
		{ID: "1", Name: "ehos-alpha", Status: "active"},
		{ID: "2", Name: "ehos-beta", Status: "build"},
		{ID: "3", Name: "database", Status: "active"},
		{ID: "4", Name: "ehos-gamma", Status: "deleted"},
		{ID: "5", Name: "ehosish", Status: "active"},
	}
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(0, 10, 0, "cph"), map[string]*mockProvisioner{"cph": prov})

	require.NoError(t, s.Adopt(context.Background()))
	// Adopting twice is harmless
	require.NoError(t, s.Adopt(context.Background()))

	nodes := s.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, registry.Node{ID: "1", Name: "ehos-alpha", Cloud: "cph", State: registry.StateRunning, Status: registry.StatusStarting}, nodes[0])
	assert.Equal(t, registry.Node{ID: "2", Name: "ehos-beta", Cloud: "cph", State: registry.StateStarting, Status: registry.StatusStarting}, nodes[1])
}

func TestTick_WarnsAboutNodesUnknownToTheQueue(t *testing.T) {
	prov := newMockProvisioner()
	prov.servers = []Server{
		{ID: "1", Name: "ehos-alpha", Status: "active"},
		{ID: "2", Name: "ehos-beta", Status: "active"},
	}
	queue := &mockQueue{statuses: map[string]registry.Status{"ehos-beta": registry.StatusIdle}}

	var logs strings.Builder
	config := newTestConfig(staticSettings(newTestSettings(0, 10, 1, "cph")))
	config.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := New(queue, config)
	require.NoError(t, s.AddCloud("cph", prov))
	require.NoError(t, s.Adopt(context.Background()))

	for i := 0; i < unreportedWarnAfter-1; i++ {
		s.Tick(context.Background())
	}
	assert.NotContains(t, logs.String(), "Node is still unknown to the queue")
	assert.Equal(t, map[string]int{"1": unreportedWarnAfter - 1}, s.unreported)

	s.Tick(context.Background())
	s.Tick(context.Background())
	assert.Equal(t, 1, strings.Count(logs.String(), "Node is still unknown to the queue"), "warned once")
	assert.Contains(t, logs.String(), "name=ehos-alpha")

	queue.statuses["ehos-alpha"] = registry.StatusBusy
	s.Tick(context.Background())
	assert.Empty(t, s.unreported)

	alpha, err := s.nodes.GetNode("1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBusy, alpha.Status)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	prov := newMockProvisioner()
	s, rec := newTestScheduler(t, &mockQueue{}, newTestSettings(1, 10, 0, "cph"), map[string]*mockProvisioner{"cph": prov})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	assert.Len(t, eventsOf[EventCycleCompleted](rec), 1)
	assert.Len(t, prov.created, 1)
}

func TestShutdownReleasesClouds(t *testing.T) {
	cph, osl := newMockProvisioner(), newMockProvisioner()
	s, _ := newTestScheduler(t, &mockQueue{}, newTestSettings(0, 1, 0), map[string]*mockProvisioner{"cph": cph, "osl": osl})

	s.Shutdown()

	assert.True(t, cph.shutdown)
	assert.True(t, osl.shutdown)
}
