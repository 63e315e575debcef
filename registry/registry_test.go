package registry

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, clouds ...string) *Registry[string] {
	t.Helper()
	r := New[string](nil)
	for _, cloud := range clouds {
		require.NoError(t, r.AddCloud(cloud, "handle-"+cloud))
	}
	return r
}

func TestAddCloudRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t, "cph")

	err := r.AddCloud("cph", "other")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	handle, err := r.GetCloud("cph")
	require.NoError(t, err)
	assert.Equal(t, "handle-cph", handle)
}

func TestGetCloudUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetCloud("nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloudNamesSorted(t *testing.T) {
	r := newTestRegistry(t, "osl", "cph", "ams")
	assert.Equal(t, []string{"ams", "cph", "osl"}, r.CloudNames())
}

func TestAddNodeRequiresKnownCloud(t *testing.T) {
	r := newTestRegistry(t, "cph")

	err := r.AddStartingNode("id-1", "node-1", "osl")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.ListNodes(Filter{}))
}

func TestAddNodeDefaults(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	node, err := r.GetNode("id-1")
	require.NoError(t, err)
	assert.Equal(t, Node{ID: "id-1", Name: "node-1", Cloud: "cph", State: StateStarting, Status: StatusIdle}, node)
}

func TestAddNodeUniqueness(t *testing.T) {
	tests := map[string]struct {
		id, name, cloud string
	}{
		"same id":               {"id-1", "node-2", "cph"},
		"same name":             {"id-2", "node-1", "cph"},
		"same id other cloud":   {"id-1", "node-3", "osl"},
		"same name other cloud": {"id-3", "node-1", "osl"},
		"same id and same name": {"id-1", "node-1", "osl"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t, "cph", "osl")
			require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

			err := r.AddNode(tt.id, tt.name, tt.cloud, StateRunning, StatusBusy)
			assert.ErrorIs(t, err, ErrDuplicateKey)

			node, err := r.GetNode("id-1")
			require.NoError(t, err)
			assert.Equal(t, "node-1", node.Name)
			assert.Len(t, r.ListNodes(Filter{}), 1)
		})
	}
}

func TestAddNodeRejectsInvalidStatus(t *testing.T) {
	r := newTestRegistry(t, "cph")

	err := r.AddNode("id-1", "node-1", "cph", StateStarting, Status("claimed"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	err = r.AddNode("id-1", "node-1", "cph", State("paused"), StatusIdle)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = r.GetNode("id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetNodeReturnsCopy(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	node, err := r.GetNode("id-1")
	require.NoError(t, err)
	node.Status = StatusBusy
	node.Name = "hijacked"

	again, err := r.GetNode("id-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, again.Status)
	assert.Equal(t, "node-1", again.Name)

	listed := r.ListNodes(Filter{})
	listed[0].State = StateTerminated
	again, _ = r.GetNode("id-1")
	assert.Equal(t, StateStarting, again.State)
}

func TestListNodesFilters(t *testing.T) {
	r := newTestRegistry(t, "cph", "osl")
	require.NoError(t, r.AddNode("id-a", "a", "cph", StateRunning, StatusIdle))
	require.NoError(t, r.AddNode("id-b", "b", "cph", StateRunning, StatusBusy))
	require.NoError(t, r.AddNode("id-c", "c", "osl", StateStarting, StatusStarting))
	require.NoError(t, r.AddNode("id-d", "d", "osl", StateVacating, StatusVacating))

	names := func(nodes []Node) []string {
		var res []string
		for _, n := range nodes {
			res = append(res, n.Name)
		}
		return res
	}

	tests := map[string]struct {
		filter   Filter
		expected []string
	}{
		"no filter":              {Filter{}, []string{"a", "b", "c", "d"}},
		"state only":             {Filter{States: []State{StateRunning}}, []string{"a", "b"}},
		"status only":            {Filter{Statuses: []Status{StatusVacating}}, []string{"d"}},
		"cloud only":             {Filter{Clouds: []string{"osl"}}, []string{"c", "d"}},
		"state or status":        {Filter{States: []State{StateStarting}, Statuses: []Status{StatusIdle}}, []string{"a", "c"}},
		"status or cloud":        {Filter{Statuses: []Status{StatusBusy}, Clouds: []string{"osl"}}, []string{"b", "c", "d"}},
		"no match":               {Filter{States: []State{StateTerminated}}, nil},
		"unknown cloud":          {Filter{Clouds: []string{"ams"}}, nil},
		"union not intersection": {Filter{States: []State{StateRunning}, Statuses: []Status{StatusStarting}, Clouds: []string{"cph"}}, []string{"a", "b", "c"}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, names(r.ListNodes(tt.filter)))
		})
	}
}

func TestNodeNames(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddNode("id-b", "b", "cph", StateRunning, StatusIdle))
	require.NoError(t, r.AddNode("id-a", "a", "cph", StateRunning, StatusBusy))

	assert.Equal(t, []string{"a", "b"}, r.NodeNames(Filter{}))
	assert.Equal(t, []string{"b"}, r.NodeNames(Filter{Statuses: []Status{StatusIdle}}))
}

func TestCounts(t *testing.T) {
	r := newTestRegistry(t, "cph")
	assert.Equal(t, Counts{}, r.Counts())

	require.NoError(t, r.AddNode("1", "n1", "cph", StateRunning, StatusIdle))
	require.NoError(t, r.AddNode("2", "n2", "cph", StateRunning, StatusIdle))
	require.NoError(t, r.AddNode("3", "n3", "cph", StateRunning, StatusBusy))
	require.NoError(t, r.AddNode("4", "n4", "cph", StateStarting, StatusStarting))
	require.NoError(t, r.AddNode("5", "n5", "cph", StateVacating, StatusVacating))
	require.NoError(t, r.AddNode("6", "n6", "cph", StateRunning, StatusBenchmarking))

	counts := r.Counts()
	assert.Equal(t, Counts{Idle: 2, Busy: 4, Total: 6}, counts)
	assert.Equal(t, counts.Total, counts.Idle+counts.Busy)
	assert.Equal(t, counts, r.Counts(), "counts must be stable without mutation")
}

func TestNodesInCloud(t *testing.T) {
	r := newTestRegistry(t, "cph", "osl")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))
	require.NoError(t, r.AddStartingNode("id-2", "node-2", "osl"))
	require.NoError(t, r.AddStartingNode("id-3", "node-3", "cph"))

	assert.Equal(t, []string{"id-1", "id-3"}, r.NodesInCloud("cph"))
	assert.Equal(t, []string{"id-2"}, r.NodesInCloud("osl"))
	assert.Equal(t, []string{}, r.NodesInCloud("ams"))
}

func TestNameIDLookups(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	name, err := r.IDToName("id-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", name)

	id, err := r.NameToID("node-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	_, err = r.IDToName("id-2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.NameToID("node-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStateAndStatusAreLogged(t *testing.T) {
	var buf bytes.Buffer
	r := New[string](slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, r.AddCloud("cph", ""))
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	require.NoError(t, r.SetState("id-1", StateRunning))
	require.NoError(t, r.SetStatus("id-1", StatusBusy))

	node, err := r.GetNode("id-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, node.State)
	assert.Equal(t, StatusBusy, node.Status)

	out := buf.String()
	assert.Contains(t, out, `msg="Node state changed" node=id-1 name=node-1 from=starting to=running`)
	assert.Contains(t, out, `msg="Node status changed" node=id-1 name=node-1 from=idle to=busy`)
}

func TestSetStateAndStatusErrors(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	assert.ErrorIs(t, r.SetState("id-2", StateRunning), ErrNotFound)
	assert.ErrorIs(t, r.SetStatus("id-2", StatusBusy), ErrNotFound)
	assert.ErrorIs(t, r.SetStatus("id-1", Status("gone")), ErrInvalidStatus)
	assert.ErrorIs(t, r.SetState("id-1", State("gone")), ErrInvalidState)

	node, _ := r.GetNode("id-1")
	assert.Equal(t, StatusIdle, node.Status)
}

func TestRemoveNode(t *testing.T) {
	r := newTestRegistry(t, "cph")
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))

	require.NoError(t, r.RemoveNode("id-1"))
	assert.ErrorIs(t, r.RemoveNode("id-1"), ErrNotFound)

	_, err := r.GetNode("id-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.NameToID("node-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Both keys are free again
	require.NoError(t, r.AddStartingNode("id-1", "node-1", "cph"))
}

func TestRegistriesDoNotShareState(t *testing.T) {
	a := newTestRegistry(t, "cph")
	b := newTestRegistry(t, "cph")

	require.NoError(t, a.AddStartingNode("id-1", "node-1", "cph"))

	assert.Empty(t, b.ListNodes(Filter{}))
	require.NoError(t, b.AddStartingNode("id-1", "node-1", "cph"))
}
