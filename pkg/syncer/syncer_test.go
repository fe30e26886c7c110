package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/registry"
	"github.com/nodewarden/nodewarden/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeClient records deltas and config pushes per node
type fakeClient struct {
	mu          sync.Mutex
	unreachable bool
	deltas      []*engine.Delta
	pushes      int
}

func (f *fakeClient) ApplyConfig(ctx context.Context, cfg *types.EngineConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return &engine.TransportError{Op: "apply config", Err: errors.New("no route to host")}
	}
	f.pushes++
	return nil
}

func (f *fakeClient) ApplyDelta(ctx context.Context, delta *engine.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return &engine.TransportError{Op: "apply delta", Err: errors.New("no route to host")}
	}
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeClient) QueryStats(ctx context.Context) ([]types.TrafficStat, error) { return nil, nil }
func (f *fakeClient) State(ctx context.Context) (*engine.State, error) {
	return &engine.State{}, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

func (f *fakeClient) deltaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltas)
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// fakeSource serves a fixed snapshot and default node views
type fakeSource struct {
	snapshot *types.Snapshot
	err      error
}

func (f *fakeSource) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func (f *fakeSource) NodeView(ctx context.Context, nodeID string) (*types.NodeView, error) {
	return &types.NodeView{NodeID: nodeID}, nil
}

func testSnapshot() *types.Snapshot {
	return &types.Snapshot{Revision: 1, TakenAt: time.Now()}
}

// addNode registers a node whose handle talks to the given fake client;
// started=true brings the handle to Running
func addNode(t *testing.T, reg *registry.Registry, id string, client *fakeClient, started bool) *types.Node {
	t.Helper()
	node := &types.Node{ID: id, Address: "10.0.0.1", APIPort: 62050, Enabled: true, Status: types.NodeStatusPending}
	h := handle.New(node, func(*types.Node) (engine.Client, error) { return client, nil }, handle.Options{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, reg.Register(node, h))
	if started {
		// Bring the handle up against a reachable engine, then apply the
		// scripted behavior
		wasUnreachable := client.unreachable
		client.unreachable = false
		require.NoError(t, h.Start(context.Background(), &types.EngineConfig{Revision: 0}))
		client.unreachable = wasUnreachable
		reg.UpdateStatus(id, types.NodeStatusConnected, "")
	}
	return node
}

func TestBurstCoalescesIntoSingleDelta(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	addNode(t, reg, "node-1", client, true)

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})

	// 500 user additions inside one debounce window
	for i := 0; i < 500; i++ {
		s.OnUserChange(&types.User{
			Username: fmt.Sprintf("user-%03d", i),
			Status:   types.UserStatusActive,
		}, types.DeltaOpAdd)
	}

	result := s.Flush(context.Background())
	require.NoError(t, result.Err())

	require.Equal(t, 1, client.deltaCount(), "a burst must produce exactly one batched delta push")
	assert.Equal(t, 500, client.deltas[0].Size())
	assert.Len(t, client.deltas[0].Adds, 500)
}

func TestDebounceTimerFlushesAsync(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	addNode(t, reg, "node-1", client, true)

	mock := clock.NewMock()
	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{
		Clock:          mock,
		DebounceWindow: 2 * time.Second,
	})

	s.OnUserChange(&types.User{Username: "bob", Status: types.UserStatusActive}, types.DeltaOpAdd)
	assert.Equal(t, 0, client.deltaCount(), "nothing flushes before the window elapses")

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return client.deltaCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestAddThenRemoveCancelsOut(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	addNode(t, reg, "node-1", client, true)

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})

	user := &types.User{Username: "ephemeral", Status: types.UserStatusActive}
	s.OnUserChange(user, types.DeltaOpAdd)
	s.OnUserChange(user, types.DeltaOpRemove)

	s.Flush(context.Background())
	assert.Equal(t, 0, client.deltaCount(), "add+remove within one window is a no-op")
}

func TestAddThenAlterRidesTheAdd(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	addNode(t, reg, "node-1", client, true)

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})

	s.OnUserChange(&types.User{Username: "bob", Status: types.UserStatusActive}, types.DeltaOpAdd)
	altered := &types.User{Username: "bob", Status: types.UserStatusOnHold}
	s.OnUserChange(altered, types.DeltaOpAlter)

	s.Flush(context.Background())
	require.Equal(t, 1, client.deltaCount())
	require.Len(t, client.deltas[0].Adds, 1)
	assert.Empty(t, client.deltas[0].Alters)
	assert.Equal(t, types.UserStatusOnHold, client.deltas[0].Adds[0].Status)
}

func TestPartialSuccessAcrossFleet(t *testing.T) {
	reg := registry.New()
	okA := &fakeClient{}
	okB := &fakeClient{}
	down := &fakeClient{unreachable: true}
	addNode(t, reg, "node-a", okA, true)
	addNode(t, reg, "node-b", okB, true)
	addNode(t, reg, "node-c", down, true)

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})
	s.OnUserChange(&types.User{Username: "bob", Status: types.UserStatusActive}, types.DeltaOpAdd)

	result := s.Flush(context.Background())

	assert.True(t, result.PartialSuccess(), "one unreachable node must not fail the others")
	assert.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed, "node-c")
	assert.Error(t, result.Err())

	assert.Equal(t, 1, okA.deltaCount())
	assert.Equal(t, 1, okB.deltaCount())
	assert.Equal(t, 0, down.deltaCount())
}

func TestDeltaSkipsStoppedAndDisabledNodes(t *testing.T) {
	reg := registry.New()
	running := &fakeClient{}
	stopped := &fakeClient{}
	disabled := &fakeClient{}
	addNode(t, reg, "node-up", running, true)
	addNode(t, reg, "node-stopped", stopped, false)
	addNode(t, reg, "node-disabled", disabled, true)
	_, err := reg.SetEnabled("node-disabled", false)
	require.NoError(t, err)

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})
	s.OnUserChange(&types.User{Username: "bob", Status: types.UserStatusActive}, types.DeltaOpAdd)

	result := s.Flush(context.Background())
	assert.Len(t, result.Succeeded, 1)
	assert.Len(t, result.Skipped, 2)
	assert.Equal(t, 0, stopped.deltaCount())
	assert.Equal(t, 0, disabled.deltaCount())
}

func TestStructuralChangePushesAndStarts(t *testing.T) {
	reg := registry.New()
	running := &fakeClient{}
	fresh := &fakeClient{}
	addNode(t, reg, "node-running", running, true)
	addNode(t, reg, "node-fresh", fresh, false)

	snapshot := testSnapshot()
	snapshot.Revision = 9
	s := New(reg, &fakeSource{snapshot: snapshot}, Options{Clock: clock.NewMock()})

	result := s.OnStructuralChange(context.Background(), "inbound edited")
	require.NoError(t, result.Err())
	assert.Len(t, result.Succeeded, 2)

	// The running node got a full replace, the fresh node was started
	assert.Equal(t, 2, running.pushCount(), "start push plus structural push")
	assert.Equal(t, 1, fresh.pushCount())

	entry, _ := reg.Get("node-fresh")
	assert.Equal(t, handle.StateRunning, entry.Handle.State())
	assert.Equal(t, types.NodeStatusConnected, entry.Node.Status)
}

func TestStructuralChangeSnapshotFailure(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	addNode(t, reg, "node-1", client, true)

	s := New(reg, &fakeSource{err: errors.New("persistence down")}, Options{Clock: clock.NewMock()})
	result := s.OnStructuralChange(context.Background(), "tls rotation")

	assert.Error(t, result.Err())
	assert.Equal(t, 1, client.pushCount(), "only the start push happened")
}

func TestResyncNodeResetsFailedHandle(t *testing.T) {
	reg := registry.New()
	client := &fakeClient{}
	node := addNode(t, reg, "node-1", client, true)

	entry, _ := reg.Get(node.ID)
	entry.Handle.MarkFailed(errors.New("probe saw it crash"))
	require.Equal(t, handle.StateFailed, entry.Handle.State())

	s := New(reg, &fakeSource{snapshot: testSnapshot()}, Options{Clock: clock.NewMock()})
	require.NoError(t, s.ResyncNode(context.Background(), node.ID))
	assert.Equal(t, handle.StateRunning, entry.Handle.State())
}
