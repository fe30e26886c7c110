package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type nopClient struct{}

func (nopClient) ApplyConfig(ctx context.Context, cfg *types.EngineConfig) error { return nil }
func (nopClient) ApplyDelta(ctx context.Context, delta *engine.Delta) error      { return nil }
func (nopClient) QueryStats(ctx context.Context) ([]types.TrafficStat, error)    { return nil, nil }
func (nopClient) State(ctx context.Context) (*engine.State, error)               { return &engine.State{}, nil }
func (nopClient) Ping(ctx context.Context) error                                 { return nil }
func (nopClient) Close() error                                                   { return nil }

func newEntry(id string) (*types.Node, *handle.Handle) {
	node := &types.Node{ID: id, Address: "10.0.0.1", APIPort: 62050, Enabled: true, Status: types.NodeStatusPending}
	h := handle.New(node, func(*types.Node) (engine.Client, error) { return nopClient{}, nil }, handle.Options{})
	return node, h
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")

	require.NoError(t, r.Register(node, h))
	assert.Equal(t, 1, r.Len())

	entry, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, node, entry.Node)
	assert.Equal(t, h, entry.Handle)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	dupNode, dupHandle := newEntry("node-1")
	err := r.Register(dupNode, dupHandle)
	assert.Error(t, err, "at most one handle per node id")
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	require.NoError(t, r.Unregister(context.Background(), "node-1"))
	_, ok := r.Get("node-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestUnregisterUnknownNode(t *testing.T) {
	r := New()
	assert.Error(t, r.Unregister(context.Background(), "ghost"))
}

func TestSnapshotIsPointInTimeCopy(t *testing.T) {
	r := New()
	nodeA, hA := newEntry("node-a")
	nodeB, hB := newEntry("node-b")
	require.NoError(t, r.Register(nodeA, hA))
	require.NoError(t, r.Register(nodeB, hB))

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	// Mutating the registry afterwards does not change the snapshot
	require.NoError(t, r.Unregister(context.Background(), "node-a"))
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, r.Len())
}

func TestUpdateStatus(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	updated, changed := r.UpdateStatus("node-1", types.NodeStatusConnected, "")
	require.NotNil(t, updated)
	assert.True(t, changed)
	entry, _ := r.Get("node-1")
	assert.Equal(t, types.NodeStatusConnected, entry.Node.Status)
	assert.False(t, entry.Node.LastHealthCheck.IsZero())

	// Re-applying the same status and message reports no change
	_, changed = r.UpdateStatus("node-1", types.NodeStatusConnected, "")
	assert.False(t, changed)

	// Unknown ids are ignored
	updated, changed = r.UpdateStatus("ghost", types.NodeStatusError, "boom")
	assert.Nil(t, updated)
	assert.False(t, changed)
}

func TestSetEnabled(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	updated, err := r.SetEnabled("node-1", false)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	entry, _ := r.Get("node-1")
	assert.False(t, entry.Node.Enabled)

	_, err = r.SetEnabled("ghost", false)
	assert.Error(t, err)
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	entry, ok := r.Get("node-1")
	require.True(t, ok)
	entry.Node.Status = types.NodeStatusError
	entry.Node.Enabled = false

	// Mutating the copy does not leak into registry state
	fresh, _ := r.Get("node-1")
	assert.Equal(t, types.NodeStatusPending, fresh.Node.Status)
	assert.True(t, fresh.Node.Enabled)
}

func TestSnapshotReadersRaceFreeWithStatusUpdates(t *testing.T) {
	r := New()
	node, h := newEntry("node-1")
	require.NoError(t, r.Register(node, h))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			status := types.NodeStatusConnected
			if i%2 == 1 {
				status = types.NodeStatusDisconnected
			}
			r.UpdateStatus("node-1", status, "probe")
		}
	}()

	// Concurrent readers over returned records; run with -race
	for i := 0; i < 1000; i++ {
		for _, entry := range r.Snapshot() {
			_ = entry.Node.Status
			_ = entry.Node.Message
			_ = entry.Node.LastHealthCheck
		}
	}
	<-done
}
