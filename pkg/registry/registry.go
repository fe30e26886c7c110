package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// Entry pairs a node's metadata with its core handle
type Entry struct {
	Node   *types.Node
	Handle *handle.Handle
}

// Registry is the synchronized map from node identity to its entry. It is
// the single shared mutable structure in the control plane; every mutation
// goes through its API. At most one handle exists per node id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	// pending serializes register/unregister per node id so a concurrent
	// re-register cannot race a slow teardown
	pending map[string]bool

	stopTimeout time.Duration
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		pending:     make(map[string]bool),
		stopTimeout: 10 * time.Second,
	}
}

// Register inserts a node with a stopped handle. Registering an id that
// already exists is an error. The registry takes ownership of the node
// record: callers read it back through Get/Snapshot copies and mutate it
// through UpdateStatus/SetEnabled only.
func (r *Registry) Register(node *types.Node, h *handle.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[node.ID] {
		return fmt.Errorf("node %s has an operation in progress", node.ID)
	}
	if _, exists := r.entries[node.ID]; exists {
		return fmt.Errorf("node %s is already registered", node.ID)
	}

	r.entries[node.ID] = &Entry{Node: node, Handle: h}
	log.WithNodeID(node.ID).Info().Str("address", node.Address).Msg("node registered")
	return nil
}

// Unregister stops the node's handle with a bounded timeout, then removes
// it. Stop failures are logged, not returned: removal proceeds regardless
// (stop-then-discard).
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("node not found: %s", id)
	}
	if r.pending[id] {
		r.mu.Unlock()
		return fmt.Errorf("node %s has an operation in progress", id)
	}
	r.pending[id] = true
	r.mu.Unlock()

	// Stop outside the map lock: a slow engine must not block unrelated
	// registry access.
	stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()
	if err := entry.Handle.Stop(stopCtx); err != nil {
		log.WithNodeID(id).Warn().Err(err).Msg("best-effort stop failed during unregister")
	}

	r.mu.Lock()
	delete(r.entries, id)
	delete(r.pending, id)
	r.mu.Unlock()

	log.WithNodeID(id).Info().Msg("node unregistered")
	return nil
}

// Get returns a copy of the entry for a node id. The node record is a
// point-in-time copy; the handle is the live handle.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return &Entry{Node: cloneNode(entry.Node), Handle: entry.Handle}, true
}

// Snapshot returns a point-in-time copy of the registry: node records are
// copied so callers read them without holding the registry lock while
// concurrent status updates land.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, &Entry{Node: cloneNode(entry.Node), Handle: entry.Handle})
	}
	return out
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// UpdateStatus records a status transition on the node's metadata. It
// returns a copy of the updated record and whether status or message
// actually changed, so callers persist transitions and skip no-ops.
func (r *Registry) UpdateStatus(id string, status types.NodeStatus, message string) (*types.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	changed := entry.Node.Status != status || entry.Node.Message != message
	if entry.Node.Status != status {
		log.WithNodeID(id).Info().
			Str("from", string(entry.Node.Status)).
			Str("to", string(status)).
			Msg("node status changed")
	}
	entry.Node.Status = status
	entry.Node.Message = message
	entry.Node.LastHealthCheck = time.Now()
	return cloneNode(entry.Node), changed
}

// SetEnabled flips the node's enabled flag under the registry lock and
// returns a copy of the updated record
func (r *Registry) SetEnabled(id string, enabled bool) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	entry.Node.Enabled = enabled
	return cloneNode(entry.Node), nil
}

func cloneNode(n *types.Node) *types.Node {
	c := *n
	return &c
}
