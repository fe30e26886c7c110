package engine

import (
	"context"
	"time"

	"github.com/nodewarden/nodewarden/pkg/types"
)

// State reports what the engine believes it is running
type State struct {
	Running     bool      `json:"running"`
	Fingerprint string    `json:"fingerprint"`
	StartedAt   time.Time `json:"started_at"`
	Version     string    `json:"version"`
}

// Delta is a batched incremental credential change. Removes carry usernames
// only; adds and alters carry the full credential set so the engine can
// place them on every matching inbound.
type Delta struct {
	Adds    []*types.User `json:"adds,omitempty"`
	Removes []string      `json:"removes,omitempty"`
	Alters  []*types.User `json:"alters,omitempty"`
}

// Empty reports whether the delta contains no changes
func (d *Delta) Empty() bool {
	return len(d.Adds) == 0 && len(d.Removes) == 0 && len(d.Alters) == 0
}

// Size returns the total number of changes in the delta
func (d *Delta) Size() int {
	return len(d.Adds) + len(d.Removes) + len(d.Alters)
}

// Client is the control-API surface of one proxy engine instance. All
// methods carry their own timeout through ctx and classify failures into
// the TransportError/ProtocolError taxonomy.
type Client interface {
	// ApplyConfig replaces the engine's full configuration document and
	// waits for the engine-ready acknowledgment.
	ApplyConfig(ctx context.Context, cfg *types.EngineConfig) error

	// ApplyDelta applies an incremental credential change without a full
	// document replace.
	ApplyDelta(ctx context.Context, delta *Delta) error

	// QueryStats returns per-user traffic counters accumulated since the
	// engine's internal counter started. Counters reset when the engine
	// restarts.
	QueryStats(ctx context.Context) ([]types.TrafficStat, error)

	// State queries what the engine is currently running.
	State(ctx context.Context) (*State, error)

	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error

	// Close releases the control connection.
	Close() error
}

// Dialer constructs a Client for a node. Injected so tests can substitute
// a fake engine.
type Dialer func(node *types.Node) (Client, error)
