package storage

import (
	"context"

	"github.com/nodewarden/nodewarden/pkg/types"
)

// Store defines the durable state interface of the control plane: node
// records and status, committed usage counters with per-node poll cursors,
// threshold-reminder marks, and the cached intent snapshot.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Node views
	SaveNodeView(view *types.NodeView) error
	NodeView(ctx context.Context, nodeID string) (*types.NodeView, error)

	// Intent snapshot (written by the persistence collaborator, read by
	// the syncer and usage collector)
	SaveSnapshot(snapshot *types.Snapshot) error
	Snapshot(ctx context.Context) (*types.Snapshot, error)

	// Usage. CommitUsage applies a batch of deltas, records the observed
	// counter baselines, and advances the node's poll cursor in one
	// transaction: baselines and cursor move only when the deltas are
	// durably committed.
	CommitUsage(nodeID string, deltas []*types.UsageDelta, cursor int64) error
	Baselines(nodeID string) (map[string]types.TrafficStat, error)
	GetCursor(nodeID string) (int64, error)
	GetUsageCounter(username, nodeID string) (*types.UsageCounter, error)
	GetUsage(username string, window types.UsageWindow) (uplink, downlink int64, err error)
	ResetUsage(username string) error

	// Reminders. MarkReminder records that a threshold fact was emitted
	// for a user in the current epoch; it reports whether the mark is new.
	MarkReminder(username, kind string, threshold int, epoch int64) (bool, error)

	// Utility
	Close() error
}
