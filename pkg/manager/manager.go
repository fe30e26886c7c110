package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodewarden/nodewarden/pkg/config"
	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/events"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/registry"
	"github.com/nodewarden/nodewarden/pkg/storage"
	"github.com/nodewarden/nodewarden/pkg/supervisor"
	"github.com/nodewarden/nodewarden/pkg/syncer"
	"github.com/nodewarden/nodewarden/pkg/types"
	"github.com/nodewarden/nodewarden/pkg/usage"
)

// scheduledTask is one background responsibility with its declared
// interval. The table is static and assembled at composition time; there
// is no dynamic discovery of scheduled jobs.
type scheduledTask struct {
	Name     string
	Interval time.Duration
	Start    func()
	Stop     func(ctx context.Context)
}

// Manager is the composition root of the control plane: it owns the
// registry, wires the background loops, and exposes the admin surface.
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Registry
	syncer   *syncer.Syncer
	super    *supervisor.Supervisor
	usage    *usage.Collector
	broker   *events.Broker
	dialer   engine.Dialer
	logger   *zerolog.Logger

	tasks []scheduledTask
}

// NodeSpec describes a node being registered
type NodeSpec struct {
	Name             string
	Address          string
	APIPort          int
	CertFingerprint  string
	UsageCoefficient float64
	Enabled          bool
}

// New assembles the control plane. The engine dialer is injected so tests
// can substitute a fake engine fleet.
func New(cfg *config.Config, store storage.Store, dialer engine.Dialer) *Manager {
	reg := registry.New()
	broker := events.NewBroker()

	sync := syncer.New(reg, store, syncer.Options{
		Workers:        cfg.Sync.Workers,
		DebounceWindow: cfg.Sync.DebounceWindow.Std(),
		FlushTimeout:   cfg.Sync.FlushTimeout.Std(),
	})

	super := supervisor.New(reg, sync, store, broker, supervisor.Options{
		Interval:          cfg.Supervisor.Interval.Std(),
		ProbeTimeout:      cfg.Supervisor.ProbeTimeout.Std(),
		FailureThreshold:  cfg.Supervisor.FailureThreshold,
		ReconnectAttempts: cfg.Supervisor.ReconnectAttempts,
		ErrorBackoff:      cfg.Supervisor.ErrorBackoff.Std(),
		MaxErrorBackoff:   cfg.Supervisor.MaxErrorBackoff.Std(),
	})

	collector := usage.New(reg, store, store, broker, usage.Options{
		PollInterval:       cfg.Usage.PollInterval.Std(),
		CommitInterval:     cfg.Usage.CommitInterval.Std(),
		UsageThresholds:    cfg.Usage.UsageThresholds,
		DaysLeftThresholds: cfg.Usage.DaysLeftThresholds,
	})

	m := &Manager{
		cfg:      cfg,
		store:    store,
		registry: reg,
		syncer:   sync,
		super:    super,
		usage:    collector,
		broker:   broker,
		dialer:   dialer,
		logger:   log.WithComponent("manager"),
	}

	m.tasks = []scheduledTask{
		{
			Name:     "health-supervisor",
			Interval: cfg.Supervisor.Interval.Std(),
			Start:    super.Start,
			Stop:     func(context.Context) { super.Stop() },
		},
		{
			Name:     "usage-collector",
			Interval: cfg.Usage.PollInterval.Std(),
			Start:    collector.Start,
			Stop:     collector.Stop,
		},
	}

	return m
}

// Start restores persisted nodes into the registry and launches the
// scheduled background tasks
func (m *Manager) Start() error {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to load persisted nodes: %w", err)
	}
	for _, node := range nodes {
		// Handles always come back stopped; the supervisor and forced
		// resyncs bring enabled nodes up from persisted intent.
		node.Status = types.NodeStatusPending
		if !node.Enabled {
			node.Status = types.NodeStatusDisabled
		}
		h := m.newHandle(node)
		if err := m.registry.Register(node, h); err != nil {
			return err
		}
	}

	m.broker.Start()
	for _, task := range m.tasks {
		m.logger.Info().
			Str("task", task.Name).
			Dur("interval", task.Interval).
			Msg("starting scheduled task")
		task.Start()
	}

	m.logger.Info().Int("nodes", m.registry.Len()).Msg("control plane started")
	return nil
}

// Stop cancels the background loops and flushes pending work within the
// shutdown grace period
func (m *Manager) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace.Std())
	defer cancel()

	for i := len(m.tasks) - 1; i >= 0; i-- {
		m.tasks[i].Stop(ctx)
	}
	m.syncer.Close(ctx)
	m.broker.Stop()
	m.logger.Info().Msg("control plane stopped")
}

// Events returns the broker the policy/notification collaborator
// subscribes to
func (m *Manager) Events() *events.Broker {
	return m.broker
}

func (m *Manager) newHandle(node *types.Node) *handle.Handle {
	return handle.New(node, m.dialer, handle.Options{
		StartTimeout:   m.cfg.Handle.StartTimeout.Std(),
		RetryAttempts:  m.cfg.Handle.RetryAttempts,
		RetryBaseDelay: m.cfg.Handle.RetryBaseDelay.Std(),
		RestartBudget:  m.cfg.Handle.RestartBudget,
		RestartWindow:  m.cfg.Handle.RestartWindow.Std(),
	})
}

// RegisterNode creates a node record and its stopped handle. The node
// stays pending until a resync or structural change starts it.
func (m *Manager) RegisterNode(ctx context.Context, spec NodeSpec) (*types.Node, error) {
	if spec.Address == "" || spec.APIPort <= 0 {
		return nil, fmt.Errorf("node spec requires address and api port")
	}
	if spec.UsageCoefficient == 0 {
		spec.UsageCoefficient = 1
	}

	node := &types.Node{
		ID:               uuid.New().String(),
		Name:             spec.Name,
		Address:          spec.Address,
		APIPort:          spec.APIPort,
		CertFingerprint:  spec.CertFingerprint,
		UsageCoefficient: spec.UsageCoefficient,
		Enabled:          spec.Enabled,
		Status:           types.NodeStatusPending,
		CreatedAt:        time.Now(),
	}
	if !node.Enabled {
		node.Status = types.NodeStatusDisabled
	}

	if err := m.store.CreateNode(node); err != nil {
		return nil, fmt.Errorf("failed to persist node: %w", err)
	}
	if err := m.registry.Register(node, m.newHandle(node)); err != nil {
		// Roll back the persisted record so a later retry can succeed
		if derr := m.store.DeleteNode(node.ID); derr != nil {
			log.WithNodeID(node.ID).Warn().Err(derr).Msg("failed to roll back node record")
		}
		return nil, err
	}
	return node, nil
}

// RemoveNode stops the node's handle (best effort, bounded) and discards
// it along with the persisted record. In-flight operations unwind first
// because the handle serializes them.
func (m *Manager) RemoveNode(ctx context.Context, id string) error {
	if err := m.registry.Unregister(ctx, id); err != nil {
		return err
	}
	m.super.ForceReset(id)
	return m.store.DeleteNode(id)
}

// SetNodeEnabled flips a node's enabled flag. Enabling or disabling a
// node is a structural change: the fleet is resynced so the node comes up
// or drains.
func (m *Manager) SetNodeEnabled(ctx context.Context, id string, enabled bool) error {
	entry, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("node not found: %s", id)
	}

	if _, err := m.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	var node *types.Node
	if enabled {
		node, _ = m.registry.UpdateStatus(id, types.NodeStatusPending, "")
	} else {
		node, _ = m.registry.UpdateStatus(id, types.NodeStatusDisabled, "")
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := entry.Handle.Stop(stopCtx); err != nil {
			log.WithNodeID(id).Warn().Err(err).Msg("stop failed while disabling")
		}
	}
	if node == nil {
		return fmt.Errorf("node not found: %s", id)
	}
	if err := m.store.UpdateNode(node); err != nil {
		return err
	}

	result := m.syncer.OnStructuralChange(ctx, fmt.Sprintf("node %s enabled=%t", id, enabled))
	return result.Err()
}

// ForceResync rebuilds and pushes one node's configuration, clearing any
// terminal error state first
func (m *Manager) ForceResync(ctx context.Context, id string) error {
	m.super.ForceReset(id)
	return m.syncer.ResyncNode(ctx, id)
}

// ForceResyncAll rebuilds and pushes the whole fleet
func (m *Manager) ForceResyncAll(ctx context.Context) error {
	entries := m.registry.Snapshot()
	for _, entry := range entries {
		m.super.ForceReset(entry.Node.ID)
	}
	result := m.syncer.OnStructuralChange(ctx, "forced resync")
	return result.Err()
}

// OnUserChange queues an incremental user-credential change for the
// debounced delta path
func (m *Manager) OnUserChange(user *types.User, op types.DeltaOp) {
	m.syncer.OnUserChange(user, op)
}

// OnStructuralChange applies a full rebuild across the fleet
func (m *Manager) OnStructuralChange(ctx context.Context, reason string) error {
	return m.syncer.OnStructuralChange(ctx, reason).Err()
}

// GetNodeStatus returns the queryable status surface for one node
func (m *Manager) GetNodeStatus(id string) (*types.NodeStatusReport, error) {
	entry, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return &types.NodeStatusReport{
		NodeID:          entry.Node.ID,
		Status:          entry.Node.Status,
		Message:         entry.Node.Message,
		LastHealthCheck: entry.Node.LastHealthCheck,
		RestartCount:    entry.Handle.RestartCount(),
		Fingerprint:     entry.Handle.Fingerprint(),
	}, nil
}

// GetUsage sums a user's committed usage across all nodes in the window
func (m *Manager) GetUsage(username string, window types.UsageWindow) (uplink, downlink int64, err error) {
	return m.store.GetUsage(username, window)
}

// ListNodes returns the registry's point-in-time node list
func (m *Manager) ListNodes() []*types.Node {
	entries := m.registry.Snapshot()
	nodes := make([]*types.Node, 0, len(entries))
	for _, entry := range entries {
		nodes = append(nodes, entry.Node)
	}
	return nodes
}
