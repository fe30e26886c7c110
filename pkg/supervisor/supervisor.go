package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nodewarden/nodewarden/pkg/events"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/metrics"
	"github.com/nodewarden/nodewarden/pkg/registry"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// Resyncer schedules a full rebuild+push for one node. Implemented by the
// syncer; injected so the supervisor never imports it.
type Resyncer interface {
	ResyncNode(ctx context.Context, nodeID string) error
}

// StatusStore persists node status transitions for the admin layer
type StatusStore interface {
	UpdateNode(node *types.Node) error
}

// Outcome classifies one probe
type Outcome string

const (
	OutcomeHealthy     Outcome = "healthy"
	OutcomeDrifted     Outcome = "drifted"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeCrashed     Outcome = "crashed"
)

// Options tunes supervision behavior
type Options struct {
	// Interval between probe cycles
	Interval time.Duration

	// ProbeTimeout bounds one probe call
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures before
	// a connected node is considered disconnected
	FailureThreshold int

	// ReconnectAttempts bounds reconnection tries before the node goes to
	// error status
	ReconnectAttempts int

	// ErrorBackoff is the initial probing backoff for nodes in error
	// status; it doubles up to MaxErrorBackoff
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration

	// Probes bounds concurrent probes per cycle
	Probes int

	// Clock is injectable for tests
	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval == 0 {
		out.Interval = 10 * time.Second
	}
	if out.ProbeTimeout == 0 {
		out.ProbeTimeout = 5 * time.Second
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 3
	}
	if out.ReconnectAttempts == 0 {
		out.ReconnectAttempts = 3
	}
	if out.ErrorBackoff == 0 {
		out.ErrorBackoff = 30 * time.Second
	}
	if out.MaxErrorBackoff == 0 {
		out.MaxErrorBackoff = 10 * time.Minute
	}
	if out.Probes == 0 {
		out.Probes = 10
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// probeState is the supervisor's private per-node bookkeeping
type probeState struct {
	failures     int
	reconnects   int
	backoff      time.Duration
	backoffUntil time.Time
}

// Supervisor probes every enabled node on a fixed interval and drives
// reconnection, drift resync, and crash restarts
type Supervisor struct {
	registry *registry.Registry
	resyncer Resyncer
	store    StatusStore
	broker   *events.Broker
	opts     Options
	logger   *zerolog.Logger

	mu     sync.Mutex
	states map[string]*probeState

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a supervisor over the given registry
func New(reg *registry.Registry, resyncer Resyncer, store StatusStore, broker *events.Broker, opts Options) *Supervisor {
	return &Supervisor{
		registry: reg,
		resyncer: resyncer,
		store:    store,
		broker:   broker,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("supervisor"),
		states:   make(map[string]*probeState),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the supervision loop
func (s *Supervisor) Start() {
	go s.run()
}

// Stop stops the supervisor and waits for the current cycle to unwind
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cycle(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Cycle probes every enabled node once. Exported so tests and the forced
// resync path can drive supervision deterministically.
func (s *Supervisor) Cycle(ctx context.Context) {
	entries := s.registry.Snapshot()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Probes)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			s.probeNode(gctx, entry)
			return nil
		})
	}
	g.Wait()

	// Re-snapshot: entries are point-in-time copies and the probes above
	// moved statuses through the registry.
	s.updateFleetGauges(s.registry.Snapshot())
	metrics.TaskCyclesTotal.WithLabelValues("supervisor").Inc()
}

// probeNode classifies one node and drives its state machine:
// Connected → Disconnected (after K consecutive probe failures) →
// Reconnecting → {Connected | Error (terminal until manual reset)}
func (s *Supervisor) probeNode(ctx context.Context, entry *registry.Entry) {
	node := entry.Node
	h := entry.Handle

	if !node.Enabled {
		s.setStatus(node.ID, types.NodeStatusDisabled, "")
		return
	}

	st := s.state(node.ID)
	now := s.opts.Clock.Now()

	switch node.Status {
	case types.NodeStatusError:
		// Probing cadence backs off until connectivity returns or an
		// admin forces a resync
		if now.Before(st.backoffUntil) {
			return
		}
		s.tryReconnect(ctx, entry, st)
		return

	case types.NodeStatusDisconnected, types.NodeStatusConnecting:
		s.tryReconnect(ctx, entry, st)
		return
	}

	switch h.State() {
	case handle.StateFailed:
		// Crashed: the engine exited or exhausted its push retries.
		// Restart from the last known-good config under the restart
		// budget; budget exhaustion leaves the handle Failed and the
		// node goes to error.
		s.logger.Warn().Str("node_id", node.ID).Msg("engine crashed, restarting")
		restartCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout*3)
		defer cancel()
		if err := h.Restart(restartCtx); err != nil {
			s.enterError(entry, st, err.Error())
			return
		}
		metrics.EngineRestartsTotal.Inc()
		// The restart replayed the last applied document, which may
		// predate the change whose push failed. Rebuild from current
		// intent so the node does not silently diverge.
		if err := s.resyncer.ResyncNode(ctx, node.ID); err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Msg("post-restart resync failed")
		}
		st.reset()
		s.setStatus(node.ID, types.NodeStatusConnected, "")
		return

	case handle.StateStopped:
		// Registered but never started: stays pending until an admin or
		// structural sync starts it
		return
	}

	outcome, detail := s.probe(ctx, h)
	switch outcome {
	case OutcomeHealthy:
		st.reset()
		s.setStatus(node.ID, types.NodeStatusConnected, "")

	case OutcomeDrifted:
		s.publish(events.EventNodeDrifted, node.ID, detail)
		s.logger.Info().Str("node_id", node.ID).Str("detail", detail).Msg("fingerprint drift, scheduling resync")
		if err := s.resyncer.ResyncNode(ctx, node.ID); err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Msg("drift resync failed")
		}

	case OutcomeUnreachable:
		st.failures++
		metrics.ProbeFailuresTotal.WithLabelValues(node.ID).Inc()
		log.WithNodeID(node.ID).Warn().
			Int("consecutive_failures", st.failures).
			Str("detail", detail).
			Msg("probe failed")
		if st.failures >= s.opts.FailureThreshold {
			s.setStatus(node.ID, types.NodeStatusDisconnected, detail)
		}
	}
}

// probe performs the lightweight health check and classifies the result
func (s *Supervisor) probe(ctx context.Context, h *handle.Handle) (Outcome, string) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	if err := h.Ping(probeCtx); err != nil {
		return OutcomeUnreachable, err.Error()
	}

	state, err := h.EngineState(probeCtx)
	if err != nil {
		return OutcomeUnreachable, err.Error()
	}
	if state.Fingerprint != h.Fingerprint() {
		return OutcomeDrifted, "engine fingerprint " + shortHash(state.Fingerprint) + " != expected " + shortHash(h.Fingerprint())
	}
	return OutcomeHealthy, ""
}

// tryReconnect attempts to bring a disconnected node back. Success resets
// the per-node state; exhausting the attempt budget escalates to error.
func (s *Supervisor) tryReconnect(ctx context.Context, entry *registry.Entry, st *probeState) {
	node := entry.Node
	s.setStatus(node.ID, types.NodeStatusConnecting, "")

	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	err := entry.Handle.Ping(probeCtx)
	cancel()

	if err == nil {
		st.reset()
		metrics.ReconnectsTotal.Inc()
		s.setStatus(node.ID, types.NodeStatusConnected, "")
		s.publish(events.EventNodeConnected, node.ID, "node reconnected")
		s.logger.Info().Str("node_id", node.ID).Msg("node reconnected")
		return
	}

	st.reconnects++
	metrics.ProbeFailuresTotal.WithLabelValues(node.ID).Inc()
	if st.reconnects >= s.opts.ReconnectAttempts {
		s.enterError(entry, st, "reconnect attempts exhausted: "+err.Error())
		return
	}
	s.setStatus(node.ID, types.NodeStatusDisconnected, err.Error())
}

// enterError moves a node to error status and backs off its probe cadence
func (s *Supervisor) enterError(entry *registry.Entry, st *probeState, detail string) {
	if st.backoff == 0 {
		st.backoff = s.opts.ErrorBackoff
	} else if st.backoff < s.opts.MaxErrorBackoff {
		st.backoff *= 2
		if st.backoff > s.opts.MaxErrorBackoff {
			st.backoff = s.opts.MaxErrorBackoff
		}
	}
	st.backoffUntil = s.opts.Clock.Now().Add(st.backoff)
	st.reconnects = 0

	s.setStatus(entry.Node.ID, types.NodeStatusError, detail)
	s.publish(events.EventNodeError, entry.Node.ID, detail)
	s.logger.Error().
		Str("node_id", entry.Node.ID).
		Dur("backoff", st.backoff).
		Str("detail", detail).
		Msg("node entered error status")
}

func (s *Supervisor) publish(eventType events.EventType, nodeID, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, NodeID: nodeID, Message: message})
}

// ForceReset clears supervision state for a node after an admin-forced
// resync so probing resumes at the normal cadence
func (s *Supervisor) ForceReset(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, nodeID)
}

func (s *Supervisor) state(nodeID string) *probeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[nodeID]
	if !ok {
		st = &probeState{}
		s.states[nodeID] = st
	}
	return st
}

func (st *probeState) reset() {
	st.failures = 0
	st.reconnects = 0
	st.backoff = 0
	st.backoffUntil = time.Time{}
}

// setStatus applies the transition through the registry and persists the
// updated record only when status or message actually changed
func (s *Supervisor) setStatus(nodeID string, status types.NodeStatus, message string) {
	node, changed := s.registry.UpdateStatus(nodeID, status, message)
	if node == nil || !changed {
		return
	}
	if s.store != nil {
		if err := s.store.UpdateNode(node); err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to persist node status")
		}
	}
}

func (s *Supervisor) updateFleetGauges(entries []*registry.Entry) {
	counts := make(map[types.NodeStatus]int)
	for _, e := range entries {
		counts[e.Node.Status]++
	}
	for _, status := range []types.NodeStatus{
		types.NodeStatusPending, types.NodeStatusConnecting, types.NodeStatusConnected,
		types.NodeStatusDisconnected, types.NodeStatusError, types.NodeStatusDisabled,
	} {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func shortHash(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
