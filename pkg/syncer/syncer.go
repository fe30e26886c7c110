package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nodewarden/nodewarden/pkg/builder"
	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/metrics"
	"github.com/nodewarden/nodewarden/pkg/registry"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// IntentSource is the persistence collaborator: point-in-time snapshot
// reads of users/inbounds/certificates plus per-node view overrides.
type IntentSource interface {
	Snapshot(ctx context.Context) (*types.Snapshot, error)
	NodeView(ctx context.Context, nodeID string) (*types.NodeView, error)
}

// Options tunes sync behavior
type Options struct {
	// Workers bounds concurrent per-node pushes during fan-out
	Workers int

	// DebounceWindow coalesces bursts of user changes into one batched
	// delta per node
	DebounceWindow time.Duration

	// FlushTimeout bounds one debounced flush cycle
	FlushTimeout time.Duration

	// Clock is injectable for tests
	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Workers == 0 {
		out.Workers = 10
	}
	if out.DebounceWindow == 0 {
		out.DebounceWindow = 2 * time.Second
	}
	if out.FlushTimeout == 0 {
		out.FlushTimeout = 30 * time.Second
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Syncer applies structural and incremental intent changes across the
// registry. Per-node outcomes are independent: one unreachable node records
// a local failure without blocking or failing the others.
type Syncer struct {
	registry *registry.Registry
	source   IntentSource
	opts     Options
	logger   *zerolog.Logger

	mu           sync.Mutex
	pending      map[string]*types.UserDelta // keyed by username, last-wins
	flushTimer   *clock.Timer
	flushPending bool
	closed       bool
}

// New creates a syncer over the given registry and intent source
func New(reg *registry.Registry, source IntentSource, opts Options) *Syncer {
	return &Syncer{
		registry: reg,
		source:   source,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("syncer"),
		pending:  make(map[string]*types.UserDelta),
	}
}

// Result reports per-node outcomes of a fan-out operation
type Result struct {
	mu        sync.Mutex
	Succeeded []string
	Failed    map[string]error
	Skipped   []string
}

func newResult() *Result {
	return &Result{Failed: make(map[string]error)}
}

func (r *Result) ok(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Succeeded = append(r.Succeeded, nodeID)
}

func (r *Result) fail(nodeID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed[nodeID] = err
}

func (r *Result) skip(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped = append(r.Skipped, nodeID)
}

// PartialSuccess reports whether some nodes succeeded while others failed
func (r *Result) PartialSuccess() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) > 0
}

// Err summarizes failures, or returns nil when every node succeeded or
// was skipped
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("sync failed on %d of %d nodes", len(r.Failed), len(r.Failed)+len(r.Succeeded)+len(r.Skipped))
}

// OnUserChange queues an incremental credential change. Bursts within the
// debounce window are coalesced into a single batched delta per node; the
// flush runs asynchronously. Use Flush to force an immediate synchronous
// flush and observe per-node outcomes.
func (s *Syncer) OnUserChange(user *types.User, op types.DeltaOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	prev, exists := s.pending[user.Username]
	if exists && prev.Op == types.DeltaOpAdd && op == types.DeltaOpRemove {
		// Added and removed inside one window: net effect is nothing
		delete(s.pending, user.Username)
	} else if exists && prev.Op == types.DeltaOpAdd && op == types.DeltaOpAlter {
		// Still unseen by engines, so the altered credentials ride the add
		s.pending[user.Username] = &types.UserDelta{Op: types.DeltaOpAdd, User: user}
	} else {
		s.pending[user.Username] = &types.UserDelta{Op: op, User: user}
	}

	if !s.flushPending && len(s.pending) > 0 {
		s.flushPending = true
		s.flushTimer = s.opts.Clock.AfterFunc(s.opts.DebounceWindow, s.flushAsync)
	}
}

// flushAsync runs the debounced flush off the timer goroutine
func (s *Syncer) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()

	result := s.Flush(ctx)
	if err := result.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("debounced delta flush had failures")
	}
}

// Flush applies all queued user changes now, as one batched delta per
// node, and returns per-node outcomes. Nodes that are disabled or not
// running are skipped; the health supervisor resyncs them later.
func (s *Syncer) Flush(ctx context.Context) *Result {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushPending = false
	pending := s.pending
	s.pending = make(map[string]*types.UserDelta)
	s.mu.Unlock()

	result := newResult()
	if len(pending) == 0 {
		return result
	}

	delta := &engine.Delta{}
	for _, d := range pending {
		switch d.Op {
		case types.DeltaOpAdd:
			delta.Adds = append(delta.Adds, d.User)
		case types.DeltaOpRemove:
			delta.Removes = append(delta.Removes, d.User.Username)
		case types.DeltaOpAlter:
			delta.Alters = append(delta.Alters, d.User)
		}
	}
	metrics.DeltaBatchSize.Observe(float64(delta.Size()))

	entries := s.registry.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, entry := range entries {
		entry := entry
		if !entry.Node.Enabled || entry.Handle.State() != handle.StateRunning {
			result.skip(entry.Node.ID)
			continue
		}
		g.Go(func() error {
			if err := entry.Handle.ApplyDelta(gctx, delta); err != nil {
				metrics.DeltaPushesTotal.WithLabelValues("error").Inc()
				result.fail(entry.Node.ID, err)
				log.WithNodeID(entry.Node.ID).Warn().Err(err).Msg("delta push failed, supervisor will resync")
				return nil // independent outcomes: never abort the group
			}
			metrics.DeltaPushesTotal.WithLabelValues("ok").Inc()
			result.ok(entry.Node.ID)
			return nil
		})
	}
	g.Wait()

	s.logger.Info().
		Int("changes", delta.Size()).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("batched delta applied")
	return result
}

// OnStructuralChange rebuilds the full configuration from a fresh snapshot
// and pushes it to every registered handle. Triggers include inbound/host
// edits, TLS rotation, and node enable/disable.
func (s *Syncer) OnStructuralChange(ctx context.Context, reason string) *Result {
	result := newResult()

	snapshot, err := s.source.Snapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("snapshot read failed, structural sync aborted")
		result.Failed["*"] = err
		return result
	}
	observeUsers(snapshot)

	s.logger.Info().Str("reason", reason).Uint64("revision", snapshot.Revision).Msg("structural change, full resync")

	entries := s.registry.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, entry := range entries {
		entry := entry
		if !entry.Node.Enabled {
			result.skip(entry.Node.ID)
			continue
		}
		g.Go(func() error {
			if err := s.syncEntry(gctx, snapshot, entry); err != nil {
				result.fail(entry.Node.ID, err)
				return nil
			}
			result.ok(entry.Node.ID)
			return nil
		})
	}
	g.Wait()

	return result
}

// ResyncNode rebuilds and pushes one node's configuration. Used for
// supervisor-driven drift recovery and admin forced resyncs. A Failed
// handle is reset first so the resync can start it fresh.
func (s *Syncer) ResyncNode(ctx context.Context, nodeID string) error {
	entry, ok := s.registry.Get(nodeID)
	if !ok {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	if !entry.Node.Enabled {
		return fmt.Errorf("node %s is disabled", nodeID)
	}

	snapshot, err := s.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot read failed: %w", err)
	}

	if entry.Handle.State() == handle.StateFailed {
		entry.Handle.Reset()
	}
	return s.syncEntry(ctx, snapshot, entry)
}

// syncEntry builds the node-specific document and applies it: Push for a
// running handle, Start for a stopped one
func (s *Syncer) syncEntry(ctx context.Context, snapshot *types.Snapshot, entry *registry.Entry) error {
	view, err := s.source.NodeView(ctx, entry.Node.ID)
	if err != nil {
		return fmt.Errorf("node view read failed: %w", err)
	}

	cfg, err := builder.Build(snapshot, view)
	if err != nil {
		log.WithNodeID(entry.Node.ID).Error().Err(err).Msg("config build failed")
		return err
	}

	start := time.Now()
	switch entry.Handle.State() {
	case handle.StateRunning:
		err = entry.Handle.Push(ctx, cfg)
	case handle.StateStopped:
		err = entry.Handle.Start(ctx, cfg)
	default:
		return fmt.Errorf("node %s handle is %s, skipping push", entry.Node.ID, entry.Handle.State())
	}
	metrics.PushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ConfigPushesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ConfigPushesTotal.WithLabelValues("ok").Inc()
	s.registry.UpdateStatus(entry.Node.ID, types.NodeStatusConnected, "")
	return nil
}

// Close stops the debounce timer and flushes any queued changes
func (s *Syncer) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	hasPending := len(s.pending) > 0
	s.mu.Unlock()

	if hasPending {
		s.Flush(ctx)
	}

	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
}

func observeUsers(snapshot *types.Snapshot) {
	eligible := 0
	for _, u := range snapshot.Users {
		if u.Status.Eligible() {
			eligible++
		}
	}
	metrics.UsersSynced.Set(float64(eligible))
}
