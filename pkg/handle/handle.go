package handle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nodewarden/nodewarden/pkg/builder"
	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// State represents the lifecycle state of a core handle
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// Options tunes handle behavior. Zero values fall back to defaults.
type Options struct {
	// StartTimeout bounds the wait for the engine-ready acknowledgment
	StartTimeout time.Duration

	// RetryAttempts caps transport-failure retries per operation
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	RetryBaseDelay time.Duration

	// RestartBudget and RestartWindow bound restarts: more than
	// RestartBudget restarts within a rolling RestartWindow escalates the
	// handle to Failed instead of looping.
	RestartBudget int
	RestartWindow time.Duration

	// Clock is injectable for tests
	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StartTimeout == 0 {
		out.StartTimeout = 30 * time.Second
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = 3
	}
	if out.RetryBaseDelay == 0 {
		out.RetryBaseDelay = 500 * time.Millisecond
	}
	if out.RestartBudget == 0 {
		out.RestartBudget = 3
	}
	if out.RestartWindow == 0 {
		out.RestartWindow = 5 * time.Minute
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Handle wraps one engine instance: its control connection, lifecycle
// state, and the fingerprint of the last successfully applied document.
// Every operation holds the handle mutex, so operations against a single
// node are totally ordered and no two components mutate the handle
// concurrently.
type Handle struct {
	nodeID string
	dial   engine.Dialer
	node   *types.Node
	opts   Options
	logger *zerolog.Logger

	mu           sync.Mutex
	client       engine.Client
	state        State
	fingerprint  string
	lastGood     *types.EngineConfig
	restartCount int
	restartTimes []time.Time
	startedAt    time.Time
	lastErr      error
}

// New creates a stopped handle for the given node
func New(node *types.Node, dial engine.Dialer, opts Options) *Handle {
	return &Handle{
		nodeID: node.ID,
		node:   node,
		dial:   dial,
		opts:   opts.withDefaults(),
		state:  StateStopped,
		logger: log.WithNodeID(node.ID),
	}
}

// NodeID returns the owning node's id
func (h *Handle) NodeID() string { return h.nodeID }

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Fingerprint returns the hash of the last successfully pushed document
func (h *Handle) Fingerprint() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fingerprint
}

// RestartCount returns how many times the engine has been restarted
func (h *Handle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartCount
}

// LastError returns the most recent failure, if any
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// StartedAt returns when the engine last acknowledged a start
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Start establishes the control connection and pushes the initial
// configuration, requiring the engine-ready acknowledgment within the
// start timeout. Failure leaves the handle in Failed.
func (h *Handle) Start(ctx context.Context, cfg *types.EngineConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startLocked(ctx, cfg)
}

func (h *Handle) startLocked(ctx context.Context, cfg *types.EngineConfig) error {
	if h.state == StateRunning || h.state == StateStarting {
		return fmt.Errorf("handle for node %s already %s", h.nodeID, h.state)
	}
	h.state = StateStarting

	if h.client == nil {
		client, err := h.dial(h.node)
		if err != nil {
			h.failLocked(fmt.Errorf("failed to connect control API: %w", err))
			return h.lastErr
		}
		h.client = client
	}

	startCtx, cancel := context.WithTimeout(ctx, h.opts.StartTimeout)
	defer cancel()

	if err := h.pushWithRetry(startCtx, cfg); err != nil {
		h.failLocked(fmt.Errorf("engine start failed: %w", err))
		return h.lastErr
	}

	h.state = StateRunning
	h.fingerprint = builder.Fingerprint(cfg)
	h.lastGood = cfg
	h.startedAt = h.opts.Clock.Now()
	h.lastErr = nil
	h.logger.Info().Str("fingerprint", shortHash(h.fingerprint)).Msg("engine started")
	return nil
}

// Push replaces the engine's full configuration. A document whose
// fingerprint matches the last applied one is a no-op and performs no
// network push.
func (h *Handle) Push(ctx context.Context, cfg *types.EngineConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRunning {
		return fmt.Errorf("cannot push to node %s: handle is %s", h.nodeID, h.state)
	}

	fp := builder.Fingerprint(cfg)
	if fp == h.fingerprint {
		h.logger.Debug().Str("fingerprint", shortHash(fp)).Msg("config unchanged, skipping push")
		return nil
	}

	if err := h.pushWithRetry(ctx, cfg); err != nil {
		if engine.IsTransport(err) {
			h.failLocked(fmt.Errorf("config push failed: %w", err))
		} else {
			h.lastErr = err
		}
		return err
	}

	h.fingerprint = fp
	h.lastGood = cfg
	h.lastErr = nil
	h.logger.Info().Str("fingerprint", shortHash(fp)).Msg("config pushed")
	return nil
}

// ApplyDelta applies an incremental credential change without a full
// replace. The preferred path: a full replace briefly interrupts active
// connections, a delta does not.
func (h *Handle) ApplyDelta(ctx context.Context, delta *engine.Delta) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRunning {
		return fmt.Errorf("cannot apply delta to node %s: handle is %s", h.nodeID, h.state)
	}
	if delta.Empty() {
		return nil
	}

	err := h.withRetry(ctx, func(opCtx context.Context) error {
		return h.client.ApplyDelta(opCtx, delta)
	})
	if err != nil {
		if engine.IsTransport(err) {
			h.failLocked(fmt.Errorf("delta push failed: %w", err))
		} else {
			h.lastErr = err
		}
		return err
	}

	h.logger.Debug().Int("changes", delta.Size()).Msg("delta applied")
	return nil
}

// Stop tears down the engine control connection gracefully
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopLocked(ctx)
}

func (h *Handle) stopLocked(ctx context.Context) error {
	client := h.client
	h.client = nil
	h.state = StateStopped
	if client == nil {
		return nil
	}

	// Close in a goroutine so a hung control connection cannot stall the
	// caller past its deadline. A timed-out close is abandoned; the handle
	// has already detached from the client.
	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		if err != nil {
			h.logger.Warn().Err(err).Msg("control connection close failed")
		}
		return nil
	case <-ctx.Done():
		h.logger.Warn().Err(ctx.Err()).Msg("control connection close timed out, discarding")
		return ctx.Err()
	}
}

// Restart stops the engine and starts it again from the last known-good
// configuration. Exceeding the restart budget within the rolling window
// escalates to Failed rather than looping indefinitely.
func (h *Handle) Restart(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastGood == nil {
		return fmt.Errorf("cannot restart node %s: no known-good config", h.nodeID)
	}

	now := h.opts.Clock.Now()
	h.restartTimes = pruneWindow(h.restartTimes, now, h.opts.RestartWindow)
	if len(h.restartTimes) >= h.opts.RestartBudget {
		h.failLocked(fmt.Errorf("restart budget exhausted: %d restarts within %s", len(h.restartTimes), h.opts.RestartWindow))
		return h.lastErr
	}
	h.restartTimes = append(h.restartTimes, now)
	h.restartCount++

	h.state = StateRestarting
	h.logger.Info().Int("restart_count", h.restartCount).Msg("restarting engine")

	if err := h.stopLocked(ctx); err != nil {
		return err
	}
	return h.startLocked(ctx, h.lastGood)
}

// MarkFailed records an externally observed failure (e.g. a crashed local
// process) so it is surfaced through State/LastError rather than dropped.
func (h *Handle) MarkFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLocked(err)
}

// Reset clears a Failed handle back to Stopped so a forced resync can
// start it again. Also resets the restart window.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateStopped
	h.restartTimes = nil
	h.lastErr = nil
}

// EngineState queries what the engine believes it is running. Used by the
// health supervisor for drift detection.
func (h *Handle) EngineState(ctx context.Context) (*engine.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil, fmt.Errorf("node %s has no control connection", h.nodeID)
	}
	st, err := h.client.State(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Ping probes engine liveness through the control connection
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return fmt.Errorf("node %s has no control connection", h.nodeID)
	}
	return h.client.Ping(ctx)
}

// QueryStats returns the engine's per-user traffic counters
func (h *Handle) QueryStats(ctx context.Context) ([]types.TrafficStat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning || h.client == nil {
		return nil, fmt.Errorf("node %s is not running", h.nodeID)
	}
	return h.client.QueryStats(ctx)
}

func (h *Handle) failLocked(err error) {
	h.state = StateFailed
	h.lastErr = err
	h.logger.Error().Err(err).Msg("handle failed")
}

// pushWithRetry performs a full config replace with the retry policy
func (h *Handle) pushWithRetry(ctx context.Context, cfg *types.EngineConfig) error {
	return h.withRetry(ctx, func(opCtx context.Context) error {
		return h.client.ApplyConfig(opCtx, cfg)
	})
}

// withRetry runs op, retrying transport failures with bounded exponential
// backoff. Protocol errors and resource exhaustion are returned immediately;
// retrying cannot help either.
func (h *Handle) withRetry(ctx context.Context, op func(context.Context) error) error {
	delay := h.opts.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < h.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			timer := h.opts.Clock.Timer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !engine.IsTransport(lastErr) {
			return lastErr
		}
		h.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("transport failure, will retry")
	}
	return lastErr
}

// pruneWindow drops restart timestamps older than the rolling window
func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func shortHash(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
