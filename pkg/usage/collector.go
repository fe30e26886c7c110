package usage

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nodewarden/nodewarden/pkg/events"
	"github.com/nodewarden/nodewarden/pkg/handle"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/metrics"
	"github.com/nodewarden/nodewarden/pkg/registry"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// Store is the durable side of usage collection. Baselines and GetCursor
// restore a restarted collector to the last committed counter positions.
type Store interface {
	CommitUsage(nodeID string, deltas []*types.UsageDelta, cursor int64) error
	Baselines(nodeID string) (map[string]types.TrafficStat, error)
	GetCursor(nodeID string) (int64, error)
	MarkReminder(username, kind string, threshold int, epoch int64) (bool, error)
}

// UserSource provides the user view needed for threshold observations
type UserSource interface {
	Snapshot(ctx context.Context) (*types.Snapshot, error)
}

// Options tunes collection behavior
type Options struct {
	// PollInterval between traffic-stat polls
	PollInterval time.Duration

	// CommitInterval between durable commits of accumulated deltas
	CommitInterval time.Duration

	// RequestTimeout bounds one stat poll against one node
	RequestTimeout time.Duration

	// UsageThresholds are data-usage percentages reported as facts when
	// first reached within a quota window
	UsageThresholds []int

	// DaysLeftThresholds are expiry reminders reported when the remaining
	// days first drop to the threshold
	DaysLeftThresholds []int

	// Clock is injectable for tests
	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval == 0 {
		out.PollInterval = 10 * time.Second
	}
	if out.CommitInterval == 0 {
		out.CommitInterval = 30 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 5 * time.Second
	}
	if out.UsageThresholds == nil {
		out.UsageThresholds = []int{80, 90, 100}
	}
	if out.DaysLeftThresholds == nil {
		out.DaysLeftThresholds = []int{7, 3, 1}
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Collector polls traffic counters from every running engine and commits
// usage deltas with accumulate-then-commit semantics: deltas pile up in
// memory between commits, and each node's poll cursor advances only after
// a successful durable commit.
type Collector struct {
	registry *registry.Registry
	store    Store
	source   UserSource
	broker   *events.Broker
	opts     Options
	logger   *zerolog.Logger

	// Owned by the collector goroutine between Start and Stop; tests
	// drive Poll/Commit directly instead.
	lastSeen map[string]map[string]types.TrafficStat
	pending  map[string]map[string]*types.UsageDelta
	lastPoll map[string]int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a collector over the given registry
func New(reg *registry.Registry, store Store, source UserSource, broker *events.Broker, opts Options) *Collector {
	return &Collector{
		registry: reg,
		store:    store,
		source:   source,
		broker:   broker,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("usage"),
		lastSeen: make(map[string]map[string]types.TrafficStat),
		pending:  make(map[string]map[string]*types.UsageDelta),
		lastPoll: make(map[string]int64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the poll/commit loops
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the loops and flushes the pending accumulation within the
// grace period carried by ctx
func (c *Collector) Stop(ctx context.Context) {
	close(c.stopCh)
	<-c.doneCh
	c.Commit(ctx)
}

func (c *Collector) run() {
	defer close(c.doneCh)

	pollTicker := c.opts.Clock.Ticker(c.opts.PollInterval)
	defer pollTicker.Stop()
	commitTicker := c.opts.Clock.Ticker(c.opts.CommitInterval)
	defer commitTicker.Stop()

	for {
		select {
		case <-pollTicker.C:
			c.Poll(context.Background())
		case <-commitTicker.C:
			c.Commit(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Poll reads traffic counters from every running node and accumulates
// deltas in memory. Nothing is lost on poll errors: a node that cannot be
// polled simply contributes no delta this interval.
func (c *Collector) Poll(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.UsagePollDuration.Observe(time.Since(start).Seconds())
		metrics.TaskCyclesTotal.WithLabelValues("usage_poll").Inc()
	}()

	for _, entry := range c.registry.Snapshot() {
		if !entry.Node.Enabled || entry.Handle.State() != handle.StateRunning {
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		stats, err := entry.Handle.QueryStats(pollCtx)
		cancel()
		if err != nil {
			log.WithNodeID(entry.Node.ID).Warn().Err(err).Msg("stat poll failed")
			continue
		}

		c.accumulate(entry.Node, stats)
		c.lastPoll[entry.Node.ID] = c.opts.Clock.Now().UnixNano()
	}
}

// accumulate folds one node's counter sample into the pending deltas
func (c *Collector) accumulate(node *types.Node, stats []types.TrafficStat) {
	seen := c.lastSeen[node.ID]
	if seen == nil {
		seen = c.loadBaselines(node.ID)
		c.lastSeen[node.ID] = seen
	}
	nodePending := c.pending[node.ID]
	if nodePending == nil {
		nodePending = make(map[string]*types.UsageDelta)
		c.pending[node.ID] = nodePending
	}

	for _, stat := range stats {
		prev := seen[stat.Username]

		up := stat.UplinkB - prev.UplinkB
		down := stat.DownlinkB - prev.DownlinkB
		if stat.UplinkB < prev.UplinkB || stat.DownlinkB < prev.DownlinkB {
			// Engine restarted and its internal counter reset: the new
			// value is fresh traffic in full, never a negative delta.
			up = stat.UplinkB
			down = stat.DownlinkB
			metrics.CounterResetsTotal.Inc()
			log.WithNodeID(node.ID).Info().Str("username", stat.Username).Msg("engine counter reset observed")
		}
		seen[stat.Username] = stat

		if up == 0 && down == 0 {
			continue
		}
		if node.UsageCoefficient > 0 && node.UsageCoefficient != 1 {
			up = int64(float64(up) * node.UsageCoefficient)
			down = int64(float64(down) * node.UsageCoefficient)
		}

		d := nodePending[stat.Username]
		if d == nil {
			d = &types.UsageDelta{Username: stat.Username, NodeID: node.ID}
			nodePending[stat.Username] = d
		}
		d.UplinkB += up
		d.DownlinkB += down
		d.ObservedUplinkB = stat.UplinkB
		d.ObservedDownlinkB = stat.DownlinkB
	}
}

// loadBaselines seeds a node's last-seen counters from the committed
// baselines, so a restarted collector counts only traffic since the last
// durable commit. Also restores the node's poll cursor.
func (c *Collector) loadBaselines(nodeID string) map[string]types.TrafficStat {
	if _, ok := c.lastPoll[nodeID]; !ok {
		cursor, err := c.store.GetCursor(nodeID)
		if err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to load poll cursor")
		} else if cursor != 0 {
			c.lastPoll[nodeID] = cursor
		}
	}

	seen, err := c.store.Baselines(nodeID)
	if err != nil {
		log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to load usage baselines")
		return make(map[string]types.TrafficStat)
	}
	if seen == nil {
		seen = make(map[string]types.TrafficStat)
	}
	if len(seen) > 0 {
		log.WithNodeID(nodeID).Debug().Int("users", len(seen)).Msg("usage baselines restored")
	}
	return seen
}

// Commit durably writes the pending accumulation per node and advances
// each node's poll cursor. A failed commit keeps the node's deltas pending
// for the next interval.
func (c *Collector) Commit(ctx context.Context) {
	committed := false
	for nodeID, nodePending := range c.pending {
		if len(nodePending) == 0 {
			continue
		}
		deltas := make([]*types.UsageDelta, 0, len(nodePending))
		var up, down int64
		for _, d := range nodePending {
			deltas = append(deltas, d)
			up += d.UplinkB
			down += d.DownlinkB
		}

		if err := c.store.CommitUsage(nodeID, deltas, c.lastPoll[nodeID]); err != nil {
			log.WithNodeID(nodeID).Error().Err(err).Msg("usage commit failed, deltas stay pending")
			continue
		}
		delete(c.pending, nodeID)
		committed = true

		metrics.UsageCommittedBytes.WithLabelValues("uplink").Add(float64(up))
		metrics.UsageCommittedBytes.WithLabelValues("downlink").Add(float64(down))
		log.WithNodeID(nodeID).Debug().Int("users", len(deltas)).Msg("usage committed")
	}

	metrics.TaskCyclesTotal.WithLabelValues("usage_commit").Inc()
	if committed {
		c.observeThresholds(ctx)
	}
}

// observeThresholds emits threshold-crossing facts to the policy
// collaborator. The collector reports observations only; quota enforcement
// and plan resets are decided elsewhere.
func (c *Collector) observeThresholds(ctx context.Context) {
	snapshot, err := c.source.Snapshot(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("snapshot read failed, skipping threshold observations")
		return
	}

	now := c.opts.Clock.Now()
	for _, user := range snapshot.Users {
		if user.Status != types.UserStatusActive {
			continue
		}

		if user.DataLimit > 0 {
			pct := int(user.UsedTraffic * 100 / user.DataLimit)
			for _, threshold := range c.opts.UsageThresholds {
				if pct < threshold {
					continue
				}
				c.emit(user, "usage_percent", threshold, int64(pct))
			}
		}

		if !user.ExpireAt.IsZero() && user.ExpireAt.After(now) {
			daysLeft := int(user.ExpireAt.Sub(now).Hours() / 24)
			for _, threshold := range c.opts.DaysLeftThresholds {
				if daysLeft > threshold {
					continue
				}
				c.emit(user, "days_left", threshold, int64(daysLeft))
			}
		}
	}
}

// emit publishes one threshold fact, deduplicated per quota window
func (c *Collector) emit(user *types.User, kind string, threshold int, value int64) {
	isNew, err := c.store.MarkReminder(user.Username, kind, threshold, user.DataEpoch)
	if err != nil {
		log.WithUsername(user.Username).Warn().Err(err).Msg("failed to mark reminder")
		return
	}
	if !isNew {
		return
	}

	eventType := events.EventUsageThreshold
	if kind == "days_left" {
		eventType = events.EventDaysLeft
	}
	c.broker.Publish(&events.Event{
		Type:     eventType,
		Username: user.Username,
		Trigger:  kind,
		Value:    value,
	})
	log.WithUsername(user.Username).Info().
		Str("trigger", kind).
		Int("threshold", threshold).
		Int64("value", value).
		Msg("threshold fact emitted")
}
