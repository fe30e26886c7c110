package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nodewarden/nodewarden/pkg/types"
)

var (
	// Bucket names
	bucketNodes     = []byte("nodes")
	bucketViews     = []byte("node_views")
	bucketSnapshot  = []byte("snapshot")
	bucketUsage     = []byte("usage")
	bucketUsageLog  = []byte("usage_log")
	bucketCursors   = []byte("cursors")
	bucketBaselines = []byte("baselines")
	bucketReminders = []byte("reminders")
)

var snapshotKey = []byte("current")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nodewarden.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketViews,
			bucketSnapshot,
			bucketUsage,
			bucketUsageLog,
			bucketCursors,
			bucketBaselines,
			bucketReminders,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // Same as create (upsert)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketViews).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCursors).Delete([]byte(id)); err != nil {
			return err
		}
		prefix := []byte(id + "|")
		c := tx.Bucket(bucketBaselines).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Node view operations
func (s *BoltStore) SaveNodeView(view *types.NodeView) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		data, err := json.Marshal(view)
		if err != nil {
			return err
		}
		return b.Put([]byte(view.NodeID), data)
	})
}

func (s *BoltStore) NodeView(ctx context.Context, nodeID string) (*types.NodeView, error) {
	view := &types.NodeView{NodeID: nodeID}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		data := b.Get([]byte(nodeID))
		if data == nil {
			// No overrides recorded; the default view deploys everything
			return nil
		}
		return json.Unmarshal(data, view)
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Snapshot operations
func (s *BoltStore) SaveSnapshot(snapshot *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey, data)
	})
}

func (s *BoltStore) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		data := b.Get(snapshotKey)
		if data == nil {
			return fmt.Errorf("no intent snapshot available")
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// usageKey builds the counter key for one (user, node) pair
func usageKey(username, nodeID string) []byte {
	return []byte(username + "|" + nodeID)
}

// logKey builds an append-only usage log key ordered by commit time
func logKey(username, nodeID string, ts time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	return append([]byte(username+"|"+nodeID+"|"), buf[:]...)
}

// baselineKey builds the poll-baseline key for one (node, user) pair
func baselineKey(nodeID, username string) []byte {
	return []byte(nodeID + "|" + username)
}

// CommitUsage applies a batch of usage deltas, records the observed
// counter baselines, and advances the node's poll cursor in one
// transaction. A crash before this commit loses at most one interval of
// accumulation; a crash after it cannot double-count because the
// baselines and cursor only move here.
func (s *BoltStore) CommitUsage(nodeID string, deltas []*types.UsageDelta, cursor int64) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		usage := tx.Bucket(bucketUsage)
		ulog := tx.Bucket(bucketUsageLog)
		baselines := tx.Bucket(bucketBaselines)

		for _, d := range deltas {
			key := usageKey(d.Username, d.NodeID)

			counter := types.UsageCounter{Username: d.Username, NodeID: d.NodeID}
			if data := usage.Get(key); data != nil {
				if err := json.Unmarshal(data, &counter); err != nil {
					return err
				}
			}
			counter.UplinkB += d.UplinkB
			counter.DownlinkB += d.DownlinkB
			counter.UpdatedAt = now

			data, err := json.Marshal(&counter)
			if err != nil {
				return err
			}
			if err := usage.Put(key, data); err != nil {
				return err
			}

			entry, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := ulog.Put(logKey(d.Username, d.NodeID, now), entry); err != nil {
				return err
			}

			base, err := json.Marshal(&types.TrafficStat{
				Username:  d.Username,
				UplinkB:   d.ObservedUplinkB,
				DownlinkB: d.ObservedDownlinkB,
			})
			if err != nil {
				return err
			}
			if err := baselines.Put(baselineKey(d.NodeID, d.Username), base); err != nil {
				return err
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(cursor))
		return tx.Bucket(bucketCursors).Put([]byte(nodeID), buf[:])
	})
}

// Baselines returns the committed counter baselines for one node, keyed
// by username. Empty map when the node has no committed usage yet.
func (s *BoltStore) Baselines(nodeID string) (map[string]types.TrafficStat, error) {
	out := make(map[string]types.TrafficStat)
	prefix := []byte(nodeID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBaselines).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stat types.TrafficStat
			if err := json.Unmarshal(v, &stat); err != nil {
				return err
			}
			out[stat.Username] = stat
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetCursor returns the node's poll cursor, zero if none committed yet
func (s *BoltStore) GetCursor(nodeID string) (int64, error) {
	var cursor int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCursors).Get([]byte(nodeID))
		if data != nil {
			cursor = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return cursor, err
}

// GetUsageCounter returns the accumulated counter for one (user, node) pair
func (s *BoltStore) GetUsageCounter(username, nodeID string) (*types.UsageCounter, error) {
	counter := &types.UsageCounter{Username: username, NodeID: nodeID}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsage).Get(usageKey(username, nodeID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, counter)
	})
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// GetUsage sums the user's committed usage-log entries across all nodes
// within the window
func (s *BoltStore) GetUsage(username string, window types.UsageWindow) (int64, int64, error) {
	var uplink, downlink int64
	prefix := []byte(username + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsageLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ts := logTimestamp(k)
			if !window.Start.IsZero() && ts.Before(window.Start) {
				continue
			}
			if !window.End.IsZero() && ts.After(window.End) {
				continue
			}
			var d types.UsageDelta
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			uplink += d.UplinkB
			downlink += d.DownlinkB
		}
		return nil
	})
	return uplink, downlink, err
}

// ResetUsage zeroes the user's counters on every node and starts a new
// reset epoch. Triggered by a calendar boundary or explicit admin action,
// both decided outside this core.
func (s *BoltStore) ResetUsage(username string) error {
	epoch := time.Now().Unix()
	prefix := []byte(username + "|")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var counter types.UsageCounter
			if err := json.Unmarshal(v, &counter); err != nil {
				return err
			}
			counter.UplinkB = 0
			counter.DownlinkB = 0
			counter.ResetEpoch = epoch
			counter.UpdatedAt = time.Now()
			data, err := json.Marshal(&counter)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkReminder records a threshold-fact emission; reports true when newly
// marked so each threshold fires once per epoch
func (s *BoltStore) MarkReminder(username, kind string, threshold int, epoch int64) (bool, error) {
	key := []byte(fmt.Sprintf("%s|%s|%d|%d", username, kind, threshold, epoch))
	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReminders)
		if b.Get(key) != nil {
			return nil
		}
		isNew = true
		return b.Put(key, []byte{1})
	})
	return isNew, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// logTimestamp extracts the commit time from a usage-log key
func logTimestamp(k []byte) time.Time {
	if len(k) < 8 {
		return time.Time{}
	}
	nanos := binary.BigEndian.Uint64(k[len(k)-8:])
	return time.Unix(0, int64(nanos))
}
