// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"go.uber.org/zap"

	"github.com/hoytech/quadrable/database"
	"github.com/hoytech/quadrable/utils/set"
)

// GarbageCollector reclaims node records unreachable from any head. Mark
// every tree rooted at a named head (plus the detached head, if any), then
// sweep the node table deleting everything unmarked.
//
// GC runs under a single writer transaction. Other transactions read the
// base store directly, not a snapshot, so one opened before the sweep
// commits can find the swept nodes missing afterwards.
type GarbageCollector struct {
	db          *DB
	markedNodes set.Set[uint64]
}

// GCStats reports one sweep.
type GCStats struct {
	Total     uint64
	Collected uint64
}

// NewGarbageCollector returns a collector with an empty mark set.
func NewGarbageCollector(db *DB) *GarbageCollector {
	return &GarbageCollector{
		db:          db,
		markedNodes: set.NewSet[uint64](0),
	}
}

// MarkAllHeads marks every tree reachable from a named head, and from the
// detached head when the session has one.
func (gc *GarbageCollector) MarkAllHeads(t *Txn) error {
	heads, err := gc.db.Heads(t)
	if err != nil {
		return err
	}
	for _, rootNodeID := range heads {
		if err := gc.MarkTree(t, rootNodeID); err != nil {
			return err
		}
	}

	if gc.db.detachedHead {
		return gc.MarkTree(t, gc.db.detachedNodeID)
	}
	return nil
}

// MarkTree marks every node reachable from [rootNodeID]. Subtrees already
// marked are skipped: distinct heads share structure.
func (gc *GarbageCollector) MarkTree(t *Txn, rootNodeID uint64) error {
	return gc.db.WalkTree(t, rootNodeID, func(node *ParsedNode, _ int) bool {
		if gc.markedNodes.Contains(node.NodeID) {
			return false
		}
		gc.markedNodes.Add(node.NodeID)
		return true
	})
}

// Sweep deletes every stored node whose id is unmarked. When [veto] is
// non-nil, ids it returns false for are retained.
func (gc *GarbageCollector) Sweep(t *Txn, veto func(nodeID uint64) bool) (GCStats, error) {
	var stats GCStats

	it := t.nodes.NewIterator()
	defer it.Release()

	for it.Next() {
		stats.Total++
		nodeID, err := database.ParseUInt64(it.Key())
		if err != nil {
			return stats, err
		}
		if gc.markedNodes.Contains(nodeID) {
			continue
		}
		if veto != nil && !veto(nodeID) {
			continue
		}
		if err := t.deleteNode(nodeID); err != nil {
			return stats, err
		}
		stats.Collected++
	}
	if err := it.Error(); err != nil {
		return stats, err
	}

	gc.db.log.Debug("gc sweep complete",
		zap.Uint64("total", stats.Total),
		zap.Uint64("collected", stats.Collected),
	)
	return stats, nil
}

// GC is the common mark-then-sweep sequence.
func (db *DB) GC(t *Txn) (GCStats, error) {
	gc := NewGarbageCollector(db)
	if err := gc.MarkAllHeads(t); err != nil {
		return GCStats{}, err
	}
	return gc.Sweep(t, nil)
}
