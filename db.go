// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quadrable implements an authenticated, versioned key-value store
// on a sparse binary Merkle trie. Every logical state is addressable by a
// 32-byte root; updates are copy-on-write and share unchanged subtrees with
// previous versions. Subsets of a tree can be exported as compact proofs,
// imported into an empty store, updated, merged, and synchronized
// incrementally between peers.
package quadrable

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hoytech/quadrable/database"
	"github.com/hoytech/quadrable/database/prefixdb"
	"github.com/hoytech/quadrable/database/txndb"
)

// DefaultHeadName is the head mutated by updates unless the session has
// checked out another head or entered detached mode.
const DefaultHeadName = "master"

// Table prefixes within the backing store.
var (
	headsPrefix    = []byte("head/")
	nodesPrefix    = []byte("node/")
	leafKeysPrefix = []byte("key/")
	metaPrefix     = []byte("meta/")

	lastNodeIDKey = []byte("lastNodeId")
)

// Config configures a DB.
type Config struct {
	// HeadName is the initially checked-out head. Defaults to
	// [DefaultHeadName].
	HeadName string

	// TrackKeys stores the original user key alongside each leaf so that
	// exports and diffs can report raw keys.
	TrackKeys bool

	// Log receives structured operational logging. Defaults to a no-op
	// logger.
	Log *zap.Logger

	// Reg, if non-nil, registers the store's prometheus metrics.
	Reg prometheus.Registerer
}

// DB is a handle over a backing store. A DB tracks which head is checked
// out; all tree access happens through explicitly passed transactions.
//
// A DB performs no locking of its own: write transactions must be
// exclusive, read transactions see the backing store's snapshot semantics.
type DB struct {
	kv database.Database

	trackKeys bool
	log       *zap.Logger
	metrics   quadMetrics

	head           string
	detachedHead   bool
	detachedNodeID uint64
}

// New returns a DB over [kv].
func New(kv database.Database, cfg Config) (*DB, error) {
	if cfg.HeadName == "" {
		cfg.HeadName = DefaultHeadName
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	metrics, err := newMetrics("quadrable", cfg.Reg)
	if err != nil {
		return nil, err
	}

	return &DB{
		kv:        kv,
		trackKeys: cfg.TrackKeys,
		log:       cfg.Log,
		metrics:   metrics,
		head:      cfg.HeadName,
	}, nil
}

// Txn is a transaction over the backing store. Writes are staged and reach
// the store only on Commit; Abort discards them, including any node ids
// allocated inside the transaction.
type Txn struct {
	db *DB

	kv       *txndb.Database
	heads    database.Database
	nodes    database.Database
	leafKeys database.Database
	meta     database.Database

	done bool
}

// Begin opens a transaction. The caller must finish it with Commit or
// Abort.
func (db *DB) Begin() *Txn {
	kv := txndb.New(db.kv)
	return &Txn{
		db:       db,
		kv:       kv,
		heads:    prefixdb.New(headsPrefix, kv),
		nodes:    prefixdb.New(nodesPrefix, kv),
		leafKeys: prefixdb.New(leafKeysPrefix, kv),
		meta:     prefixdb.New(metaPrefix, kv),
	}
}

// Commit atomically writes all staged changes to the backing store.
func (t *Txn) Commit() error {
	if t.done {
		return database.ErrClosed
	}
	t.done = true
	return t.kv.Commit()
}

// Abort discards all staged changes.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.kv.Abort()
}

// getNode reads the raw record of [nodeID].
func (t *Txn) getNode(nodeID uint64) ([]byte, error) {
	t.db.metrics.DatabaseNodeRead()
	return t.nodes.Get(database.PackUInt64(nodeID))
}

// writeNode stores [raw] under a freshly allocated node id. Ids are
// assigned monotonically; existing records are never overwritten.
func (t *Txn) writeNode(raw []byte) (uint64, error) {
	nodeID, err := t.nextNodeID()
	if err != nil {
		return 0, err
	}
	t.db.metrics.DatabaseNodeWrite()
	if err := t.nodes.Put(database.PackUInt64(nodeID), raw); err != nil {
		return 0, err
	}
	return nodeID, nil
}

func (t *Txn) nextNodeID() (uint64, error) {
	last, err := database.WithDefault(database.GetUInt64, t.meta, lastNodeIDKey, 0)
	if err != nil {
		return 0, err
	}
	next := last + 1
	return next, database.PutUInt64(t.meta, lastNodeIDKey, next)
}

// deleteNode removes a stored node record, along with its leaf-key side
// record. Only the garbage collector does this.
func (t *Txn) deleteNode(nodeID uint64) error {
	key := database.PackUInt64(nodeID)
	if err := t.nodes.Delete(key); err != nil {
		return err
	}
	if t.db.trackKeys {
		if err := t.leafKeys.Delete(key); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
	}
	return nil
}

// assertDepth guards against recursing past the key's bit length, which
// can only happen on a hash collision (or a bug).
func assertDepth(depth int) error {
	if depth > 255 {
		return ErrDepthLimitExceeded
	}
	return nil
}
