// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"errors"

	"github.com/hoytech/quadrable/database"
)

// IsDetachedHead reports whether the session is in detached mode.
func (db *DB) IsDetachedHead() bool {
	return db.detachedHead
}

// Head returns the name of the checked-out head.
func (db *DB) Head() (string, error) {
	if db.detachedHead {
		return "", errDetachedHead
	}
	return db.head, nil
}

// Root returns the root hash of the checked-out head. An empty tree's root
// is 32 zero bytes.
func (db *DB) Root(t *Txn) (Key, error) {
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return Key{}, err
	}
	return db.RootOf(t, nodeID)
}

// RootOf returns the root hash of the tree rooted at [nodeID].
func (db *DB) RootOf(t *Txn, nodeID uint64) (Key, error) {
	node, err := t.parseNode(nodeID)
	if err != nil {
		return Key{}, err
	}
	return node.NodeHash(), nil
}

// Checkout switches the session to the named head.
func (db *DB) Checkout(head string) {
	db.head = head
	db.detachedHead = false
}

// CheckoutNode enters detached mode at [nodeID]. Updates then reassign the
// process-local detached pointer without touching named heads.
func (db *DB) CheckoutNode(nodeID uint64) {
	db.detachedHead = true
	db.detachedNodeID = nodeID
}

// Fork enters detached mode at the current root.
func (db *DB) Fork(t *Txn) error {
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return err
	}
	db.CheckoutNode(nodeID)
	return nil
}

// ForkTo creates the named head sharing the current root and checks it
// out.
func (db *DB) ForkTo(t *Txn, newHead string) error {
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return err
	}
	db.Checkout(newHead)
	return db.setHeadNodeID(t, nodeID)
}

// HeadNodeID returns the node id of the checked-out head's root, or 0 for
// an empty tree.
func (db *DB) HeadNodeID(t *Txn) (uint64, error) {
	if db.detachedHead {
		return db.detachedNodeID, nil
	}
	return db.NamedHeadNodeID(t, db.head)
}

// NamedHeadNodeID returns the root node id of an arbitrary named head.
func (db *DB) NamedHeadNodeID(t *Txn, head string) (uint64, error) {
	nodeID, err := database.GetUInt64(t.heads, []byte(head))
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	return nodeID, err
}

func (db *DB) setHeadNodeID(t *Txn, nodeID uint64) error {
	if db.detachedHead {
		db.detachedNodeID = nodeID
		return nil
	}
	return database.PutUInt64(t.heads, []byte(db.head), nodeID)
}

// RemoveHead deletes a named head pointer. The tree it referenced remains
// until garbage collected.
func (db *DB) RemoveHead(t *Txn, head string) error {
	return t.heads.Delete([]byte(head))
}

// Heads returns all named heads and their root node ids as a map; the
// result carries no ordering of the names.
func (db *DB) Heads(t *Txn) (map[string]uint64, error) {
	it := t.heads.NewIterator()
	defer it.Release()

	heads := make(map[string]uint64)
	for it.Next() {
		nodeID, err := database.ParseUInt64(it.Value())
		if err != nil {
			return nil, err
		}
		heads[string(it.Key())] = nodeID
	}
	return heads, it.Error()
}
