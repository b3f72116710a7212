// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"golang.org/x/exp/slices"
)

// GetResult is one slot of a multi-key lookup. Val borrows backend storage
// and is only valid for the lifetime of the transaction.
type GetResult struct {
	Exists bool
	Val    []byte
	NodeID uint64
}

type getQueryEntry struct {
	keyHash Key
	res     *GetResult
}

// Get returns the value stored under a raw key.
func (db *DB) Get(t *Txn, key []byte) ([]byte, bool, error) {
	return db.GetKey(t, HashKey(key))
}

// GetKey returns the value stored under a pre-hashed key.
func (db *DB) GetKey(t *Txn, keyHash Key) ([]byte, bool, error) {
	res := &GetResult{}
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return nil, false, err
	}
	if err := db.getMultiAux(t, 0, nodeID, []getQueryEntry{{keyHash, res}}); err != nil {
		return nil, false, err
	}
	return res.Val, res.Exists, nil
}

// GetMulti resolves every raw key in [query] against the checked-out head
// with a single traversal that visits each touched subtree once.
func (db *DB) GetMulti(t *Txn, query map[string]*GetResult) error {
	entries := make([]getQueryEntry, 0, len(query))
	for key, res := range query {
		entries = append(entries, getQueryEntry{HashKey([]byte(key)), res})
	}
	return db.getMulti(t, entries)
}

// GetMultiKeys is GetMulti for pre-hashed keys.
func (db *DB) GetMultiKeys(t *Txn, query map[Key]*GetResult) error {
	entries := make([]getQueryEntry, 0, len(query))
	for keyHash, res := range query {
		entries = append(entries, getQueryEntry{keyHash, res})
	}
	return db.getMulti(t, entries)
}

func (db *DB) getMulti(t *Txn, entries []getQueryEntry) error {
	slices.SortFunc(entries, func(a, b getQueryEntry) int {
		return a.keyHash.Compare(b.keyHash)
	})

	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return err
	}
	return db.getMultiAux(t, 0, nodeID, entries)
}

func (db *DB) getMultiAux(t *Txn, depth int, nodeID uint64, window []getQueryEntry) error {
	if len(window) == 0 {
		return nil
	}

	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	switch {
	case node.IsEmpty():
		for _, e := range window {
			e.res.Exists = false
		}

	case node.IsLeaf():
		leafKeyHash := node.LeafKeyHash()
		for _, e := range window {
			if e.keyHash == leafKeyHash {
				if node.NodeType == NodeTypeWitnessLeaf {
					return ErrIncompleteTree
				}
				e.res.Exists = true
				e.res.Val = node.LeafVal()
				e.res.NodeID = node.NodeID
			} else {
				e.res.Exists = false
			}
		}

	case node.IsBranch():
		mid := 0
		for mid < len(window) && !window[mid].keyHash.Bit(depth) {
			mid++
		}

		if err := assertDepth(depth); err != nil {
			return err
		}

		if err := db.getMultiAux(t, depth+1, node.LeftID, window[:mid]); err != nil {
			return err
		}
		return db.getMultiAux(t, depth+1, node.RightID, window[mid:])

	default:
		return ErrIncompleteTree
	}

	return nil
}
