// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

// WalkFunc visits one node. Returning false short-circuits the subtree
// below it.
type WalkFunc func(node *ParsedNode, depth int) bool

// WalkHead walks the checked-out head's tree depth-first. Empty nodes are
// not visited.
func (db *DB) WalkHead(t *Txn, cb WalkFunc) error {
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return err
	}
	return db.WalkTree(t, nodeID, cb)
}

// WalkTree walks the tree rooted at [nodeID] depth-first.
func (db *DB) WalkTree(t *Txn, nodeID uint64, cb WalkFunc) error {
	return db.walkTreeAux(t, cb, nodeID, 0)
}

func (db *DB) walkTreeAux(t *Txn, cb WalkFunc, nodeID uint64, depth int) error {
	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	if node.IsEmpty() {
		return nil
	}

	if !cb(node, depth) {
		return nil
	}

	if node.IsBranch() {
		if err := assertDepth(depth); err != nil {
			return err
		}

		if err := db.walkTreeAux(t, cb, node.LeftID, depth+1); err != nil {
			return err
		}
		return db.walkTreeAux(t, cb, node.RightID, depth+1)
	}
	return nil
}
