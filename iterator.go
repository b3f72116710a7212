// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

// Iterator yields the tree's leaves in ascending (or descending) keyHash
// order, starting at the first leaf at or past a target key. It holds
// ParsedNodes, so it must not outlive its transaction.
type Iterator struct {
	db      *DB
	t       *Txn
	stack   []*ParsedNode
	reverse bool
}

// IteratorCheckpoint is a compact saved iterator position that can be
// restored against a different transaction.
type IteratorCheckpoint struct {
	Target  Key
	Reverse bool
	AtEnd   bool
}

// Iterate returns an iterator positioned at the first leaf whose keyHash
// is >= [target] (or <= when [reverse]).
func (db *DB) Iterate(t *Txn, target Key, reverse bool) (*Iterator, error) {
	nodeID, err := db.HeadNodeID(t)
	if err != nil {
		return nil, err
	}
	return db.iterateFrom(t, nodeID, target, reverse)
}

func (db *DB) iterateFrom(t *Txn, nodeID uint64, target Key, reverse bool) (*Iterator, error) {
	it := &Iterator{db: db, t: t, reverse: reverse}

	if err := it.push(nodeID); err != nil {
		return nil, err
	}

	// Descend along the target's bits. If the target's side of a branch is
	// empty, bias into the other side: taking its extreme leaf nearest the
	// target.
	leftBias := false
	for it.top().IsBranch() {
		node := it.top()
		nextNodeID := node.LeftID
		if target.Bit(len(it.stack) - 1) {
			nextNodeID = node.RightID
		}
		if nextNodeID == 0 {
			if node.LeftID != 0 {
				nextNodeID = node.LeftID
				leftBias = false
			} else {
				nextNodeID = node.RightID
				leftBias = true
			}
			if err := it.push(nextNodeID); err != nil {
				return nil, err
			}
			break
		}
		if err := it.push(nextNodeID); err != nil {
			return nil, err
		}
	}

	if err := it.descend(leftBias); err != nil {
		return nil, err
	}

	// The discovered leaf can be on the wrong side of the target: step
	// once.
	if !it.AtEnd() {
		leafKeyHash := it.top().LeafKeyHash()
		onWrongSide := leafKeyHash.Less(target)
		if reverse {
			onWrongSide = target.Less(leafKeyHash)
		}
		if onWrongSide {
			if err := it.Next(); err != nil {
				return nil, err
			}
		}
	}

	return it, nil
}

// Node returns the leaf at the current position.
func (it *Iterator) Node() *ParsedNode {
	if len(it.stack) == 0 {
		return &ParsedNode{}
	}
	return it.stack[len(it.stack)-1]
}

// AtEnd reports whether the iteration is exhausted.
func (it *Iterator) AtEnd() bool {
	return len(it.stack) == 0 || it.stack[len(it.stack)-1].NodeID == 0
}

// Next advances to the following leaf: pop until an ancestor has an
// unexplored side, then descend into that side's nearest leaf.
func (it *Iterator) Next() error {
	for {
		if len(it.stack) == 0 {
			return nil
		}
		prev := it.top()
		it.stack = it.stack[:len(it.stack)-1]

		if len(it.stack) == 0 {
			return nil
		}
		parent := it.top()
		if !parent.IsBranch() {
			continue
		}

		next := parent.RightID
		if it.reverse {
			next = parent.LeftID
		}
		if next == 0 || next == prev.NodeID {
			// That side is empty or already explored.
			continue
		}

		if err := it.push(next); err != nil {
			return err
		}
		return it.descend(!it.reverse)
	}
}

// Save captures the iterator's position.
func (it *Iterator) Save() IteratorCheckpoint {
	cp := IteratorCheckpoint{Reverse: it.reverse}
	if it.AtEnd() {
		cp.AtEnd = true
		return cp
	}
	cp.Target = it.top().LeafKeyHash()
	return cp
}

// RestoreIterator rebuilds an iterator at a checkpoint, possibly against a
// different transaction.
func (db *DB) RestoreIterator(t *Txn, cp IteratorCheckpoint) (*Iterator, error) {
	if cp.AtEnd {
		return &Iterator{db: db, t: t, reverse: cp.Reverse}, nil
	}
	return db.Iterate(t, cp.Target, cp.Reverse)
}

func (it *Iterator) top() *ParsedNode {
	return it.stack[len(it.stack)-1]
}

func (it *Iterator) push(nodeID uint64) error {
	node, err := it.t.parseNode(nodeID)
	if err != nil {
		return err
	}
	if node.IsWitness() {
		return ErrIncompleteTree
	}
	it.stack = append(it.stack, node)
	return nil
}

// descend walks to the extreme leaf of the current subtree: left-most when
// [leftBias], right-most otherwise, falling back to the other side where a
// child is empty.
func (it *Iterator) descend(leftBias bool) error {
	for len(it.stack) > 0 && it.top().IsBranch() {
		node := it.top()

		next := node.RightID
		if leftBias {
			next = node.LeftID
		}
		if next == 0 {
			if leftBias {
				next = node.RightID
			} else {
				next = node.LeftID
			}
		}
		if err := it.push(next); err != nil {
			return err
		}
	}
	return nil
}
