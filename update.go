// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"bytes"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var errUpdateSetConsumed = errors.New("update set already applied")

// update is one pending mutation, keyed by keyHash.
type update struct {
	keyHash  Key
	key      []byte // original user key, kept only when trackKeys is set
	val      []byte
	deletion bool

	// nodeID forces re-use of an existing stored node. Set when a leaf is
	// split and re-placed at a deeper position.
	nodeID uint64
}

// UpdateSet accumulates put and del operations. Multiple operations on the
// same key collapse last-write-wins. An UpdateSet is consumed by Apply and
// must not be reused.
type UpdateSet struct {
	db      *DB
	m       map[Key]update
	err     error
	applied bool
}

// Change returns a new update builder.
func (db *DB) Change() *UpdateSet {
	return &UpdateSet{
		db: db,
		m:  make(map[Key]update),
	}
}

// Put records an insert/overwrite of a raw key.
func (u *UpdateSet) Put(key, val []byte) *UpdateSet {
	if len(key) == 0 {
		u.err = ErrZeroLengthKey
		return u
	}
	var trackedKey []byte
	if u.db.trackKeys {
		trackedKey = slices.Clone(key)
	}
	keyHash := HashKey(key)
	u.m[keyHash] = update{
		keyHash: keyHash,
		key:     trackedKey,
		val:     slices.Clone(val),
	}
	return u
}

// PutKey records an insert/overwrite of a pre-hashed key.
func (u *UpdateSet) PutKey(keyHash Key, val []byte) *UpdateSet {
	u.m[keyHash] = update{
		keyHash: keyHash,
		val:     slices.Clone(val),
	}
	return u
}

// Del records a deletion of a raw key. Deleting an absent key is a no-op.
func (u *UpdateSet) Del(key []byte) *UpdateSet {
	if len(key) == 0 {
		u.err = ErrZeroLengthKey
		return u
	}
	keyHash := HashKey(key)
	u.m[keyHash] = update{
		keyHash:  keyHash,
		deletion: true,
	}
	return u
}

// DelKey records a deletion of a pre-hashed key.
func (u *UpdateSet) DelKey(keyHash Key) *UpdateSet {
	u.m[keyHash] = update{
		keyHash:  keyHash,
		deletion: true,
	}
	return u
}

// Len returns the number of distinct keys in the set.
func (u *UpdateSet) Len() int {
	return len(u.m)
}

// Apply commits the accumulated operations against the checked-out head,
// rebuilding the touched path copy-on-write and installing the new root.
func (u *UpdateSet) Apply(t *Txn) error {
	switch {
	case u.err != nil:
		return u.err
	case u.applied:
		return errUpdateSetConsumed
	}
	u.applied = true

	updates := maps.Values(u.m)
	slices.SortFunc(updates, func(a, b update) int {
		return a.keyHash.Compare(b.keyHash)
	})

	oldNodeID, err := u.db.HeadNodeID(t)
	if err != nil {
		return err
	}

	bubbleUp := false
	newNode, err := u.db.putAux(t, 0, oldNodeID, updates, &bubbleUp)
	if err != nil {
		return err
	}

	if newNode.id != oldNodeID {
		if err := u.db.setHeadNodeID(t, newNode.id); err != nil {
			return err
		}
	}

	u.db.log.Debug("applied update batch",
		zap.Int("updates", len(updates)),
		zap.Uint64("rootNodeId", newNode.id),
		zap.Stringer("root", newNode.nodeHash),
	)
	return nil
}

// Put is a single-key convenience wrapper.
func (db *DB) Put(t *Txn, key, val []byte) error {
	return db.Change().Put(key, val).Apply(t)
}

// Del is a single-key convenience wrapper.
func (db *DB) Del(t *Txn, key []byte) error {
	return db.Change().Del(key).Apply(t)
}

// putLeaf writes the leaf for [u], or re-uses the stored node [u] points
// at.
func (t *Txn) putLeaf(u update) (builtNode, error) {
	if u.nodeID != 0 {
		node, err := t.parseNode(u.nodeID)
		if err != nil {
			return builtNode{}, err
		}
		return reuseNode(node), nil
	}
	return t.newLeafNode(u.keyHash, u.val, u.key)
}

// putAux rebuilds the subtree at [nodeID] (depth [depth]) so that it
// reflects the sorted [window] of updates. All writes allocate new node
// ids; the existing subtree is untouched. [bubbleUp] is set when the
// returned node must be re-examined by the caller for collapse.
func (db *DB) putAux(t *Txn, depth int, nodeID uint64, window []update, bubbleUp *bool) (builtNode, error) {
	node, err := t.parseNode(nodeID)
	if err != nil {
		return builtNode{}, err
	}
	checkBubble := false

	// recursion base cases

	if len(window) == 0 {
		return reuseNode(node), nil
	}

	switch {
	case node.IsWitness():
		return builtNode{}, ErrWitnessEncountered

	case node.IsEmpty():
		window = dropDeletions(window, nil, nil)

		if len(window) == 0 {
			// All updates for this sub-tree were deletions for keys that
			// don't exist, so do nothing.
			return reuseNode(node), nil
		}

		if len(window) == 1 {
			return t.putLeaf(window[0])
		}

	case node.IsLeaf():
		leafKeyHash := node.LeafKeyHash()

		if len(window) == 1 && window[0].keyHash == leafKeyHash {
			// Update an existing record
			u := window[0]

			if u.deletion {
				*bubbleUp = true
				return emptyBuiltNode(), nil
			}

			if node.NodeType == NodeTypeLeaf && bytes.Equal(u.val, node.LeafVal()) {
				// No change to this leaf, so do nothing. Don't do this for
				// WitnessLeaf nodes, since we need to upgrade them to
				// leaves.
				return reuseNode(node), nil
			}

			return t.putLeaf(u)
		}

		deleteThisLeaf := false
		window = dropDeletions(window, &checkBubble, func(u update) {
			if u.keyHash == leafKeyHash {
				deleteThisLeaf = true
			}
		})

		if len(window) == 0 {
			if deleteThisLeaf {
				// The only update for this sub-tree was to delete this key
				*bubbleUp = true
				return emptyBuiltNode(), nil
			}
			// All updates for this sub-tree were deletions for keys that
			// don't exist, so do nothing.
			return reuseNode(node), nil
		}

		// The leaf needs to get split into a branch, so add it into our
		// update window to get re-placed further down (unless it itself was
		// deleted). The entry re-uses the stored node id, and is skipped if
		// an update for this key is already pending.
		if !deleteThisLeaf {
			window = insertUpdate(window, update{
				keyHash: leafKeyHash,
				nodeID:  node.NodeID,
			})
		}
	}

	// Split into left and right groups of keys

	mid := 0
	for mid < len(window) && !window[mid].keyHash.Bit(depth) {
		mid++
	}

	// Recurse

	if err := assertDepth(depth); err != nil {
		return builtNode{}, err
	}

	leftNode, err := db.putAux(t, depth+1, node.LeftID, window[:mid], &checkBubble)
	if err != nil {
		return builtNode{}, err
	}
	rightNode, err := db.putAux(t, depth+1, node.RightID, window[mid:], &checkBubble)
	if err != nil {
		return builtNode{}, err
	}

	if checkBubble {
		switch {
		case leftNode.isWitness() || rightNode.isWitness():
			// We don't know if one of the nodes is a branch or a leaf
			return builtNode{}, ErrCannotBubbleWitness
		case leftNode.isEmpty() && rightNode.isEmpty():
			*bubbleUp = true
			return emptyBuiltNode(), nil
		case leftNode.isLeaf() && rightNode.isEmpty():
			*bubbleUp = true
			n, err := t.parseNode(leftNode.id)
			if err != nil {
				return builtNode{}, err
			}
			return reuseNode(n), nil
		case leftNode.isEmpty() && rightNode.isLeaf():
			*bubbleUp = true
			n, err := t.parseNode(rightNode.id)
			if err != nil {
				return builtNode{}, err
			}
			return reuseNode(n), nil
		}

		// One of the nodes is a branch, or both are leaves, so bubbling can
		// stop
	}

	return t.newBranchNode(leftNode, rightNode)
}

// dropDeletions returns [window] without its deletion entries. The input
// backing array is shared with sibling windows and is never mutated.
func dropDeletions(window []update, checkBubble *bool, onDeletion func(update)) []update {
	kept := make([]update, 0, len(window))
	for _, u := range window {
		if u.deletion {
			if checkBubble != nil {
				// The caller re-checks this subtree after handling changes
				// further down; it may require bubbling up.
				*checkBubble = true
			}
			if onDeletion != nil {
				onDeletion(u)
			}
			continue
		}
		kept = append(kept, u)
	}
	return kept
}

// insertUpdate places [u] into the sorted [window], keeping any pending
// update for the same key, in which case [window] is returned as is.
// Never mutates [window]: the backing array may be shared.
func insertUpdate(window []update, u update) []update {
	i, found := slices.BinarySearchFunc(window, u, func(a, b update) int {
		return a.keyHash.Compare(b.keyHash)
	})
	if found {
		return window
	}
	out := make([]update, 0, len(window)+1)
	out = append(out, window[:i]...)
	out = append(out, u)
	return append(out, window[i:]...)
}
