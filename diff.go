// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"bytes"

	"golang.org/x/exp/slices"
)

// DiffRecord is one element of a key-level delta between two roots.
// Applying the record stream as a patch over the first root yields the
// second.
type DiffRecord struct {
	KeyHash  Key
	Key      []byte // original user key, when tracked
	Val      []byte // new value if insertion, old value if deletion
	Deletion bool
}

// Diff produces the records that transform the tree at [nodeIDA] into the
// tree at [nodeIDB]. Witnesses on either side abort the traversal.
func (db *DB) Diff(t *Txn, nodeIDA, nodeIDB uint64) ([]DiffRecord, error) {
	var output []DiffRecord
	if err := db.diffAux(t, nodeIDA, nodeIDB, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// Patch applies a record stream produced by Diff.
func (db *DB) Patch(t *Txn, records []DiffRecord) error {
	change := db.Change()
	for _, rec := range records {
		switch {
		case rec.Deletion && len(rec.Key) != 0:
			change.Del(rec.Key)
		case rec.Deletion:
			change.DelKey(rec.KeyHash)
		case len(rec.Key) != 0:
			change.Put(rec.Key, rec.Val)
		default:
			change.PutKey(rec.KeyHash, rec.Val)
		}
	}
	return change.Apply(t)
}

func (db *DB) diffPush(t *Txn, node *ParsedNode, output *[]DiffRecord, deletion bool) error {
	key, _, err := t.LeafKey(node.NodeID)
	if err != nil {
		return err
	}

	*output = append(*output, DiffRecord{
		KeyHash:  node.LeafKeyHash(),
		Key:      key,
		Val:      slices.Clone(node.LeafVal()),
		Deletion: deletion,
	})
	return nil
}

// diffWalk visits every leaf below [nodeID].
func (db *DB) diffWalk(t *Txn, nodeID uint64, cb func(*ParsedNode) error) error {
	var walkErr error
	err := db.WalkTree(t, nodeID, func(node *ParsedNode, _ int) bool {
		if walkErr != nil {
			return false
		}
		if node.IsWitnessAny() {
			walkErr = ErrWitnessEncountered
			return false
		}
		if node.IsLeaf() {
			if err := cb(node); err != nil {
				walkErr = err
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return walkErr
}

func (db *DB) diffAux(t *Txn, nodeIDA, nodeIDB uint64, output *[]DiffRecord) error {
	if nodeIDA == nodeIDB {
		return nil
	}

	nodeA, err := t.parseNode(nodeIDA)
	if err != nil {
		return err
	}
	nodeB, err := t.parseNode(nodeIDB)
	if err != nil {
		return err
	}

	if nodeA.IsWitnessAny() || nodeB.IsWitnessAny() {
		return ErrWitnessEncountered
	}

	switch {
	case nodeA.IsBranch() && nodeB.IsBranch():
		if err := db.diffAux(t, nodeA.LeftID, nodeB.LeftID, output); err != nil {
			return err
		}
		return db.diffAux(t, nodeA.RightID, nodeB.RightID, output)

	case nodeB.IsBranch():
		// All keys in B were added (except maybe if A is a leaf)
		foundLeaf := false
		if err := db.diffWalk(t, nodeIDB, func(node *ParsedNode) error {
			if nodeA.IsLeaf() && node.LeafKeyHash() == nodeA.LeafKeyHash() {
				foundLeaf = true
				if !bytes.Equal(node.LeafVal(), nodeA.LeafVal()) {
					if err := db.diffPush(t, nodeA, output, true); err != nil {
						return err
					}
					return db.diffPush(t, node, output, false)
				}
				return nil
			}
			return db.diffPush(t, node, output, false)
		}); err != nil {
			return err
		}
		if nodeA.IsLeaf() && !foundLeaf {
			return db.diffPush(t, nodeA, output, true)
		}
		return nil

	case nodeA.IsBranch():
		// All keys in A were deleted (except maybe if B is a leaf)
		foundLeaf := false
		if err := db.diffWalk(t, nodeIDA, func(node *ParsedNode) error {
			if nodeB.IsLeaf() && node.LeafKeyHash() == nodeB.LeafKeyHash() {
				foundLeaf = true
				if !bytes.Equal(node.LeafVal(), nodeB.LeafVal()) {
					if err := db.diffPush(t, node, output, true); err != nil {
						return err
					}
					return db.diffPush(t, nodeB, output, false)
				}
				return nil
			}
			return db.diffPush(t, node, output, true)
		}); err != nil {
			return err
		}
		if nodeB.IsLeaf() && !foundLeaf {
			return db.diffPush(t, nodeB, output, false)
		}
		return nil

	case nodeA.IsLeaf() && nodeB.IsLeaf():
		if nodeA.LeafKeyHash() != nodeB.LeafKeyHash() || !bytes.Equal(nodeA.LeafVal(), nodeB.LeafVal()) {
			if err := db.diffPush(t, nodeA, output, true); err != nil {
				return err
			}
			return db.diffPush(t, nodeB, output, false)
		}
		return nil

	case nodeA.IsLeaf():
		return db.diffPush(t, nodeA, output, true)

	case nodeB.IsLeaf():
		return db.diffPush(t, nodeB, output, false)
	}

	return nil
}
