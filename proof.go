// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/hoytech/quadrable/utils/maybe"
)

// ProofStrandType tags one strand of a proof. These are wire values,
// distinct from the internal NodeType numbering.
type ProofStrandType byte

const (
	ProofStrandLeaf         ProofStrandType = 0
	ProofStrandInvalid      ProofStrandType = 1
	ProofStrandWitnessLeaf  ProofStrandType = 2
	ProofStrandWitnessEmpty ProofStrandType = 3
	ProofStrandWitness      ProofStrandType = 4
)

// ProofStrand is one vertical path of a proof.
type ProofStrand struct {
	StrandType ProofStrandType
	Depth      int
	KeyHash    Key

	// Val holds the value for Leaf strands, H(value) for WitnessLeaf
	// strands, and the subtree hash for Witness strands.
	Val []byte

	// Key holds the original user key for Leaf strands, if available.
	Key []byte
}

// ProofCmdOp describes how a strand's partial hash combines with a sibling
// while execution climbs toward the root.
type ProofCmdOp byte

const (
	ProofCmdHashProvided ProofCmdOp = 0
	ProofCmdHashEmpty    ProofCmdOp = 1
	ProofCmdMerge        ProofCmdOp = 2
)

type ProofCmd struct {
	Op         ProofCmdOp
	NodeOffset int
	Hash       Key // HashProvided only
}

// Proof authenticates a subset of a tree: an ordered strand list plus the
// command stream that reconstructs the root from them.
type Proof struct {
	Strands []ProofStrand
	Cmds    []ProofCmd
}

var (
	errNonEmptyHead = errors.New("can't importProof into non-empty head")
	errMergeRoots   = errors.New("different roots, unable to merge proofs")
)

type proofGenItem struct {
	nodeID       uint64
	parentNodeID uint64
	strand       ProofStrand
}

type proofHashEntry struct {
	keyHash Key
	key     []byte
}

// ExportProof builds a proof covering the given raw keys against the
// checked-out head.
func (db *DB) ExportProof(t *Txn, keys [][]byte) (*Proof, error) {
	entries := make([]proofHashEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, proofHashEntry{HashKey(key), key})
	}
	return db.exportProofEntries(t, entries)
}

// ExportProofKeys builds a proof covering the given pre-hashed keys.
func (db *DB) ExportProofKeys(t *Txn, keys []Key) (*Proof, error) {
	entries := make([]proofHashEntry, 0, len(keys))
	for _, keyHash := range keys {
		entries = append(entries, proofHashEntry{keyHash: keyHash})
	}
	return db.exportProofEntries(t, entries)
}

func (db *DB) exportProofEntries(t *Txn, entries []proofHashEntry) (*Proof, error) {
	slices.SortFunc(entries, func(a, b proofHashEntry) int {
		return a.keyHash.Compare(b.keyHash)
	})
	entries = slices.CompactFunc(entries, func(a, b proofHashEntry) bool {
		return a.keyHash == b.keyHash
	})

	headNodeID, err := db.HeadNodeID(t)
	if err != nil {
		return nil, err
	}

	var (
		items      []proofGenItem
		reverseMap = make(map[uint64]uint64)
	)
	if err := db.exportProofAux(t, 0, headNodeID, 0, entries, &items, reverseMap); err != nil {
		return nil, err
	}

	return db.assembleProof(t, items, reverseMap, headNodeID, 0)
}

// ExportProofRange builds a proof covering every path between two key
// bounds under the tree rooted at [nodeID].
func (db *DB) ExportProofRange(t *Txn, nodeID uint64, begin, end Key) (*Proof, error) {
	var (
		items      []proofGenItem
		reverseMap = make(map[uint64]uint64)
		currPath   Key
	)
	if err := db.exportProofRangeAux(t, 0, nodeID, 0, math.MaxInt, true, &currPath, begin, end, &items, reverseMap); err != nil {
		return nil, err
	}
	return db.assembleProof(t, items, reverseMap, nodeID, 0)
}

func (db *DB) assembleProof(t *Txn, items []proofGenItem, reverseMap map[uint64]uint64, headNodeID uint64, startDepth int) (*Proof, error) {
	cmds, err := db.exportProofCmds(t, items, reverseMap, headNodeID, startDepth)
	if err != nil {
		return nil, err
	}

	output := &Proof{Cmds: cmds}
	for _, item := range items {
		output.Strands = append(output.Strands, item.strand)
	}
	return output, nil
}

func (db *DB) exportProofAux(t *Txn, depth int, nodeID, parentNodeID uint64, window []proofHashEntry, items *[]proofGenItem, reverseMap map[uint64]uint64) error {
	if len(window) == 0 {
		return nil
	}

	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	switch {
	case node.IsEmpty():
		h := window[0].keyHash
		h.KeepPrefixBits(depth)

		*items = append(*items, proofGenItem{
			nodeID:       nodeID,
			parentNodeID: parentNodeID,
			strand:       ProofStrand{StrandType: ProofStrandWitnessEmpty, Depth: depth, KeyHash: h},
		})

	case node.IsLeaf():
		leafKeyHash := node.LeafKeyHash()
		queried := false
		for _, e := range window {
			if e.keyHash == leafKeyHash {
				queried = true
				break
			}
		}

		if queried {
			if node.NodeType == NodeTypeWitnessLeaf {
				return fmt.Errorf("%w: missing leaf to make proof", ErrIncompleteTree)
			}

			leafKey, _, err := t.LeafKey(node.NodeID)
			if err != nil {
				return err
			}

			*items = append(*items, proofGenItem{
				nodeID:       nodeID,
				parentNodeID: parentNodeID,
				strand: ProofStrand{
					StrandType: ProofStrandLeaf,
					Depth:      depth,
					KeyHash:    leafKeyHash,
					Val:        slices.Clone(node.LeafVal()),
					Key:        leafKey,
				},
			})
		} else {
			valHash := node.LeafValHash()
			*items = append(*items, proofGenItem{
				nodeID:       nodeID,
				parentNodeID: parentNodeID,
				strand: ProofStrand{
					StrandType: ProofStrandWitnessLeaf,
					Depth:      depth,
					KeyHash:    leafKeyHash,
					Val:        valHash[:],
				},
			})
		}

	case node.IsBranch():
		mid := 0
		for mid < len(window) && !window[mid].keyHash.Bit(depth) {
			mid++
		}

		if err := assertDepth(depth); err != nil {
			return err
		}

		if node.LeftID != 0 {
			reverseMap[node.LeftID] = nodeID
		}
		if node.RightID != 0 {
			reverseMap[node.RightID] = nodeID
		}

		// If one side is empty and the other side has strands to prove,
		// don't go down the empty side. This avoids unnecessary empty
		// witnesses, since they will be satisfied with HashEmpty cmds from
		// the other side.
		if node.LeftID != 0 || mid == len(window) {
			if err := db.exportProofAux(t, depth+1, node.LeftID, nodeID, window[:mid], items, reverseMap); err != nil {
				return err
			}
		}
		if node.RightID != 0 || mid == 0 {
			if err := db.exportProofAux(t, depth+1, node.RightID, nodeID, window[mid:], items, reverseMap); err != nil {
				return err
			}
		}

	default:
		return ErrIncompleteTree
	}

	return nil
}

func (db *DB) exportProofRangeAux(t *Txn, depth int, nodeID, parentNodeID uint64, depthLimit int, expandLeaves bool, currPath *Key, begin, end Key, items *[]proofGenItem, reverseMap map[uint64]uint64) error {
	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	switch {
	case node.IsEmpty():
		*items = append(*items, proofGenItem{
			nodeID:       nodeID,
			parentNodeID: parentNodeID,
			strand:       ProofStrand{StrandType: ProofStrandWitnessEmpty, Depth: depth, KeyHash: *currPath},
		})

	case node.IsLeaf():
		if node.NodeType == NodeTypeWitnessLeaf && expandLeaves {
			return fmt.Errorf("%w: missing leaf to make proof", ErrIncompleteTree)
		}

		if node.NodeType == NodeTypeLeaf && (expandLeaves || len(node.LeafVal()) <= KeyLen) {
			leafKey, _, err := t.LeafKey(node.NodeID)
			if err != nil {
				return err
			}
			*items = append(*items, proofGenItem{
				nodeID:       nodeID,
				parentNodeID: parentNodeID,
				strand: ProofStrand{
					StrandType: ProofStrandLeaf,
					Depth:      depth,
					KeyHash:    node.LeafKeyHash(),
					Val:        slices.Clone(node.LeafVal()),
					Key:        leafKey,
				},
			})
		} else {
			valHash := node.LeafValHash()
			*items = append(*items, proofGenItem{
				nodeID:       nodeID,
				parentNodeID: parentNodeID,
				strand: ProofStrand{
					StrandType: ProofStrandWitnessLeaf,
					Depth:      depth,
					KeyHash:    node.LeafKeyHash(),
					Val:        valHash[:],
				},
			})
		}

	case node.IsBranch():
		if err := assertDepth(depth); err != nil {
			return err
		}

		if node.LeftID != 0 {
			reverseMap[node.LeftID] = nodeID
		}
		if node.RightID != 0 {
			reverseMap[node.RightID] = nodeID
		}

		if depthLimit == 0 {
			nodeHash := node.NodeHash()
			*items = append(*items, proofGenItem{
				nodeID:       nodeID,
				parentNodeID: parentNodeID,
				strand: ProofStrand{
					StrandType: ProofStrandWitness,
					Depth:      depth,
					KeyHash:    *currPath,
					Val:        nodeHash[:],
				},
			})
			return nil
		}

		if node.NodeType == NodeTypeBranchBoth {
			depthLimit--
		}

		currPath.SetBit(depth, true)
		doLeft := begin.Less(*currPath)
		doRight := !end.Less(*currPath)

		currPath.SetBit(depth, false)
		if doLeft {
			if err := db.exportProofRangeAux(t, depth+1, node.LeftID, nodeID, depthLimit, expandLeaves, currPath, begin, end, items, reverseMap); err != nil {
				return err
			}
		}

		currPath.SetBit(depth, true)
		if doRight {
			if err := db.exportProofRangeAux(t, depth+1, node.RightID, nodeID, depthLimit, expandLeaves, currPath, begin, end, items, reverseMap); err != nil {
				return err
			}
		}

		currPath.SetBit(depth, false)

	default:
		return ErrIncompleteTree
	}

	return nil
}

type genProofItemAccum struct {
	index  int
	depth  int
	nodeID uint64
	next   int

	mergedOrder int
	cmds        []ProofCmd
}

// exportProofCmds walks the strand accumulators from the deepest depth up
// to [startDepth], merging neighbors that share a parent and providing
// sibling hashes otherwise. Each accumulator's commands are then emitted
// grouped in merge-completion order, which keeps the encoded bytecode's
// cursor jumps short.
func (db *DB) exportProofCmds(t *Txn, items []proofGenItem, reverseMap map[uint64]uint64, headNodeID uint64, startDepth int) ([]ProofCmd, error) {
	if len(items) == 0 {
		return nil, nil
	}

	accums := make([]genProofItemAccum, 0, len(items))
	maxDepth := 0

	for i, item := range items {
		if item.strand.Depth > maxDepth {
			maxDepth = item.strand.Depth
		}
		accums = append(accums, genProofItemAccum{
			index:  i,
			depth:  item.strand.Depth,
			nodeID: item.nodeID,
			next:   i + 1,
		})
	}

	accums[len(accums)-1].next = -1
	currMergeOrder := 0

	// Complexity: O(N*D) = O(N*log(N))

	for currDepth := maxDepth; currDepth > startDepth; currDepth-- {
		for i := 0; i != -1; i = accums[i].next {
			curr := &accums[i]
			if curr.depth != currDepth {
				continue
			}

			currParent := items[i].parentNodeID
			if curr.nodeID != 0 {
				currParent = reverseMap[curr.nodeID]
			}

			if curr.next != -1 {
				next := &accums[curr.next]

				nextParent := items[curr.next].parentNodeID
				if next.nodeID != 0 {
					nextParent = reverseMap[next.nodeID]
				}

				if currParent == nextParent {
					curr.cmds = append(curr.cmds, ProofCmd{Op: ProofCmdMerge, NodeOffset: i})
					next.mergedOrder = currMergeOrder
					currMergeOrder++
					curr.next = next.next
					curr.nodeID = currParent
					curr.depth--
					continue
				}
			}

			parentNode, err := t.parseNode(currParent)
			if err != nil {
				return nil, err
			}
			siblingNodeID := parentNode.LeftID
			if parentNode.LeftID == curr.nodeID {
				siblingNodeID = parentNode.RightID
			}

			if siblingNodeID != 0 {
				siblingNode, err := t.parseNode(siblingNodeID)
				if err != nil {
					return nil, err
				}
				curr.cmds = append(curr.cmds, ProofCmd{Op: ProofCmdHashProvided, NodeOffset: i, Hash: siblingNode.NodeHash()})
			} else {
				curr.cmds = append(curr.cmds, ProofCmd{Op: ProofCmdHashEmpty, NodeOffset: i})
			}

			curr.nodeID = currParent
			curr.depth--
		}
	}

	switch {
	case accums[0].depth != startDepth:
		return nil, fmt.Errorf("%w: proof generation didn't reach start depth", ErrProofInvalid)
	case accums[0].nodeID != headNodeID:
		return nil, fmt.Errorf("%w: proof generation didn't reach root", ErrProofInvalid)
	case accums[0].next != -1:
		return nil, fmt.Errorf("%w: unmerged proof strands remain", ErrProofInvalid)
	}
	accums[0].mergedOrder = currMergeOrder

	slices.SortStableFunc(accums, func(a, b genProofItemAccum) int {
		return a.mergedOrder - b.mergedOrder
	})

	var cmds []ProofCmd
	for i := range accums {
		cmds = append(cmds, accums[i].cmds...)
	}
	return cmds, nil
}

type importProofItemAccum struct {
	depth    int
	nodeID   uint64
	next     int
	keyHash  Key
	nodeHash Key

	merged bool
}

// ImportProof installs a proof's reconstructed tree as the checked-out
// head, which must be empty. When [expectedRoot] is present, the
// reconstructed root must match it.
func (db *DB) ImportProof(t *Txn, proof *Proof, expectedRoot maybe.Maybe[Key]) (Key, error) {
	headNodeID, err := db.HeadNodeID(t)
	if err != nil {
		return Key{}, err
	}
	if headNodeID != 0 {
		return Key{}, errNonEmptyHead
	}

	rootNode, err := db.importProofInternal(t, proof, 0)
	if err != nil {
		return Key{}, err
	}

	if expectedRoot.HasValue() && rootNode.nodeHash != expectedRoot.Value() {
		return Key{}, fmt.Errorf("%w: root hash mismatch", ErrProofInvalid)
	}

	if err := db.setHeadNodeID(t, rootNode.id); err != nil {
		return Key{}, err
	}

	db.log.Debug("imported proof",
		zap.Int("strands", len(proof.Strands)),
		zap.Stringer("root", rootNode.nodeHash),
	)
	return rootNode.nodeHash, nil
}

// MergeProof fills in witness subtrees of the checked-out head using a
// proof over the same root.
func (db *DB) MergeProof(t *Txn, proof *Proof) error {
	rootNode, err := db.importProofInternal(t, proof, 0)
	if err != nil {
		return err
	}

	currRoot, err := db.Root(t)
	if err != nil {
		return err
	}
	if rootNode.nodeHash != currRoot {
		return errMergeRoots
	}

	headNodeID, err := db.HeadNodeID(t)
	if err != nil {
		return err
	}
	updatedRoot, err := db.mergeProofInternal(t, headNodeID, rootNode.id)
	if err != nil {
		return err
	}

	return db.setHeadNodeID(t, updatedRoot.id)
}

func (db *DB) importProofInternal(t *Txn, proof *Proof, expectedDepth int) (builtNode, error) {
	if len(proof.Strands) == 0 {
		return builtNode{}, fmt.Errorf("%w: empty proof", ErrProofInvalid)
	}

	accums := make([]importProofItemAccum, 0, len(proof.Strands))

	for i, strand := range proof.Strands {
		next := i + 1
		accum := importProofItemAccum{
			depth:   strand.Depth,
			next:    next,
			keyHash: strand.KeyHash,
		}

		switch strand.StrandType {
		case ProofStrandLeaf:
			info, err := t.newLeafNode(strand.KeyHash, strand.Val, strand.Key)
			if err != nil {
				return builtNode{}, err
			}
			accum.nodeID = info.id
			accum.nodeHash = info.nodeHash

		case ProofStrandWitnessLeaf:
			valHash, err := KeyFromBytes(strand.Val)
			if err != nil {
				return builtNode{}, fmt.Errorf("%w: bad witness leaf value hash", ErrProofInvalid)
			}
			info, err := t.newWitnessLeafNode(strand.KeyHash, valHash)
			if err != nil {
				return builtNode{}, err
			}
			accum.nodeID = info.id
			accum.nodeHash = info.nodeHash

		case ProofStrandWitnessEmpty:
			// node id 0, null hash

		case ProofStrandWitness:
			nodeHash, err := KeyFromBytes(strand.Val)
			if err != nil {
				return builtNode{}, fmt.Errorf("%w: bad witness node hash", ErrProofInvalid)
			}
			info, err := t.newWitnessNode(nodeHash)
			if err != nil {
				return builtNode{}, err
			}
			accum.nodeID = info.id
			accum.nodeHash = info.nodeHash

		default:
			return builtNode{}, fmt.Errorf("%w: unrecognized strand type %d", ErrProofInvalid, strand.StrandType)
		}

		accums = append(accums, accum)
	}

	accums[len(accums)-1].next = -1

	for _, cmd := range proof.Cmds {
		if cmd.NodeOffset < 0 || cmd.NodeOffset >= len(proof.Strands) {
			return builtNode{}, fmt.Errorf("%w: nodeOffset in cmd is out of range", ErrProofInvalid)
		}
		accum := &accums[cmd.NodeOffset]

		if accum.merged {
			return builtNode{}, fmt.Errorf("%w: strand already merged", ErrProofInvalid)
		}
		if accum.depth == 0 {
			return builtNode{}, fmt.Errorf("%w: node depth underflow", ErrProofInvalid)
		}

		var sibling builtNode

		switch cmd.Op {
		case ProofCmdHashProvided:
			info, err := t.newWitnessNode(cmd.Hash)
			if err != nil {
				return builtNode{}, err
			}
			sibling = info

		case ProofCmdHashEmpty:
			sibling = emptyBuiltNode()

		case ProofCmdMerge:
			if accum.next < 0 {
				return builtNode{}, fmt.Errorf("%w: no nodes left to merge with", ErrProofInvalid)
			}
			accumNext := &accums[accum.next]

			if accum.depth != accumNext.depth {
				return builtNode{}, fmt.Errorf("%w: merge depth mismatch", ErrProofInvalid)
			}

			accum.next = accumNext.next
			accumNext.merged = true

			sibling = stubbedNode(accumNext.nodeID, accumNext.nodeHash)

		default:
			return builtNode{}, fmt.Errorf("%w: unrecognized cmd op %d", ErrProofInvalid, cmd.Op)
		}

		var (
			branchInfo builtNode
			err        error
		)
		if cmd.Op == ProofCmdMerge || !accum.keyHash.Bit(accum.depth-1) {
			branchInfo, err = t.newBranchNode(stubbedNode(accum.nodeID, accum.nodeHash), sibling)
		} else {
			branchInfo, err = t.newBranchNode(sibling, stubbedNode(accum.nodeID, accum.nodeHash))
		}
		if err != nil {
			return builtNode{}, err
		}

		accum.depth--
		accum.nodeID = branchInfo.id
		accum.nodeHash = branchInfo.nodeHash
	}

	if accums[0].next != -1 {
		return builtNode{}, fmt.Errorf("%w: not all proof strands were merged", ErrProofInvalid)
	}
	if accums[0].depth != expectedDepth {
		return builtNode{}, fmt.Errorf("%w: proof didn't reach expected depth", ErrProofInvalid)
	}

	return stubbedNode(accums[0].nodeID, accums[0].nodeHash), nil
}

// mergeProofInternal walks the current tree and the imported proof tree in
// lock-step, adopting the proof's structure wherever the current tree has
// only a witness. Identical subtrees keep their existing node ids.
func (db *DB) mergeProofInternal(t *Txn, origNodeID, newNodeID uint64) (builtNode, error) {
	origNode, err := t.parseNode(origNodeID)
	if err != nil {
		return builtNode{}, err
	}
	newNode, err := t.parseNode(newNodeID)
	if err != nil {
		return builtNode{}, err
	}

	switch {
	case (origNode.IsWitnessAny() && !newNode.IsWitnessAny()) ||
		(origNode.NodeType == NodeTypeWitness && newNode.NodeType == NodeTypeWitnessLeaf):
		return reuseNode(newNode), nil

	case origNode.IsBranch() && newNode.IsBranch():
		newLeftNode, err := db.mergeProofInternal(t, origNode.LeftID, newNode.LeftID)
		if err != nil {
			return builtNode{}, err
		}
		newRightNode, err := db.mergeProofInternal(t, origNode.RightID, newNode.RightID)
		if err != nil {
			return builtNode{}, err
		}

		switch {
		case origNode.LeftID == newLeftNode.id && origNode.RightID == newRightNode.id:
			return reuseNode(origNode), nil
		case newNode.LeftID == newLeftNode.id && newNode.RightID == newRightNode.id:
			return reuseNode(newNode), nil
		default:
			return t.newBranchNode(newLeftNode, newRightNode)
		}

	default:
		return reuseNode(origNode), nil
	}
}
