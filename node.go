// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

// NodeType tags a stored node record. These values are internal DB
// reference only; proof strands use a different numbering.
type NodeType byte

const (
	NodeTypeEmpty       NodeType = 0
	NodeTypeBranchLeft  NodeType = 1
	NodeTypeBranchRight NodeType = 2
	NodeTypeBranchBoth  NodeType = 3
	NodeTypeLeaf        NodeType = 4
	NodeTypeWitness     NodeType = 5
	NodeTypeWitnessLeaf NodeType = 6
	NodeTypeInvalid     NodeType = 15
)

// Node record layout. The first 8 bytes are a little-endian word whose low
// byte is the NodeType and whose upper 56 bits hold one child id:
//
//	branch left:  <8 bytes: tag 1 + left id>  <32 bytes: nodeHash>
//	branch right: <8 bytes: tag 2 + right id> <32 bytes: nodeHash>
//	branch both:  <8 bytes: tag 3 + left id>  <32 bytes: nodeHash> <8 bytes: right id>
//	leaf:         <8 bytes: tag 4>            <32 bytes: nodeHash> <32 bytes: keyHash> <N bytes: val>
//	witness:      <8 bytes: tag 5>            <32 bytes: nodeHash>
//	witnessLeaf:  <8 bytes: tag 6>            <32 bytes: nodeHash> <32 bytes: keyHash> <32 bytes: valHash>
//
// Node id 0 denotes Empty and is never stored.
const (
	nodeHdrLen     = 8
	nodeMinLen     = nodeHdrLen + KeyLen
	nodeLeafMinLen = nodeMinLen + KeyLen
)

// ParsedNode is a decoded view over a stored node record. Its byte slice
// borrows backend storage: it must not be retained across transaction
// boundaries or past subsequent writes.
type ParsedNode struct {
	NodeType NodeType
	NodeID   uint64
	LeftID   uint64
	RightID  uint64

	raw []byte
}

func (n *ParsedNode) IsEmpty() bool {
	return n.NodeType == NodeTypeEmpty
}

func (n *ParsedNode) IsLeaf() bool {
	return n.NodeType == NodeTypeLeaf || n.NodeType == NodeTypeWitnessLeaf
}

func (n *ParsedNode) IsBranch() bool {
	return n.NodeType == NodeTypeBranchLeft || n.NodeType == NodeTypeBranchRight || n.NodeType == NodeTypeBranchBoth
}
func (n *ParsedNode) IsWitness() bool {
	return n.NodeType == NodeTypeWitness
}

func (n *ParsedNode) IsWitnessLeaf() bool {
	return n.NodeType == NodeTypeWitnessLeaf
}

func (n *ParsedNode) IsWitnessAny() bool {
	return n.NodeType == NodeTypeWitness || n.NodeType == NodeTypeWitnessLeaf
}

// NodeHash returns the node's 32-byte hash. The hash of Empty is 32 zero
// bytes.
func (n *ParsedNode) NodeHash() Key {
	if n.IsEmpty() {
		return Key{}
	}
	return Key(([KeyLen]byte)(n.raw[nodeHdrLen:nodeMinLen]))
}

// LeafKeyHash returns the keyHash of a Leaf or WitnessLeaf.
func (n *ParsedNode) LeafKeyHash() Key {
	if !n.IsLeaf() {
		panic("node is not a Leaf/WitnessLeaf")
	}
	return Key(([KeyLen]byte)(n.raw[nodeMinLen:nodeLeafMinLen]))
}

// LeafVal returns the stored value of a Leaf. The slice borrows backend
// storage.
func (n *ParsedNode) LeafVal() []byte {
	if n.NodeType != NodeTypeLeaf {
		panic("node is not a Leaf")
	}
	return n.raw[nodeLeafMinLen:]
}

// LeafValHash returns H(value) of a Leaf, or the stored value hash of a
// WitnessLeaf.
func (n *ParsedNode) LeafValHash() Key {
	switch n.NodeType {
	case NodeTypeLeaf:
		return hashValue(n.LeafVal())
	case NodeTypeWitnessLeaf:
		return Key(([KeyLen]byte)(n.raw[nodeLeafMinLen : nodeLeafMinLen+KeyLen]))
	default:
		panic("node is not a Leaf/WitnessLeaf")
	}
}

// Size returns the stored record size in bytes.
func (n *ParsedNode) Size() int {
	return len(n.raw)
}

// parseNode loads and decodes the node record for [nodeID]. Id 0 decodes
// as Empty without touching storage.
func (t *Txn) parseNode(nodeID uint64) (*ParsedNode, error) {
	n := &ParsedNode{NodeID: nodeID}
	if nodeID == 0 {
		return n, nil
	}

	raw, err := t.getNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("couldn't find nodeId %d: %w", nodeID, err)
	}
	if len(raw) < nodeMinLen {
		return nil, fmt.Errorf("invalid node %d, too short", nodeID)
	}

	w1 := binary.LittleEndian.Uint64(raw[:nodeHdrLen])
	n.NodeType = NodeType(w1 & 0xFF)
	n.raw = raw

	switch n.NodeType {
	case NodeTypeBranchLeft:
		n.LeftID = w1 >> 8
	case NodeTypeBranchRight:
		n.RightID = w1 >> 8
	case NodeTypeBranchBoth:
		if len(raw) < nodeMinLen+8 {
			return nil, fmt.Errorf("invalid branch node %d, too short", nodeID)
		}
		n.LeftID = w1 >> 8
		n.RightID = binary.LittleEndian.Uint64(raw[nodeMinLen : nodeMinLen+8])
	case NodeTypeLeaf:
		if len(raw) < nodeLeafMinLen {
			return nil, fmt.Errorf("invalid leaf node %d, too short", nodeID)
		}
	case NodeTypeWitnessLeaf:
		if len(raw) < nodeLeafMinLen+KeyLen {
			return nil, fmt.Errorf("invalid witness leaf node %d, too short", nodeID)
		}
	case NodeTypeWitness:
	default:
		return nil, fmt.Errorf("unrecognized nodeType: %d", n.NodeType)
	}

	return n, nil
}

// builtNode identifies a node that was just written (or reused) by an
// operation: its id, hash, and the Empty / Leaf-ish / Branch / Witness
// classification downstream bubble-up logic depends on.
type builtNode struct {
	id       uint64
	nodeHash Key
	nodeType NodeType
}

func emptyBuiltNode() builtNode {
	return builtNode{0, Key{}, NodeTypeEmpty}
}

func reuseNode(n *ParsedNode) builtNode {
	return builtNode{n.NodeID, n.NodeHash(), n.NodeType}
}

// stubbedNode is for when a nodeId and hash are known but the variant is
// irrelevant.
func stubbedNode(nodeID uint64, nodeHash Key) builtNode {
	return builtNode{nodeID, nodeHash, NodeTypeInvalid}
}

func (b builtNode) isEmpty() bool { return b.nodeType == NodeTypeEmpty }
func (b builtNode) isLeaf() bool {
	return b.nodeType == NodeTypeLeaf || b.nodeType == NodeTypeWitnessLeaf
}
func (b builtNode) isWitness() bool { return b.nodeType == NodeTypeWitness }

// leafNodeHash computes H(keyHash ‖ valHash ‖ 0x00).
func leafNodeHash(keyHash, valHash Key) Key {
	h, _ := blake2s.New256(nil)
	h.Write(keyHash[:])
	h.Write(valHash[:])
	h.Write([]byte{0})

	var out Key
	h.Sum(out[:0])
	return out
}

// branchNodeHash computes H(leftHash ‖ rightHash).
func branchNodeHash(leftHash, rightHash Key) Key {
	h, _ := blake2s.New256(nil)
	h.Write(leftHash[:])
	h.Write(rightHash[:])

	var out Key
	h.Sum(out[:0])
	return out
}

func (t *Txn) newLeafNode(keyHash Key, val []byte, leafKey []byte) (builtNode, error) {
	t.db.metrics.HashCalculated()
	nodeHash := leafNodeHash(keyHash, hashValue(val))

	raw := make([]byte, 0, nodeLeafMinLen+len(val))
	raw = binary.LittleEndian.AppendUint64(raw, uint64(NodeTypeLeaf))
	raw = append(raw, nodeHash[:]...)
	raw = append(raw, keyHash[:]...)
	raw = append(raw, val...)

	nodeID, err := t.writeNode(raw)
	if err != nil {
		return builtNode{}, err
	}
	if err := t.setLeafKey(nodeID, leafKey); err != nil {
		return builtNode{}, err
	}
	return builtNode{nodeID, nodeHash, NodeTypeLeaf}, nil
}

func (t *Txn) newWitnessLeafNode(keyHash, valHash Key) (builtNode, error) {
	t.db.metrics.HashCalculated()
	nodeHash := leafNodeHash(keyHash, valHash)

	raw := make([]byte, 0, nodeLeafMinLen+KeyLen)
	raw = binary.LittleEndian.AppendUint64(raw, uint64(NodeTypeWitnessLeaf))
	raw = append(raw, nodeHash[:]...)
	raw = append(raw, keyHash[:]...)
	raw = append(raw, valHash[:]...)

	nodeID, err := t.writeNode(raw)
	if err != nil {
		return builtNode{}, err
	}
	return builtNode{nodeID, nodeHash, NodeTypeWitnessLeaf}, nil
}

func (t *Txn) newBranchNode(left, right builtNode) (builtNode, error) {
	t.db.metrics.HashCalculated()
	nodeHash := branchNodeHash(left.nodeHash, right.nodeHash)

	var (
		nodeType NodeType
		w1       uint64
	)
	switch {
	case right.id == 0:
		nodeType = NodeTypeBranchLeft
		w1 = uint64(NodeTypeBranchLeft) | left.id<<8
	case left.id == 0:
		nodeType = NodeTypeBranchRight
		w1 = uint64(NodeTypeBranchRight) | right.id<<8
	default:
		nodeType = NodeTypeBranchBoth
		w1 = uint64(NodeTypeBranchBoth) | left.id<<8
	}

	raw := make([]byte, 0, nodeMinLen+8)
	raw = binary.LittleEndian.AppendUint64(raw, w1)
	raw = append(raw, nodeHash[:]...)
	if left.id != 0 && right.id != 0 {
		raw = binary.LittleEndian.AppendUint64(raw, right.id)
	}

	nodeID, err := t.writeNode(raw)
	if err != nil {
		return builtNode{}, err
	}
	return builtNode{nodeID, nodeHash, nodeType}, nil
}

func (t *Txn) newWitnessNode(hash Key) (builtNode, error) {
	raw := make([]byte, 0, nodeMinLen)
	raw = binary.LittleEndian.AppendUint64(raw, uint64(NodeTypeWitness))
	raw = append(raw, hash[:]...)

	nodeID, err := t.writeNode(raw)
	if err != nil {
		return builtNode{}, err
	}
	return builtNode{nodeID, hash, NodeTypeWitness}, nil
}
