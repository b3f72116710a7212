// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hoytech/quadrable/utils/set"
)

// DefaultSyncRequestDepth is how many levels a sync request expands per
// round when not otherwise configured.
const DefaultSyncRequestDepth = 4

var (
	errEmptySyncRequest    = errors.New("empty fragments request")
	errSyncRequestOrder    = errors.New("fragments request out of order")
	errZeroBytesBudget     = errors.New("bytesBudget can't be 0")
	errTooManySyncResps    = errors.New("too many resps when importing fragments")
	errNoSyncRespsImport   = errors.New("no fragments to import")
	errExpandNonWitness    = errors.New("sync fragment tried to expand non-witness")
	errFragmentUnreachable = errors.New("fragment path not available")
)

// SyncRequest asks a peer for a proof fragment covering the subtree at
// [Path] truncated to [StartDepth], expanded [DepthLimit] levels down.
// When [ExpandLeaves] is set the responder must send real leaves rather
// than compressed witness leaves.
type SyncRequest struct {
	Path         Key
	StartDepth   int
	DepthLimit   int
	ExpandLeaves bool
}

// HandleSyncRequests serves proof fragments for [reqs] against the tree at
// [nodeID]. Requests must be strictly sorted by path. The responder stops
// early once the cumulative estimated response size exceeds
// [bytesBudget]; the requester carries unanswered requests into its next
// round.
func (db *DB) HandleSyncRequests(t *Txn, nodeID uint64, reqs []SyncRequest, bytesBudget uint64) ([]*Proof, error) {
	if bytesBudget == 0 {
		return nil, errZeroBytesBudget
	}
	if len(reqs) == 0 {
		return nil, errEmptySyncRequest
	}

	for i := 1; i < len(reqs); i++ {
		if reqs[i].Path.Compare(reqs[i-1].Path) <= 0 {
			return nil, errSyncRequestOrder
		}
	}

	var (
		resps    []*Proof
		currPath Key
	)
	if err := db.handleSyncRequestsAux(t, 0, nodeID, &currPath, reqs, &resps, &bytesBudget); err != nil {
		return nil, err
	}
	return resps, nil
}

func (db *DB) handleSyncRequestsAux(t *Txn, depth int, nodeID uint64, currPath *Key, window []SyncRequest, resps *[]*Proof, bytesBudget *uint64) error {
	if len(window) == 0 || *bytesBudget == 0 {
		return nil
	}

	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	// If a fragment ends on the path of another fragment in the request
	// list, the following terminates early and the results would be
	// incorrect: the request creator must not build batches like that.

	if len(window) == 1 && window[0].StartDepth == depth {
		proof, err := db.exportProofFragment(t, nodeID, *currPath, window[0])
		if err != nil {
			return err
		}
		*resps = append(*resps, proof)

		estimate := EstimateProofSize(proof)
		if *bytesBudget > estimate {
			*bytesBudget -= estimate
		} else {
			*bytesBudget = 0
		}
		return nil
	}

	if !node.IsBranch() {
		return errFragmentUnreachable
	}

	mid := 0
	for mid < len(window) && !window[mid].Path.Bit(depth) {
		mid++
	}

	if err := assertDepth(depth); err != nil {
		return err
	}

	if node.LeftID != 0 || mid == len(window) {
		if err := db.handleSyncRequestsAux(t, depth+1, node.LeftID, currPath, window[:mid], resps, bytesBudget); err != nil {
			return err
		}
	}

	if node.RightID != 0 || mid == 0 {
		currPath.SetBit(depth, true)
		err := db.handleSyncRequestsAux(t, depth+1, node.RightID, currPath, window[mid:], resps, bytesBudget)
		currPath.SetBit(depth, false)
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) exportProofFragment(t *Txn, nodeID uint64, currPath Key, req SyncRequest) (*Proof, error) {
	depth := req.StartDepth
	currPath.KeepPrefixBits(depth)

	var (
		items      []proofGenItem
		reverseMap = make(map[uint64]uint64)
	)
	if err := db.exportProofRangeAux(t, depth, nodeID, 0, req.DepthLimit, req.ExpandLeaves, &currPath, NullKey(), MaxKey(), &items, reverseMap); err != nil {
		return nil, err
	}

	return db.assembleProof(t, items, reverseMap, nodeID, depth)
}

// EstimateProofSize approximates the encoded size of [p], for response
// budgeting.
func EstimateProofSize(p *Proof) uint64 {
	output := uint64(len(p.Strands)) * 10

	for _, strand := range p.Strands {
		output += uint64(len(strand.Val))
		output += uint64(len(strand.Key))
	}

	output += uint64(len(p.Cmds))

	for _, cmd := range p.Cmds {
		if cmd.Op == ProofCmdHashProvided {
			output += KeyLen
		}
	}

	return output
}

// Syncer incrementally reconstructs a remote tree as a local shadow. The
// shadow begins as a single witness of the remote root (initially a null
// stub); each round, requests are generated for subtrees where the shadow
// is still opaque, and the returned proof fragments replace the matching
// witnesses.
type Syncer struct {
	db *DB

	// nodeIDLocal roots the local tree the remote one is compared against.
	nodeIDLocal  uint64
	nodeIDShadow uint64

	InitialRequestDepth int
	LaterRequestDepth   int

	inited        bool
	finishedNodes set.Set[uint64]
}

// NewSyncer creates a sync driver comparing against the local tree rooted
// at [nodeIDLocal].
func NewSyncer(db *DB, t *Txn, nodeIDLocal uint64) (*Syncer, error) {
	// initial stub node
	node, err := t.newWitnessNode(NullKey())
	if err != nil {
		return nil, err
	}

	return &Syncer{
		db:                  db,
		nodeIDLocal:         nodeIDLocal,
		nodeIDShadow:        node.id,
		InitialRequestDepth: DefaultSyncRequestDepth,
		LaterRequestDepth:   DefaultSyncRequestDepth,
		finishedNodes:       set.NewSet[uint64](0),
	}, nil
}

// ShadowNodeID returns the root node id of the shadow tree.
func (s *Syncer) ShadowNodeID() uint64 {
	return s.nodeIDShadow
}

// GetReqs compares the local tree against the shadow and returns the next
// round of requests. An empty batch means the sync is complete.
func (s *Syncer) GetReqs(t *Txn, bytesBudget uint64) ([]SyncRequest, error) {
	if bytesBudget == 0 {
		return nil, errZeroBytesBudget
	}

	if !s.inited {
		return []SyncRequest{{
			Path:         NullKey(),
			StartDepth:   0,
			DepthLimit:   s.InitialRequestDepth,
			ExpandLeaves: false,
		}}, nil
	}

	var (
		output   []SyncRequest
		currPath Key
	)
	if err := s.reconcileTrees(t, s.nodeIDLocal, s.nodeIDShadow, 0, &currPath, &bytesBudget, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// AddResps imports one round's proof fragments into the shadow.
func (s *Syncer) AddResps(t *Txn, reqs []SyncRequest, resps []*Proof) error {
	oldRoot, err := s.db.RootOf(t, s.nodeIDShadow)
	if err != nil {
		return err
	}

	newShadow, err := s.db.importSyncResponses(t, s.nodeIDShadow, reqs, resps)
	if err != nil {
		return err
	}

	if s.inited {
		newRoot, err := s.db.RootOf(t, newShadow.id)
		if err != nil {
			return err
		}
		if oldRoot != newRoot {
			return fmt.Errorf("%w: shadow root changed after addResps", ErrSyncMismatch)
		}
	}

	s.inited = true
	s.nodeIDShadow = newShadow.id

	s.db.log.Debug("imported sync responses",
		zap.Int("fragments", len(resps)),
		zap.Uint64("shadowNodeId", s.nodeIDShadow),
	)
	return nil
}

func (s *Syncer) reconcileTrees(t *Txn, nodeIDOurs, nodeIDTheirs uint64, depth int, currPath *Key, bytesBudget *uint64, output *[]SyncRequest) error {
	nodeOurs, err := t.parseNode(nodeIDOurs)
	if err != nil {
		return err
	}
	nodeTheirs, err := t.parseNode(nodeIDTheirs)
	if err != nil {
		return err
	}

	if nodeOurs.NodeHash() == nodeTheirs.NodeHash() || s.finishedNodes.Contains(nodeIDOurs) || *bytesBudget == 0 {
		return nil
	}

	reduceBytesBudget := func() {
		const estimate = 16
		if *bytesBudget > estimate {
			*bytesBudget -= estimate
		} else {
			*bytesBudget = 0
		}
	}

	switch {
	case nodeTheirs.IsBranch():
		outputSizeBefore := len(*output)

		oursLeft, oursRight := nodeIDOurs, nodeIDOurs
		if nodeOurs.IsBranch() {
			oursLeft, oursRight = nodeOurs.LeftID, nodeOurs.RightID
		}

		if err := s.reconcileTrees(t, oursLeft, nodeTheirs.LeftID, depth+1, currPath, bytesBudget, output); err != nil {
			return err
		}
		currPath.SetBit(depth, true)
		err := s.reconcileTrees(t, oursRight, nodeTheirs.RightID, depth+1, currPath, bytesBudget, output)
		currPath.SetBit(depth, false)
		if err != nil {
			return err
		}

		if len(*output) == outputSizeBefore && nodeIDOurs != 0 {
			s.finishedNodes.Add(nodeIDOurs)
		}

	case nodeTheirs.IsWitnessLeaf():
		*output = append(*output, SyncRequest{
			Path:         *currPath,
			StartDepth:   depth,
			DepthLimit:   1,
			ExpandLeaves: true,
		})
		reduceBytesBudget()

	case nodeTheirs.IsWitness():
		*output = append(*output, SyncRequest{
			Path:         *currPath,
			StartDepth:   depth,
			DepthLimit:   s.LaterRequestDepth,
			ExpandLeaves: false,
		})
		reduceBytesBudget()
	}

	return nil
}

type syncRequestAndResponse struct {
	req   SyncRequest
	proof *Proof
}

func (db *DB) importSyncResponses(t *Txn, nodeID uint64, reqs []SyncRequest, resps []*Proof) (builtNode, error) {
	if len(resps) > len(reqs) {
		return builtNode{}, errTooManySyncResps
	}
	if len(resps) == 0 {
		return builtNode{}, errNoSyncRespsImport
	}

	fragItems := make([]syncRequestAndResponse, 0, len(resps))
	for i := range resps {
		fragItems = append(fragItems, syncRequestAndResponse{reqs[i], resps[i]})
	}

	return db.importSyncResponsesAux(t, nodeID, 0, fragItems)
}

func (db *DB) importSyncResponsesAux(t *Txn, nodeID uint64, depth int, window []syncRequestAndResponse) (builtNode, error) {
	origNode, err := t.parseNode(nodeID)
	if err != nil {
		return builtNode{}, err
	}

	if len(window) == 1 && window[0].req.StartDepth == depth {
		if !origNode.IsWitnessAny() {
			return builtNode{}, fmt.Errorf("%w: node %d", errExpandNonWitness, nodeID)
		}

		newNode, err := db.importProofInternal(t, window[0].proof, depth)
		if err != nil {
			return builtNode{}, err
		}

		if newNode.nodeHash != origNode.NodeHash() {
			// The very first fragment replaces the initial null-hash stub.
			isInitialStubNode := depth == 0 && origNode.NodeHash() == NullKey() && origNode.IsWitness()
			if !isInitialStubNode {
				return builtNode{}, fmt.Errorf("%w: incompatible fragment subtree", ErrSyncMismatch)
			}
		}

		return newNode, nil
	}

	if !origNode.IsBranch() {
		return reuseNode(origNode), nil
	}

	mid := 0
	for mid < len(window) && !window[mid].req.Path.Bit(depth) {
		mid++
	}

	if err := assertDepth(depth); err != nil {
		return builtNode{}, err
	}

	var newLeftNode, newRightNode builtNode

	if origNode.LeftID != 0 || mid == len(window) {
		newLeftNode, err = db.importSyncResponsesAux(t, origNode.LeftID, depth+1, window[:mid])
	} else {
		var n *ParsedNode
		n, err = t.parseNode(origNode.LeftID)
		newLeftNode = reuseNode(n)
	}
	if err != nil {
		return builtNode{}, err
	}

	if origNode.RightID != 0 || mid == 0 {
		newRightNode, err = db.importSyncResponsesAux(t, origNode.RightID, depth+1, window[mid:])
	} else {
		var n *ParsedNode
		n, err = t.parseNode(origNode.RightID)
		newRightNode = reuseNode(n)
	}
	if err != nil {
		return builtNode{}, err
	}

	return t.newBranchNode(newLeftNode, newRightNode)
}

// SyncDiffType classifies one synced-diff event.
type SyncDiffType byte

const (
	SyncDiffAdded   SyncDiffType = 0
	SyncDiffDeleted SyncDiffType = 1
	SyncDiffChanged SyncDiffType = 2
)

// SyncDiffFunc receives per-leaf events while walking a completed sync.
// The node argument borrows the transaction.
type SyncDiffFunc func(diffType SyncDiffType, node *ParsedNode) error

// Diff walks two synced trees and emits per-leaf Added / Deleted / Changed
// events transforming ours into theirs. Where one side is a branch and the
// other a leaf, the branch is walked and each differing leaf is emitted
// individually.
func (s *Syncer) Diff(t *Txn, nodeIDOurs, nodeIDTheirs uint64, cb SyncDiffFunc) error {
	nodeOurs, err := t.parseNode(nodeIDOurs)
	if err != nil {
		return err
	}
	nodeTheirs, err := t.parseNode(nodeIDTheirs)
	if err != nil {
		return err
	}

	if nodeOurs.NodeHash() == nodeTheirs.NodeHash() {
		return nil
	}

	switch {
	case nodeOurs.IsBranch() && nodeTheirs.IsBranch():
		if err := s.Diff(t, nodeOurs.LeftID, nodeTheirs.LeftID, cb); err != nil {
			return err
		}
		return s.Diff(t, nodeOurs.RightID, nodeTheirs.RightID, cb)

	case nodeTheirs.IsBranch():
		var found *ParsedNode
		if err := s.syncDiffAux(t, nodeTheirs.LeftID, nodeOurs, &found, SyncDiffAdded, cb); err != nil {
			return err
		}
		if err := s.syncDiffAux(t, nodeTheirs.RightID, nodeOurs, &found, SyncDiffAdded, cb); err != nil {
			return err
		}
		if nodeOurs.NodeID != 0 {
			if found != nil {
				if found.NodeHash() != nodeOurs.NodeHash() {
					return cb(SyncDiffChanged, found)
				}
			} else {
				return cb(SyncDiffDeleted, nodeOurs)
			}
		}

	case nodeOurs.IsBranch():
		var found *ParsedNode
		if err := s.syncDiffAux(t, nodeOurs.LeftID, nodeTheirs, &found, SyncDiffDeleted, cb); err != nil {
			return err
		}
		if err := s.syncDiffAux(t, nodeOurs.RightID, nodeTheirs, &found, SyncDiffDeleted, cb); err != nil {
			return err
		}
		if nodeTheirs.NodeID != 0 {
			if found != nil {
				if found.NodeHash() != nodeTheirs.NodeHash() {
					return cb(SyncDiffChanged, nodeTheirs)
				}
			} else {
				return cb(SyncDiffAdded, nodeTheirs)
			}
		}

	default:
		if nodeOurs.IsLeaf() && nodeTheirs.IsLeaf() && nodeOurs.LeafKeyHash() == nodeTheirs.LeafKeyHash() {
			return cb(SyncDiffChanged, nodeTheirs)
		}
		if nodeOurs.NodeID != 0 {
			if err := cb(SyncDiffDeleted, nodeOurs); err != nil {
				return err
			}
		}
		if nodeTheirs.NodeID != 0 {
			return cb(SyncDiffAdded, nodeTheirs)
		}
	}

	return nil
}

func (s *Syncer) syncDiffAux(t *Txn, nodeID uint64, searchNode *ParsedNode, found **ParsedNode, dt SyncDiffType, cb SyncDiffFunc) error {
	node, err := t.parseNode(nodeID)
	if err != nil {
		return err
	}

	if node.IsBranch() {
		if err := s.syncDiffAux(t, node.LeftID, searchNode, found, dt, cb); err != nil {
			return err
		}
		return s.syncDiffAux(t, node.RightID, searchNode, found, dt, cb)
	}

	if node.NodeID == 0 {
		return nil
	}
	if searchNode.NodeID != 0 && searchNode.IsLeaf() && node.IsLeaf() && node.LeafKeyHash() == searchNode.LeafKeyHash() {
		*found = node
		return nil
	}
	return cb(dt, node)
}
