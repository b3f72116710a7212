// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

// Stats aggregates node counts and sizes for one tree.
type Stats struct {
	NumNodes        uint64
	NumLeafNodes    uint64
	NumBranchNodes  uint64
	NumWitnessNodes uint64

	MaxDepth uint64
	NumBytes uint64
}

// Stats walks the checked-out head and aggregates statistics.
func (db *DB) Stats(t *Txn) (Stats, error) {
	var output Stats

	err := db.WalkHead(t, func(node *ParsedNode, depth int) bool {
		output.NumNodes++
		if uint64(depth) > output.MaxDepth {
			output.MaxDepth = uint64(depth)
		}
		output.NumBytes += uint64(node.Size())

		switch {
		case node.NodeType == NodeTypeLeaf:
			output.NumLeafNodes++
		case node.IsBranch():
			output.NumBranchNodes++
		case node.IsWitnessAny():
			output.NumWitnessNodes++
		}

		return true
	})
	return output, err
}
