// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import "fmt"

// EncodeSyncRequests serializes a request batch: for each request, the
// compact keyHash of the path, then startDepth, depthLimit, and the
// expandLeaves flag as single bytes.
func EncodeSyncRequests(reqs []SyncRequest) ([]byte, error) {
	var o []byte

	for _, req := range reqs {
		if req.StartDepth > 255 {
			return nil, fmt.Errorf("startDepth %d too big", req.StartDepth)
		}
		if req.DepthLimit > 255 {
			return nil, fmt.Errorf("depthLimit %d too big", req.DepthLimit)
		}

		o = appendKeyHash(o, req.Path)
		o = append(o, byte(req.StartDepth), byte(req.DepthLimit))
		// 7 bits unused, available for future extensions
		if req.ExpandLeaves {
			o = append(o, 1)
		} else {
			o = append(o, 0)
		}
	}

	return o, nil
}

// DecodeSyncRequests parses a request batch.
func DecodeSyncRequests(encoded []byte) ([]SyncRequest, error) {
	var reqs []SyncRequest

	for len(encoded) > 0 {
		path, consumed, err := readKeyHash(encoded)
		if err != nil {
			return nil, err
		}
		encoded = encoded[consumed:]

		if len(encoded) < 3 {
			return nil, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
		}

		reqs = append(reqs, SyncRequest{
			Path:         path,
			StartDepth:   int(encoded[0]),
			DepthLimit:   int(encoded[1]),
			ExpandLeaves: encoded[2]&1 != 0,
		})
		encoded = encoded[3:]
	}

	return reqs, nil
}

// EncodeSyncResponses serializes a response batch as length-prefixed
// proofs.
func EncodeSyncResponses(resps []*Proof, encodingType ProofEncodingType) ([]byte, error) {
	var o []byte

	for _, resp := range resps {
		proof, err := EncodeProof(resp, encodingType)
		if err != nil {
			return nil, err
		}
		o = appendVarInt(o, uint64(len(proof)))
		o = append(o, proof...)
	}

	return o, nil
}

// DecodeSyncResponses parses a response batch.
func DecodeSyncResponses(encoded []byte) ([]*Proof, error) {
	var resps []*Proof

	for len(encoded) > 0 {
		proofSize, consumed, err := readVarInt(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrProofInvalid, err)
		}
		encoded = encoded[consumed:]

		if uint64(len(encoded)) < proofSize {
			return nil, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
		}

		proof, err := DecodeProof(encoded[:proofSize])
		if err != nil {
			return nil, err
		}
		resps = append(resps, proof)
		encoded = encoded[proofSize:]
	}

	return resps, nil
}
