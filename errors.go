// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import "errors"

var (
	// ErrZeroLengthKey is returned when a put or del names an empty raw key.
	ErrZeroLengthKey = errors.New("zero-length keys not allowed")

	// ErrIntRangeExceeded is returned by KeyFromInteger for values that
	// don't fit the integer embedding.
	ErrIntRangeExceeded = errors.New("int range exceeded")

	// ErrNotIntegerKey is returned by ToInteger for keys that were not
	// produced by the integer embedding.
	ErrNotIntegerKey = errors.New("key is not in integer format")

	// ErrWitnessEncountered is returned when an update, diff, or walk
	// reaches an opaque witness node.
	ErrWitnessEncountered = errors.New("encountered witness node: partial tree")

	// ErrIncompleteTree is returned when a read needs a value hidden behind
	// a witness.
	ErrIncompleteTree = errors.New("encountered witness node: incomplete tree")

	// ErrCannotBubbleWitness is returned when a deletion would need to
	// collapse through a witness whose shape is unknown.
	ErrCannotBubbleWitness = errors.New("can't bubble a witness node")

	// ErrProofInvalid covers decoding, structural, and hash-check failures
	// while handling proofs.
	ErrProofInvalid = errors.New("proof invalid")

	// ErrSyncMismatch is returned when an imported fragment's subtree hash
	// disagrees with the recorded witness hash.
	ErrSyncMismatch = errors.New("sync fragment hash mismatch")

	// ErrDepthLimitExceeded indicates recursion beyond depth 255, which can
	// only happen on a hash collision (or a bug).
	ErrDepthLimitExceeded = errors.New("max depth exceeded")

	errDetachedHead = errors.New("in detached head mode")
)
