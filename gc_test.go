// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoytech/quadrable/database"
)

func TestGCCollectsUnreferencedNodes(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 100)

	// Overwrites orphan the old copy-on-write paths.
	for i := 0; i < 50; i++ {
		putKV(t, db, strconv.Itoa(i), "rewritten"+strconv.Itoa(i))
	}

	before := rootOf(t, db)

	txn := db.Begin()
	stats, err := db.GC(txn)
	require.NoError(err)
	require.NoError(txn.Commit())

	require.NotZero(stats.Collected)
	require.Greater(stats.Total, stats.Collected)

	// The retained head reads identically after the sweep.
	require.Equal(before, rootOf(t, db))
	for i := 0; i < 100; i++ {
		k := strconv.Itoa(i)
		val, exists := getKV(t, db, k)
		require.True(exists)
		if i < 50 {
			require.Equal("rewritten"+k, val)
		} else {
			require.Equal(k+"val", val)
		}
	}

	// A second sweep finds nothing left to collect.
	txn = db.Begin()
	stats, err = db.GC(txn)
	require.NoError(err)
	require.NoError(txn.Commit())
	require.Zero(stats.Collected)
}

func TestGCPreservesAllHeads(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 50)

	txn := db.Begin()
	require.NoError(db.ForkTo(txn, "branch"))
	require.NoError(txn.Commit())

	// Diverge the fork, orphaning nothing from master.
	putKV(t, db, "only-on-branch", "x")
	branchRoot := rootOf(t, db)

	db.Checkout(DefaultHeadName)
	masterRoot := rootOf(t, db)

	txn = db.Begin()
	_, err := db.GC(txn)
	require.NoError(err)
	require.NoError(txn.Commit())

	require.Equal(masterRoot, rootOf(t, db))
	db.Checkout("branch")
	require.Equal(branchRoot, rootOf(t, db))
	val, exists := getKV(t, db, "only-on-branch")
	require.True(exists)
	require.Equal("x", val)
}

func TestGCMarksDetachedHead(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 20)

	// Detach at the current root, then orphan it from the named head.
	txn := db.Begin()
	require.NoError(db.Fork(txn))
	require.NoError(txn.Commit())

	putKV(t, db, "detached-only", "v")
	detachedRoot := rootOf(t, db)

	txn = db.Begin()
	_, err := db.GC(txn)
	require.NoError(err)
	require.NoError(txn.Commit())

	// The detached tree survived.
	require.Equal(detachedRoot, rootOf(t, db))
	val, exists := getKV(t, db, "detached-only")
	require.True(exists)
	require.Equal("v", val)
}

func TestGCVetoPredicate(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "a", "1")
	putKV(t, db, "a", "2") // orphans the first leaf

	txn := db.Begin()
	defer txn.Abort()

	gc := NewGarbageCollector(db)
	require.NoError(gc.MarkAllHeads(txn))

	stats, err := gc.Sweep(txn, func(uint64) bool { return false })
	require.NoError(err)
	require.Zero(stats.Collected)
	require.NotZero(stats.Total)
}

func TestGCRemovedHeadIsCollected(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 10)

	txn := db.Begin()
	require.NoError(db.ForkTo(txn, "doomed"))
	require.NoError(txn.Commit())

	putKV(t, db, "doomed-only", "v")

	db.Checkout(DefaultHeadName)

	txn = db.Begin()
	require.NoError(db.RemoveHead(txn, "doomed"))
	stats, err := db.GC(txn)
	require.NoError(err)
	require.NoError(txn.Commit())
	require.NotZero(stats.Collected)

	// Master still reads.
	val, exists := getKV(t, db, "3")
	require.True(exists)
	require.Equal("3val", val)

	// The leaf-key side records of collected leaves are gone too.
	txn = db.Begin()
	defer txn.Abort()
	count, err := database.Count(txn.leafKeys)
	require.NoError(err)
	nodeCount, err := database.Count(txn.nodes)
	require.NoError(err)
	require.LessOrEqual(count, nodeCount)
}
