// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadsForkAndCheckout(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "shared", "v")
	masterRoot := rootOf(t, db)

	// Fork to a named head sharing the current root.
	txn := db.Begin()
	require.NoError(db.ForkTo(txn, "feature"))
	require.NoError(txn.Commit())

	head, err := db.Head()
	require.NoError(err)
	require.Equal("feature", head)
	require.Equal(masterRoot, rootOf(t, db))

	// Diverge the fork; master is untouched.
	putKV(t, db, "feature-only", "x")
	featureRoot := rootOf(t, db)
	require.NotEqual(masterRoot, featureRoot)

	db.Checkout(DefaultHeadName)
	require.Equal(masterRoot, rootOf(t, db))
	_, exists := getKV(t, db, "feature-only")
	require.False(exists)

	db.Checkout("feature")
	require.Equal(featureRoot, rootOf(t, db))

	txn = db.Begin()
	defer txn.Abort()
	heads, err := db.Heads(txn)
	require.NoError(err)
	require.Len(heads, 2)
	require.Contains(heads, DefaultHeadName)
	require.Contains(heads, "feature")
}

func TestDetachedHead(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "a", "1")
	namedRoot := rootOf(t, db)

	txn := db.Begin()
	require.NoError(db.Fork(txn))
	require.NoError(txn.Commit())

	require.True(db.IsDetachedHead())
	_, err := db.Head()
	require.Error(err)

	// Updates in detached mode don't touch the named head.
	putKV(t, db, "b", "2")
	require.NotEqual(namedRoot, rootOf(t, db))

	db.Checkout(DefaultHeadName)
	require.False(db.IsDetachedHead())
	require.Equal(namedRoot, rootOf(t, db))
	_, exists := getKV(t, db, "b")
	require.False(exists)
}

func TestCheckoutNode(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "a", "1")

	txn := db.Begin()
	nodeID, err := db.HeadNodeID(txn)
	require.NoError(err)
	txn.Abort()

	putKV(t, db, "a", "2")

	// Check out the older root by node id.
	db.CheckoutNode(nodeID)
	val, exists := getKV(t, db, "a")
	require.True(exists)
	require.Equal("1", val)
}

func TestRemoveHead(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "a", "1")

	txn := db.Begin()
	require.NoError(db.ForkTo(txn, "doomed"))
	require.NoError(db.RemoveHead(txn, "doomed"))

	heads, err := db.Heads(txn)
	require.NoError(err)
	require.NotContains(heads, "doomed")

	// The session is still on the removed head name; its tree reads as
	// empty now.
	nodeID, err := db.HeadNodeID(txn)
	require.NoError(err)
	require.Zero(nodeID)
	txn.Abort()
}
