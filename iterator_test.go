// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func sortedKeyHashes(n int) []Key {
	hashes := make([]Key, 0, n)
	for i := 0; i < n; i++ {
		hashes = append(hashes, HashKey([]byte("key"+strconv.Itoa(i))))
	}
	slices.SortFunc(hashes, func(a, b Key) int { return a.Compare(b) })
	return hashes
}

func collect(t *testing.T, it *Iterator) []Key {
	t.Helper()

	var out []Key
	for !it.AtEnd() {
		out = append(out, it.Node().LeafKeyHash())
		require.NoError(t, it.Next())
	}
	return out
}

func TestIteratorFullScan(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		for i := 0; i < 300; i++ {
			c.Put([]byte("key"+strconv.Itoa(i)), []byte("v"))
		}
	})

	txn := db.Begin()
	defer txn.Abort()

	it, err := db.Iterate(txn, NullKey(), false)
	require.NoError(err)
	require.Equal(sortedKeyHashes(300), collect(t, it))
}

func TestIteratorReverseScan(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		for i := 0; i < 300; i++ {
			c.Put([]byte("key"+strconv.Itoa(i)), []byte("v"))
		}
	})

	txn := db.Begin()
	defer txn.Abort()

	it, err := db.Iterate(txn, MaxKey(), true)
	require.NoError(err)

	want := sortedKeyHashes(300)
	slices.Reverse(want)
	require.Equal(want, collect(t, it))
}

func TestIteratorSeek(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		for i := 0; i < 100; i++ {
			c.Put([]byte("key"+strconv.Itoa(i)), []byte("v"))
		}
	})

	sorted := sortedKeyHashes(100)

	txn := db.Begin()
	defer txn.Abort()

	// Seek exactly at each existing leaf.
	for i, target := range sorted {
		it, err := db.Iterate(txn, target, false)
		require.NoError(err)
		require.False(it.AtEnd())
		require.Equal(sorted[i], it.Node().LeafKeyHash())
	}

	// Seek to a key between two leaves: forward yields the next one,
	// reverse the previous one.
	between := sorted[41]
	between[KeyLen-1]++ // just past sorted[41]

	it, err := db.Iterate(txn, between, false)
	require.NoError(err)
	require.Equal(sorted[42], it.Node().LeafKeyHash())

	it, err = db.Iterate(txn, between, true)
	require.NoError(err)
	require.Equal(sorted[41], it.Node().LeafKeyHash())

	// Seeking past the last leaf exhausts immediately.
	it, err = db.Iterate(txn, MaxKey(), false)
	require.NoError(err)
	if !it.AtEnd() {
		require.Equal(MaxKey(), it.Node().LeafKeyHash())
	}
}

func TestIteratorEmptyTree(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)

	txn := db.Begin()
	defer txn.Abort()

	it, err := db.Iterate(txn, NullKey(), false)
	require.NoError(err)
	require.True(it.AtEnd())
}

func TestIteratorSaveRestore(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		for i := 0; i < 50; i++ {
			c.Put([]byte("key"+strconv.Itoa(i)), []byte("v"))
		}
	})

	sorted := sortedKeyHashes(50)

	txn := db.Begin()
	it, err := db.Iterate(txn, NullKey(), false)
	require.NoError(err)
	for i := 0; i < 20; i++ {
		require.NoError(it.Next())
	}
	cp := it.Save()
	txn.Abort()

	// Restore against a fresh transaction.
	txn = db.Begin()
	defer txn.Abort()
	it, err = db.RestoreIterator(txn, cp)
	require.NoError(err)
	require.Equal(sorted[20:], collect(t, it))
}

func TestIteratorIncompleteTree(t *testing.T) {
	require := require.New(t)

	full := newTestDB(t)
	fillSequential(t, full, 100)

	fullTxn := full.Begin()
	proof, err := full.ExportProof(fullTxn, [][]byte{[]byte("42")})
	require.NoError(err)
	root, err := full.Root(fullTxn)
	require.NoError(err)
	fullTxn.Abort()

	partial := newTestDB(t)
	txn := partial.Begin()
	defer txn.Abort()
	_, err = partial.ImportProof(txn, proof, someKey(root))
	require.NoError(err)

	// Iterating a proof-only tree runs into opaque subtrees.
	it, err := partial.Iterate(txn, NullKey(), false)
	for err == nil && !it.AtEnd() {
		err = it.Next()
	}
	require.ErrorIs(err, ErrIncompleteTree)
}
