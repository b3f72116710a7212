// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txndb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoytech/quadrable/database"
	"github.com/hoytech/quadrable/database/memdb"
)

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	txn := New(base)

	require.NoError(txn.Put([]byte("k"), []byte("v")))

	// Visible through the view.
	val, err := txn.Get([]byte("k"))
	require.NoError(err)
	require.Equal([]byte("v"), val)

	// Invisible to the base.
	_, err = base.Get([]byte("k"))
	require.ErrorIs(err, database.ErrNotFound)

	require.NoError(txn.Commit())

	val, err = base.Get([]byte("k"))
	require.NoError(err)
	require.Equal([]byte("v"), val)
}

func TestAbortDiscards(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	require.NoError(base.Put([]byte("existing"), []byte("old")))

	txn := New(base)
	require.NoError(txn.Put([]byte("k"), []byte("v")))
	require.NoError(txn.Delete([]byte("existing")))
	txn.Abort()

	_, err := base.Get([]byte("k"))
	require.ErrorIs(err, database.ErrNotFound)

	val, err := base.Get([]byte("existing"))
	require.NoError(err)
	require.Equal([]byte("old"), val)

	// The view is unusable after Abort.
	_, err = txn.Get([]byte("k"))
	require.ErrorIs(err, database.ErrClosed)
	require.ErrorIs(txn.Commit(), database.ErrClosed)
}

func TestStagedDeleteShadowsBase(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	require.NoError(base.Put([]byte("k"), []byte("v")))

	txn := New(base)
	require.NoError(txn.Delete([]byte("k")))

	_, err := txn.Get([]byte("k"))
	require.ErrorIs(err, database.ErrNotFound)

	has, err := txn.Has([]byte("k"))
	require.NoError(err)
	require.False(has)
}

func TestMergedIterator(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	require.NoError(base.Put([]byte("a"), []byte("base-a")))
	require.NoError(base.Put([]byte("c"), []byte("base-c")))
	require.NoError(base.Put([]byte("e"), []byte("base-e")))

	txn := New(base)
	require.NoError(txn.Put([]byte("b"), []byte("staged-b")))
	require.NoError(txn.Put([]byte("c"), []byte("staged-c")))
	require.NoError(txn.Delete([]byte("e")))

	it := txn.NewIterator()
	defer it.Release()

	var keys, vals []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		vals = append(vals, string(it.Value()))
	}
	require.NoError(it.Error())
	require.Equal([]string{"a", "b", "c"}, keys)
	require.Equal([]string{"base-a", "staged-b", "staged-c"}, vals)
}

func TestIteratorWithStartAndPrefix(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	require.NoError(base.Put([]byte("p/1"), []byte("1")))
	require.NoError(base.Put([]byte("q/1"), []byte("x")))

	txn := New(base)
	require.NoError(txn.Put([]byte("p/2"), []byte("2")))
	require.NoError(txn.Put([]byte("p/0"), []byte("0")))

	it := txn.NewIteratorWithStartAndPrefix([]byte("p/1"), []byte("p/"))
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(it.Error())
	require.Equal([]string{"p/1", "p/2"}, keys)
}

func TestCommitIsAtomicBatch(t *testing.T) {
	require := require.New(t)

	base := memdb.New()
	require.NoError(base.Put([]byte("old"), []byte("x")))

	txn := New(base)
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(txn.Put([]byte(k), []byte("v")))
	}
	require.NoError(txn.Delete([]byte("old")))
	require.NoError(txn.Commit())

	count, err := database.Count(base)
	require.NoError(err)
	require.Equal(3, count)
}
