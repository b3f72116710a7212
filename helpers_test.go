// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoytech/quadrable/database/memdb"
	"github.com/hoytech/quadrable/utils/maybe"
)

func someKey(k Key) maybe.Maybe[Key] {
	return maybe.Some(k)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(memdb.New(), Config{TrackKeys: true})
	require.NoError(t, err)
	return db
}

// applyChanges commits an update set built by [build].
func applyChanges(t *testing.T, db *DB, build func(*UpdateSet)) {
	t.Helper()

	txn := db.Begin()
	change := db.Change()
	build(change)
	require.NoError(t, change.Apply(txn))
	require.NoError(t, txn.Commit())
}

func putKV(t *testing.T, db *DB, key, val string) {
	t.Helper()

	applyChanges(t, db, func(c *UpdateSet) {
		c.Put([]byte(key), []byte(val))
	})
}

func delKV(t *testing.T, db *DB, key string) {
	t.Helper()

	applyChanges(t, db, func(c *UpdateSet) {
		c.Del([]byte(key))
	})
}

func getKV(t *testing.T, db *DB, key string) (string, bool) {
	t.Helper()

	txn := db.Begin()
	defer txn.Abort()

	val, exists, err := db.Get(txn, []byte(key))
	require.NoError(t, err)
	return string(val), exists
}

func rootOf(t *testing.T, db *DB) Key {
	t.Helper()

	txn := db.Begin()
	defer txn.Abort()

	root, err := db.Root(txn)
	require.NoError(t, err)
	return root
}

// fillSequential inserts keys "0".."n-1" with values "<k>val".
func fillSequential(t *testing.T, db *DB, n int) {
	t.Helper()

	applyChanges(t, db, func(c *UpdateSet) {
		for i := 0; i < n; i++ {
			k := strconv.Itoa(i)
			c.Put([]byte(k), []byte(k+"val"))
		}
	})
}
