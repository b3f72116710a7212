// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyAndSingleLeaf(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)

	_, exists := getKV(t, db, "hello")
	require.False(exists)
	require.Equal(Key{}, rootOf(t, db))

	putKV(t, db, "hello", "world")

	val, exists := getKV(t, db, "hello")
	require.True(exists)
	require.Equal("world", val)

	txn := db.Begin()
	stats, err := db.Stats(txn)
	require.NoError(err)
	txn.Abort()
	require.Equal(uint64(1), stats.NumLeafNodes)
	require.Equal(uint64(1), stats.NumNodes)

	delKV(t, db, "hello")
	_, exists = getKV(t, db, "hello")
	require.False(exists)

	// Root of an empty tree equals the Empty node's hash.
	require.Equal(Key{}, rootOf(t, db))
}

func TestBubbleUpCollapse(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		c.Put([]byte("a"), []byte("1"))
		c.Put([]byte("b"), []byte("2"))
		c.Put([]byte("c"), []byte("3"))
	})

	applyChanges(t, db, func(c *UpdateSet) {
		c.Del([]byte("a"))
		c.Del([]byte("c"))
	})

	// The remaining leaf must bubble to the top: the root matches a fresh
	// single-leaf tree.
	other := newTestDB(t)
	putKV(t, other, "b", "2")
	require.Equal(rootOf(t, other), rootOf(t, db))
}

func TestRootDeterminism(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))

	kvs := make(map[string]string, 200)
	for i := 0; i < 200; i++ {
		kvs[fmt.Sprintf("key%d", i)] = fmt.Sprintf("val%d", rng.Int())
	}

	// One batch.
	batched := newTestDB(t)
	applyChanges(t, batched, func(c *UpdateSet) {
		for k, v := range kvs {
			c.Put([]byte(k), []byte(v))
		}
	})

	// One by one, in random order.
	oneByOne := newTestDB(t)
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		putKV(t, oneByOne, k, kvs[k])
	}

	require.Equal(rootOf(t, batched), rootOf(t, oneByOne))

	// Several batches with interleaved overwrites reach the same root as
	// the terminal value per key.
	chunked := newTestDB(t)
	for i := 0; i < len(keys); i += 17 {
		end := i + 17
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[i:end]
		applyChanges(t, chunked, func(c *UpdateSet) {
			for _, k := range chunk {
				c.Put([]byte(k), []byte("garbage"))
				c.Put([]byte(k), []byte(kvs[k]))
			}
		})
	}
	require.Equal(rootOf(t, batched), rootOf(t, chunked))
}

func TestDelPutIdentity(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	for i := 0; i < 50; i++ {
		putKV(t, db, "key"+strconv.Itoa(i), "val"+strconv.Itoa(i))
	}
	before := rootOf(t, db)

	putKV(t, db, "transient", "x")
	delKV(t, db, "transient")

	require.Equal(before, rootOf(t, db))
}

func TestDeleteAbsentIsNoOp(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "present", "1")
	before := rootOf(t, db)

	applyChanges(t, db, func(c *UpdateSet) {
		c.Del([]byte("absent1"))
		c.Del([]byte("absent2"))
	})
	require.Equal(before, rootOf(t, db))

	// Also starting from empty.
	empty := newTestDB(t)
	delKV(t, empty, "nothing")
	require.Equal(Key{}, rootOf(t, empty))
}

func TestLastWriteWins(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	applyChanges(t, db, func(c *UpdateSet) {
		c.Put([]byte("k"), []byte("first"))
		c.Put([]byte("k"), []byte("second"))
		c.Del([]byte("gone")).Put([]byte("gone"), []byte("back"))
	})

	val, exists := getKV(t, db, "k")
	require.True(exists)
	require.Equal("second", val)

	val, exists = getKV(t, db, "gone")
	require.True(exists)
	require.Equal("back", val)
}

func TestZeroLengthKeyRejected(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)

	txn := db.Begin()
	defer txn.Abort()
	require.ErrorIs(db.Change().Put(nil, []byte("v")).Apply(txn), ErrZeroLengthKey)
	require.ErrorIs(db.Change().Del([]byte{}).Apply(txn), ErrZeroLengthKey)
}

func TestUpdateSetConsumedByApply(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	txn := db.Begin()
	defer txn.Abort()

	change := db.Change().Put([]byte("k"), []byte("v"))
	require.NoError(change.Apply(txn))
	require.Error(change.Apply(txn))
}

func TestGetMulti(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 100)

	txn := db.Begin()
	defer txn.Abort()

	query := map[string]*GetResult{
		"5":      {},
		"50":     {},
		"99":     {},
		"absent": {},
	}
	require.NoError(db.GetMulti(txn, query))

	require.True(query["5"].Exists)
	require.Equal([]byte("5val"), query["5"].Val)
	require.True(query["50"].Exists)
	require.Equal([]byte("50val"), query["50"].Val)
	require.True(query["99"].Exists)
	require.False(query["absent"].Exists)
}

func TestGetMultiKeysPreHashed(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	fillSequential(t, db, 10)

	txn := db.Begin()
	defer txn.Abort()

	query := map[Key]*GetResult{
		HashKey([]byte("3")): {},
		HashKey([]byte("7")): {},
	}
	require.NoError(db.GetMultiKeys(txn, query))
	require.Equal([]byte("3val"), query[HashKey([]byte("3"))].Val)
	require.Equal([]byte("7val"), query[HashKey([]byte("7"))].Val)
}

func TestOverwriteSameValueKeepsRoot(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	putKV(t, db, "k", "v")
	before := rootOf(t, db)

	putKV(t, db, "k", "v")
	require.Equal(before, rootOf(t, db))

	putKV(t, db, "k", "v2")
	require.NotEqual(before, rootOf(t, db))
}

func TestLargeRandomChurn(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(7))
	db := newTestDB(t)
	shadow := make(map[string]string)

	for round := 0; round < 20; round++ {
		applyChanges(t, db, func(c *UpdateSet) {
			for i := 0; i < 100; i++ {
				k := "key" + strconv.Itoa(rng.Intn(500))
				if rng.Intn(4) == 0 {
					c.Del([]byte(k))
					delete(shadow, k)
				} else {
					v := "val" + strconv.Itoa(rng.Int())
					c.Put([]byte(k), []byte(v))
					shadow[k] = v
				}
			}
		})
	}

	for k, v := range shadow {
		val, exists := getKV(t, db, k)
		require.True(exists, "missing %s", k)
		require.Equal(v, val)
	}

	// Rebuilding the terminal state from scratch reaches the same root.
	rebuilt := newTestDB(t)
	applyChanges(t, rebuilt, func(c *UpdateSet) {
		for k, v := range shadow {
			c.Put([]byte(k), []byte(v))
		}
	})
	require.Equal(rootOf(t, rebuilt), rootOf(t, db))

	txn := db.Begin()
	defer txn.Abort()
	stats, err := db.Stats(txn)
	require.NoError(err)
	require.Equal(uint64(len(shadow)), stats.NumLeafNodes)
}
