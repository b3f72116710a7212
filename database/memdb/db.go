// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package memdb

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"golang.org/x/exp/slices"

	"github.com/hoytech/quadrable/database"
)

const (
	// Name is the name of this database for database switches
	Name = "memdb"

	// BTree degree used for the backing ordered index.
	degree = 16
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

type keyValue struct {
	key   []byte
	value []byte
}

func keyValueLess(a, b keyValue) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Database is an ephemeral ordered key-value store that implements the
// Database interface.
type Database struct {
	lock sync.RWMutex
	tree *btree.BTreeG[keyValue]
}

// New returns a new in-memory database.
func New() *Database {
	return &Database{tree: btree.NewG(degree, keyValueLess)}
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return database.ErrClosed
	}
	db.tree = nil
	return nil
}

func (db *Database) isClosed() bool {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return db.tree == nil
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return false, database.ErrClosed
	}
	_, ok := db.tree.Get(keyValue{key: key})
	return ok, nil
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return nil, database.ErrClosed
	}
	if kv, ok := db.tree.Get(keyValue{key: key}); ok {
		return slices.Clone(kv.value), nil
	}
	return nil, database.ErrNotFound
}

func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return database.ErrClosed
	}
	db.tree.ReplaceOrInsert(keyValue{
		key:   slices.Clone(key),
		value: slices.Clone(value),
	})
	return nil
}

func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return database.ErrClosed
	}
	db.tree.Delete(keyValue{key: key})
	return nil
}

func (db *Database) NewBatch() database.Batch {
	return &batch{db: db}
}

func (db *Database) NewIterator() database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, nil)
}

func (db *Database) NewIteratorWithStart(start []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(start, nil)
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, prefix)
}

func (db *Database) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return &database.IteratorError{
			Err: database.ErrClosed,
		}
	}

	from := start
	if bytes.Compare(prefix, start) > 0 {
		from = prefix
	}

	// Collect the matching key/value pairs under the read lock so that the
	// iterator observes a consistent snapshot.
	var kvs []keyValue
	db.tree.AscendGreaterOrEqual(keyValue{key: from}, func(kv keyValue) bool {
		if !bytes.HasPrefix(kv.key, prefix) {
			return false
		}
		kvs = append(kvs, kv)
		return true
	})
	return &iterator{
		db:  db,
		kvs: kvs,
	}
}

func (db *Database) Compact(_, _ []byte) error {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return database.ErrClosed
	}
	return nil
}

type batch struct {
	database.BatchOps

	db *Database
}

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if b.db.tree == nil {
		return database.ErrClosed
	}

	for _, op := range b.Ops {
		if op.Delete {
			b.db.tree.Delete(keyValue{key: op.Key})
		} else {
			b.db.tree.ReplaceOrInsert(keyValue{key: op.Key, value: op.Value})
		}
	}
	return nil
}

func (b *batch) Inner() database.Batch {
	return b
}

type iterator struct {
	db          *Database
	initialized bool
	kvs         []keyValue
	err         error
}

func (it *iterator) Next() bool {
	// Short-circuit and set an error if the underlying database has been
	// closed.
	if it.db.isClosed() {
		it.kvs = nil
		it.err = database.ErrClosed
		return false
	}

	if !it.initialized {
		it.initialized = true
		return len(it.kvs) > 0
	}
	if len(it.kvs) > 0 {
		it.kvs = it.kvs[1:]
	}
	return len(it.kvs) > 0
}

func (it *iterator) Error() error {
	return it.err
}

func (it *iterator) Key() []byte {
	if len(it.kvs) > 0 {
		return it.kvs[0].key
	}
	return nil
}

func (it *iterator) Value() []byte {
	if len(it.kvs) > 0 {
		return it.kvs[0].value
	}
	return nil
}

func (it *iterator) Release() {
	it.kvs = nil
}
