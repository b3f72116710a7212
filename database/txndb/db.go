// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txndb provides a staged-write layer over a base database. Writes
// are buffered in memory and become visible to reads through this layer
// immediately, but only reach the base database when Commit is called.
// Abort discards all staged writes. This provides atomic multi-write
// transactions. Reads of keys with no staged write go to the base database
// as it is at the time of the read: no snapshot of the base is taken, so
// writes committed to the base after this view was created are visible.
package txndb

import (
	"bytes"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/hoytech/quadrable/database"
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

type valueDelete struct {
	value  []byte
	delete bool
}

// Database implements the Database interface by buffering all writes in
// memory until they are committed to the underlying database.
type Database struct {
	lock sync.RWMutex
	mem  map[string]valueDelete
	db   database.Database
	// Set to false when the transaction is committed or aborted.
	open bool
}

// New returns a new staged-write view over [db].
func New(db database.Database) *Database {
	return &Database{
		mem:  make(map[string]valueDelete, 64),
		db:   db,
		open: true,
	}
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if !db.open {
		return false, database.ErrClosed
	}
	if val, has := db.mem[string(key)]; has {
		return !val.delete, nil
	}
	return db.db.Has(key)
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if !db.open {
		return nil, database.ErrClosed
	}
	if val, has := db.mem[string(key)]; has {
		if val.delete {
			return nil, database.ErrNotFound
		}
		return slices.Clone(val.value), nil
	}
	return db.db.Get(key)
}

func (db *Database) Put(key, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if !db.open {
		return database.ErrClosed
	}
	db.mem[string(key)] = valueDelete{value: slices.Clone(value)}
	return nil
}

func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if !db.open {
		return database.ErrClosed
	}
	db.mem[string(key)] = valueDelete{delete: true}
	return nil
}

// Commit writes all staged operations to the base database atomically via a
// single batch and discards the staged state.
func (db *Database) Commit() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if !db.open {
		return database.ErrClosed
	}

	b := db.db.NewBatch()
	for key, val := range db.mem {
		if val.delete {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		} else if err := b.Put([]byte(key), val.value); err != nil {
			return err
		}
	}
	if err := b.Write(); err != nil {
		return err
	}
	db.abort()
	return nil
}

// Abort discards all staged writes. The view can't be used afterwards.
func (db *Database) Abort() {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.abort()
}

func (db *Database) abort() {
	db.mem = nil
	db.open = false
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

	if !db.open {
		return &database.IteratorError{
			Err: database.ErrClosed,
		}
	}

	startString := string(start)
	prefixString := string(prefix)
	keys := make([]string, 0, len(db.mem))
	for key := range db.mem {
		if strings.HasPrefix(key, prefixString) && key >= startString {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	values := make([]valueDelete, len(keys))
	for i, key := range keys {
		values[i] = db.mem[key]
	}

	return &iterator{
		db:       db,
		Iterator: db.db.NewIteratorWithStartAndPrefix(start, prefix),
		keys:     keys,
		values:   values,
	}
}

func (db *Database) Compact(start, limit []byte) error {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if !db.open {
		return database.ErrClosed
	}
	return db.db.Compact(start, limit)
}

// Close aborts any uncommitted state. The base database is left open.
func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if !db.open {
		return database.ErrClosed
	}
	db.abort()
	return nil
}

type batch struct {
	database.BatchOps

	db *Database
}

// Write applies all batched operations to the staged state.
func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if !b.db.open {
		return database.ErrClosed
	}

	for _, op := range b.Ops {
		b.db.mem[string(op.Key)] = valueDelete{
			value:  op.Value,
			delete: op.Delete,
		}
	}
	return nil
}

func (b *batch) Inner() database.Batch {
	return b
}

// iterator walks over the staged state and the base database in merged key
// order, hiding staged deletions.
type iterator struct {
	db *Database

	key, value []byte
	err        error

	keys   []string
	values []valueDelete

	database.Iterator
	initialized, exhausted bool
}

func (it *iterator) Next() bool {
	// Short-circuit and set an error if the transaction has been closed.
	if !it.db.isOpen() {
		it.key = nil
		it.value = nil
		it.err = database.ErrClosed
		return false
	}

	if !it.initialized {
		it.exhausted = !it.Iterator.Next()
		it.initialized = true
	}

	for {
		switch {
		case it.exhausted && len(it.keys) == 0:
			it.key = nil
			it.value = nil
			return false
		case it.exhausted:
			nextKey := it.keys[0]
			nextValue := it.values[0]

			it.keys = it.keys[1:]
			it.values = it.values[1:]

			if !nextValue.delete {
				it.key = []byte(nextKey)
				it.value = nextValue.value
				return true
			}
		case len(it.keys) == 0:
			it.key = it.Iterator.Key()
			it.value = it.Iterator.Value()
			it.exhausted = !it.Iterator.Next()
			return true
		default:
			memKey := it.keys[0]
			memValue := it.values[0]

			dbKey := it.Iterator.Key()

			switch bytes.Compare([]byte(memKey), dbKey) {
			case -1:
				// The staged key is before the base key.
				it.keys = it.keys[1:]
				it.values = it.values[1:]

				if !memValue.delete {
					it.key = []byte(memKey)
					it.value = memValue.value
					return true
				}
			case 0:
				// The staged key overwrites the base key.
				it.keys = it.keys[1:]
				it.values = it.values[1:]

				it.exhausted = !it.Iterator.Next()

				if !memValue.delete {
					it.key = []byte(memKey)
					it.value = memValue.value
					return true
				}
			case 1:
				it.key = dbKey
				it.value = it.Iterator.Value()
				it.exhausted = !it.Iterator.Next()
				return true
			}
		}
	}
}

func (it *iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.Iterator.Error()
}

func (it *iterator) Key() []byte {
	return it.key
}

func (it *iterator) Value() []byte {
	return it.value
}

func (it *iterator) Release() {
	it.keys = nil
	it.values = nil
	it.Iterator.Release()
}

func (db *Database) isOpen() bool {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return db.open
}
