// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hoytech/quadrable/database"
)

const (
	// Name is the name of this database for database switches
	Name = "leveldb"

	// DefaultBlockCacheSize is the number of bytes to use for block caching
	// in leveldb.
	DefaultBlockCacheSize = 12 * opt.MiB

	// DefaultHandleCap is the number of files descriptors to cap levelDB to
	// use.
	DefaultHandleCap = 1024

	// DefaultBitsPerKey is the number of bits to add to the bloom filter per
	// key.
	DefaultBitsPerKey = 10
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iter)(nil)
)

// Database is a persistent key-value store backed by goleveldb.
type Database struct {
	db *leveldb.DB
}

// New returns a leveldb-backed database at [path].
func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity:     DefaultBlockCacheSize,
		OpenFilesCacheCapacity: DefaultHandleCap,
		Filter:                 filter.NewBloomFilter(DefaultBitsPerKey),
	})
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	has, err := db.db.Has(key, nil)
	return has, updateError(err)
}

func (db *Database) Get(key []byte) ([]byte, error) {
	value, err := db.db.Get(key, nil)
	return value, updateError(err)
}

func (db *Database) Put(key, value []byte) error {
	return updateError(db.db.Put(key, value, nil))
}

func (db *Database) Delete(key []byte) error {
	return updateError(db.db.Delete(key, nil))
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
	it := db.db.NewIterator(iterateRange(start, prefix), nil)
	return &iter{Iterator: it}
}

func iterateRange(start, prefix []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	if len(start) > 0 && string(start) > string(prefix) {
		r.Start = start
	}
	return r
}

func (db *Database) Compact(start, limit []byte) error {
	return updateError(db.db.CompactRange(util.Range{Start: start, Limit: limit}))
}

func (db *Database) Close() error {
	return updateError(db.db.Close())
}

// batch buffers operations and flushes them with a single leveldb write.
type batch struct {
	database.BatchOps

	db *Database
}

func (b *batch) Write() error {
	wb := new(leveldb.Batch)
	for _, op := range b.Ops {
		if op.Delete {
			wb.Delete(op.Key)
		} else {
			wb.Put(op.Key, op.Value)
		}
	}
	return updateError(b.db.db.Write(wb, nil))
}

func (b *batch) Inner() database.Batch {
	return b
}

type iter struct {
	iterator.Iterator
}

func (it *iter) Error() error {
	return updateError(it.Iterator.Error())
}

// updateError converts goleveldb-specific errors to their database
// equivalents.
func updateError(err error) error {
	switch err {
	case leveldb.ErrClosed:
		return database.ErrClosed
	case errors.ErrNotFound:
		return database.ErrNotFound
	default:
		return err
	}
}
