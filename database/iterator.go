// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package database

var _ Iterator = (*IteratorError)(nil)

// IteratorError is an iterator that yields nothing and errors with the
// provided error. It is returned when an iterator can't be constructed.
type IteratorError struct {
	Err error
}

func (*IteratorError) Next() bool {
	return false
}

func (it *IteratorError) Error() error {
	return it.Err
}

func (*IteratorError) Key() []byte {
	return nil
}

func (*IteratorError) Value() []byte {
	return nil
}

func (*IteratorError) Release() {}
