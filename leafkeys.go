// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"errors"

	"github.com/hoytech/quadrable/database"
)

// LeafKey returns the original user key stored for a leaf's node id.
// Present only when the store was configured with TrackKeys and the key
// was known at insert time.
func (t *Txn) LeafKey(nodeID uint64) ([]byte, bool, error) {
	if !t.db.trackKeys {
		return nil, false, nil
	}
	key, err := t.leafKeys.Get(database.PackUInt64(nodeID))
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func (t *Txn) setLeafKey(nodeID uint64, leafKey []byte) error {
	if !t.db.trackKeys || len(leafKey) == 0 {
		return nil
	}
	return t.leafKeys.Put(database.PackUInt64(nodeID), leafKey)
}
