// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func putIntegerKeys(t *testing.T, db *DB, from, to uint64) {
	t.Helper()

	applyChanges(t, db, func(c *UpdateSet) {
		for i := from; i <= to; i++ {
			k, err := KeyFromInteger(i)
			require.NoError(t, err)
			c.PutKey(k, []byte(strconv.FormatUint(i, 10)))
		}
	})
}

// driveSync runs the requester loop against [remote] until no requests
// remain, round-tripping every batch through the wire encoding. Returns
// the number of rounds and total bytes transferred.
func driveSync(t *testing.T, local *DB, localTxn *Txn, syncer *Syncer, remote *DB, remoteNodeID uint64, bytesBudget uint64) (int, uint64) {
	t.Helper()

	remoteTxn := remote.Begin()
	defer remoteTxn.Abort()

	rounds := 0
	totalBytes := uint64(0)

	for {
		reqs, err := syncer.GetReqs(localTxn, bytesBudget)
		require.NoError(t, err)
		if len(reqs) == 0 {
			break
		}
		rounds++
		require.Less(t, rounds, 1000, "sync did not converge")

		reqBytes, err := EncodeSyncRequests(reqs)
		require.NoError(t, err)
		totalBytes += uint64(len(reqBytes))

		decodedReqs, err := DecodeSyncRequests(reqBytes)
		require.NoError(t, err)
		require.Equal(t, reqs, decodedReqs)

		resps, err := remote.HandleSyncRequests(remoteTxn, remoteNodeID, decodedReqs, bytesBudget)
		require.NoError(t, err)

		respBytes, err := EncodeSyncResponses(resps, ProofEncodingHashedKeys)
		require.NoError(t, err)
		totalBytes += uint64(len(respBytes))

		decodedResps, err := DecodeSyncResponses(respBytes)
		require.NoError(t, err)

		require.NoError(t, syncer.AddResps(localTxn, decodedReqs, decodedResps))
	}

	return rounds, totalBytes
}

func TestSyncFromScratch(t *testing.T) {
	require := require.New(t)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, 1000)
	remoteRoot := rootOf(t, remote)

	remoteTxn := remote.Begin()
	remoteNodeID, err := remote.HeadNodeID(remoteTxn)
	require.NoError(err)
	remoteTxn.Abort()

	local := newTestDB(t)
	localTxn := local.Begin()
	defer localTxn.Abort()

	syncer, err := NewSyncer(local, localTxn, 0)
	require.NoError(err)

	driveSync(t, local, localTxn, syncer, remote, remoteNodeID, 100_000)

	shadowRoot, err := local.RootOf(localTxn, syncer.ShadowNodeID())
	require.NoError(err)
	require.Equal(remoteRoot, shadowRoot)
}

func TestSyncIncremental(t *testing.T) {
	require := require.New(t)

	const (
		numKeys     = 10_000
		numAlters   = 1_000
		roundBudget = 10 * 1024
	)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, numKeys)

	// The local tree is the pre-alteration version.
	local := newTestDB(t)
	putIntegerKeys(t, local, 1, numKeys)

	// Apply random alterations to the remote: new ids and deletions.
	rng := rand.New(rand.NewSource(99))
	applyChanges(t, remote, func(c *UpdateSet) {
		for i := 0; i < numAlters; i++ {
			if rng.Intn(2) == 0 {
				k, err := KeyFromInteger(uint64(numKeys + 1 + rng.Intn(numKeys)))
				require.NoError(err)
				c.PutKey(k, []byte("new"))
			} else {
				k, err := KeyFromInteger(uint64(1 + rng.Intn(numKeys)))
				require.NoError(err)
				c.DelKey(k)
			}
		}
	})
	remoteRoot := rootOf(t, remote)

	remoteTxn := remote.Begin()
	remoteNodeID, err := remote.HeadNodeID(remoteTxn)
	require.NoError(err)
	remoteTxn.Abort()

	localTxn := local.Begin()
	defer localTxn.Abort()
	localNodeID, err := local.HeadNodeID(localTxn)
	require.NoError(err)

	syncer, err := NewSyncer(local, localTxn, localNodeID)
	require.NoError(err)

	rounds, totalBytes := driveSync(t, local, localTxn, syncer, remote, remoteNodeID, roundBudget)

	shadowRoot, err := local.RootOf(localTxn, syncer.ShadowNodeID())
	require.NoError(err)
	require.Equal(remoteRoot, shadowRoot)

	// Syncing a diverged tree transfers far less than the tree's stored
	// size.
	remoteStatsTxn := remote.Begin()
	remoteStats, err := remote.Stats(remoteStatsTxn)
	require.NoError(err)
	remoteStatsTxn.Abort()
	require.Less(totalBytes, remoteStats.NumBytes)
	t.Logf("sync: %d rounds, %d bytes, tree %d bytes", rounds, totalBytes, remoteStats.NumBytes)
}

func TestSyncedDiffEvents(t *testing.T) {
	require := require.New(t)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, 500)

	local := newTestDB(t)
	putIntegerKeys(t, local, 1, 500)

	// One addition, one deletion, one change.
	addKey, err := KeyFromInteger(1000)
	require.NoError(err)
	delKey, err := KeyFromInteger(17)
	require.NoError(err)
	chgKey, err := KeyFromInteger(400)
	require.NoError(err)
	applyChanges(t, remote, func(c *UpdateSet) {
		c.PutKey(addKey, []byte("added"))
		c.DelKey(delKey)
		c.PutKey(chgKey, []byte("changed"))
	})

	remoteTxn := remote.Begin()
	remoteNodeID, err := remote.HeadNodeID(remoteTxn)
	require.NoError(err)
	remoteTxn.Abort()

	localTxn := local.Begin()
	defer localTxn.Abort()
	localNodeID, err := local.HeadNodeID(localTxn)
	require.NoError(err)

	syncer, err := NewSyncer(local, localTxn, localNodeID)
	require.NoError(err)
	driveSync(t, local, localTxn, syncer, remote, remoteNodeID, 100_000)

	added := map[Key]bool{}
	deleted := map[Key]bool{}
	changed := map[Key]bool{}
	require.NoError(syncer.Diff(localTxn, localNodeID, syncer.ShadowNodeID(), func(dt SyncDiffType, node *ParsedNode) error {
		switch dt {
		case SyncDiffAdded:
			added[node.LeafKeyHash()] = true
		case SyncDiffDeleted:
			deleted[node.LeafKeyHash()] = true
		case SyncDiffChanged:
			changed[node.LeafKeyHash()] = true
		}
		return nil
	}))

	require.Equal(map[Key]bool{addKey: true}, added)
	require.Equal(map[Key]bool{delKey: true}, deleted)
	require.Equal(map[Key]bool{chgKey: true}, changed)
}

func TestSyncRequestValidation(t *testing.T) {
	require := require.New(t)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, 100)

	txn := remote.Begin()
	defer txn.Abort()
	nodeID, err := remote.HeadNodeID(txn)
	require.NoError(err)

	_, err = remote.HandleSyncRequests(txn, nodeID, nil, 1000)
	require.Error(err)

	_, err = remote.HandleSyncRequests(txn, nodeID, []SyncRequest{{}}, 0)
	require.Error(err)

	// Out-of-order paths are rejected.
	a, err := KeyFromInteger(5)
	require.NoError(err)
	b, err := KeyFromInteger(3)
	require.NoError(err)
	_, err = remote.HandleSyncRequests(txn, nodeID, []SyncRequest{
		{Path: a, StartDepth: 4, DepthLimit: 4},
		{Path: b, StartDepth: 4, DepthLimit: 4},
	}, 1000)
	require.Error(err)
}

func TestSyncTamperedFragment(t *testing.T) {
	require := require.New(t)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, 1000)

	remoteTxn := remote.Begin()
	defer remoteTxn.Abort()
	remoteNodeID, err := remote.HeadNodeID(remoteTxn)
	require.NoError(err)

	local := newTestDB(t)
	localTxn := local.Begin()
	defer localTxn.Abort()

	syncer, err := NewSyncer(local, localTxn, 0)
	require.NoError(err)

	// First round establishes the shadow root.
	reqs, err := syncer.GetReqs(localTxn, 100_000)
	require.NoError(err)
	resps, err := remote.HandleSyncRequests(remoteTxn, remoteNodeID, reqs, 100_000)
	require.NoError(err)
	require.NoError(syncer.AddResps(localTxn, reqs, resps))

	// Tamper with a later round's fragment: its subtree hash no longer
	// matches the recorded witness.
	reqs, err = syncer.GetReqs(localTxn, 100_000)
	require.NoError(err)
	require.NotEmpty(reqs)
	resps, err = remote.HandleSyncRequests(remoteTxn, remoteNodeID, reqs, 100_000)
	require.NoError(err)
	require.NotEmpty(resps)

	for i := range resps[0].Strands {
		if resps[0].Strands[i].StrandType == ProofStrandLeaf {
			resps[0].Strands[i].Val = []byte("tampered")
			break
		}
	}

	err = syncer.AddResps(localTxn, reqs, resps)
	require.ErrorIs(err, ErrSyncMismatch)
}

// TestSyncTwoPeersConcurrent exchanges batches over channels with the
// responder running in its own goroutine.
func TestSyncTwoPeersConcurrent(t *testing.T) {
	require := require.New(t)

	remote := newTestDB(t)
	putIntegerKeys(t, remote, 1, 2000)
	remoteRoot := rootOf(t, remote)

	local := newTestDB(t)
	putIntegerKeys(t, local, 1, 1500)

	reqCh := make(chan []byte)
	respCh := make(chan []byte)

	var eg errgroup.Group

	eg.Go(func() error {
		txn := remote.Begin()
		defer txn.Abort()

		nodeID, err := remote.HeadNodeID(txn)
		if err != nil {
			return err
		}
		for reqBytes := range reqCh {
			reqs, err := DecodeSyncRequests(reqBytes)
			if err != nil {
				return err
			}
			resps, err := remote.HandleSyncRequests(txn, nodeID, reqs, 50_000)
			if err != nil {
				return err
			}
			respBytes, err := EncodeSyncResponses(resps, ProofEncodingHashedKeys)
			if err != nil {
				return err
			}
			respCh <- respBytes
		}
		close(respCh)
		return nil
	})

	localTxn := local.Begin()
	defer localTxn.Abort()
	localNodeID, err := local.HeadNodeID(localTxn)
	require.NoError(err)

	syncer, err := NewSyncer(local, localTxn, localNodeID)
	require.NoError(err)

	for {
		reqs, err := syncer.GetReqs(localTxn, 50_000)
		require.NoError(err)
		if len(reqs) == 0 {
			break
		}

		reqBytes, err := EncodeSyncRequests(reqs)
		require.NoError(err)
		reqCh <- reqBytes

		resps, err := DecodeSyncResponses(<-respCh)
		require.NoError(err)
		require.NoError(syncer.AddResps(localTxn, reqs, resps))
	}
	close(reqCh)
	require.NoError(eg.Wait())

	shadowRoot, err := local.RootOf(localTxn, syncer.ShadowNodeID())
	require.NoError(err)
	require.Equal(remoteRoot, shadowRoot)
}
