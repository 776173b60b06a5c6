package core

import (
	"bytes"
	"encoding/hex"
	"sync"

	log "github.com/sirupsen/logrus"
)

// AutoFetch is one standing rule: fetch from a matching remote peer and
// store the results on the storage side.
type AutoFetch struct {
	// RemotePublicKey scopes the rule to one remote peer; empty matches
	// every connection.
	RemotePublicKey []byte

	// FetchRequest is issued on the server (remote) client.
	FetchRequest FetchRequest

	// BlobSizeMaxLimit bounds blob transfers started for missing blobs:
	// 0 disables blob syncing, negative means unlimited.
	BlobSizeMaxLimit int64

	// Reverse swaps the roles: fetch from storage, store toward the
	// remote peer.
	Reverse bool
}

// AutoFetcher pairs a server peer (the remote side) with a storage peer and
// executes AutoFetch rules: subscribe on one, store on the other, batching
// stores and muting the echo through the shared mute list, and syncing
// missing blobs within the configured size limit.
type AutoFetcher struct {
	serverPeer  *Peer
	storagePeer *Peer

	mu           sync.Mutex
	handles      []*FetchResponseHandle
	syncingBlobs map[string]*BlobSync

	logger *log.Entry
}

// NewAutoFetcher wires an auto-fetcher over the two clients.
func NewAutoFetcher(serverPeer, storagePeer *Peer) *AutoFetcher {
	return &AutoFetcher{
		serverPeer:   serverPeer,
		storagePeer:  storagePeer,
		syncingBlobs: make(map[string]*BlobSync),
		logger:       log.WithField("service", "autofetch"),
	}
}

// AddFetch starts every rule matching the server peer's remote key.
func (af *AutoFetcher) AddFetch(rules []AutoFetch) {
	for _, rule := range rules {
		if len(rule.RemotePublicKey) > 0 &&
			!bytes.Equal(rule.RemotePublicKey, af.serverPeer.RemotePublicKey()) {
			continue
		}
		if err := af.startRule(rule); err != nil {
			af.logger.Warnf("auto-fetch rule failed to start: %v", err)
		}
	}
}

// startRule issues the rule's fetch on the fetching side and forwards
// results to the storing side.
func (af *AutoFetcher) startRule(rule AutoFetch) error {
	fetchPeer, storePeer := af.serverPeer, af.storagePeer
	if rule.Reverse {
		fetchPeer, storePeer = storePeer, fetchPeer
	}
	req := rule.FetchRequest
	fh, err := fetchPeer.Fetch(&req, SendOpts{})
	if err != nil {
		return err
	}
	if req.IsSubscription() {
		fetchPeer.MuteList().Add(fh.MsgID())
	}
	af.mu.Lock()
	af.handles = append(af.handles, fh)
	af.mu.Unlock()

	fh.OnResponse(func(resp *FetchResponse) {
		if len(resp.Nodes) == 0 {
			return
		}
		af.storeNodes(fetchPeer, storePeer, resp.Nodes, rule)
	})
	fh.OnCancel(func() {
		fetchPeer.MuteList().Remove(fh.MsgID())
	})
	return nil
}

// storeNodes pushes fetched node images to the storing side in batches and
// kicks off blob syncing for any blobs the storage reports missing.
func (af *AutoFetcher) storeNodes(fetchPeer, storePeer *Peer, nodes [][]byte, rule AutoFetch) {
	var batch [][]byte
	batchBytes := 0
	batchID := uint32(1)
	flush := func(hasMore bool) {
		if len(batch) == 0 {
			return
		}
		resp, err := storePeer.Store(&StoreRequest{
			Nodes:           batch,
			TargetPublicKey: storePeer.RemotePublicKey(),
			MuteMsgIDs:      fetchPeer.MuteList().Snapshot(),
			BatchID:         batchID,
			HasMore:         hasMore,
		}, forwardTimeout)
		batch = nil
		batchBytes = 0
		batchID++
		if err != nil {
			af.logger.Warnf("auto-fetch store failed: %v", err)
			return
		}
		af.handleMissingBlobs(fetchPeer, storePeer, resp, rule)
	}
	for _, node := range nodes {
		if len(batch) >= MaxBatchSize || batchBytes+len(node) > MessageSplitBytes {
			flush(true)
		}
		batch = append(batch, node)
		batchBytes += len(node)
	}
	flush(false)
}

// handleMissingBlobs starts a read/write pipeline for every missing blob
// the store reply advertises, if its size fits the rule's limit.
func (af *AutoFetcher) handleMissingBlobs(fetchPeer, storePeer *Peer, resp *StoreResponse, rule AutoFetch) {
	if resp == nil || rule.BlobSizeMaxLimit == 0 {
		return
	}
	for i, id1 := range resp.MissingBlobID1s {
		var size uint64
		if i < len(resp.MissingBlobSizes) {
			size = resp.MissingBlobSizes[i]
		}
		if rule.BlobSizeMaxLimit > 0 && size > uint64(rule.BlobSizeMaxLimit) {
			af.logger.Debugf("blob %s exceeds size limit, skipping", hex.EncodeToString(id1))
			continue
		}
		af.SyncBlob(fetchPeer, storePeer, id1, size)
	}
}

// SyncBlob starts (or joins) the transfer of one blob. Re-entrant: a
// transfer already in flight for the id is returned instead of a second one
// being started.
func (af *AutoFetcher) SyncBlob(fetchPeer, storePeer *Peer, id1 []byte, size uint64) *BlobSync {
	key := hex.EncodeToString(id1)
	af.mu.Lock()
	if job, ok := af.syncingBlobs[key]; ok {
		af.mu.Unlock()
		return job
	}
	job := newBlobSync(fetchPeer, storePeer, id1, size)
	af.syncingBlobs[key] = job
	af.mu.Unlock()

	go func() {
		job.run()
		af.mu.Lock()
		delete(af.syncingBlobs, key)
		af.mu.Unlock()
	}()
	return job
}

// Stop unsubscribes every standing fetch. The underlying transports stay
// open.
func (af *AutoFetcher) Stop() {
	af.mu.Lock()
	handles := af.handles
	af.handles = nil
	af.mu.Unlock()
	for _, fh := range handles {
		fh.Cancel()
	}
}
