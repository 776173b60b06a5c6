package core

import (
	"bytes"
	"encoding/hex"
	"sync"
	"testing"
	"time"
)

// testStorage is a tiny in-memory store used to exercise the auto-fetch
// pipeline.
type testStorage struct {
	mu    sync.Mutex
	nodes map[string][]byte
	blobs map[string][]byte

	// missingBlobs advertises these ids as missing on the next store.
	missingBlobs map[string]uint64
	muteSeen     [][]byte
}

func newTestStorage() *testStorage {
	return &testStorage{
		nodes:        make(map[string][]byte),
		blobs:        make(map[string][]byte),
		missingBlobs: make(map[string]uint64),
	}
}

func (ts *testStorage) handlers() RequestHandlers {
	return RequestHandlers{
		OnStore: func(req *StoreRequest) *StoreResponse {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			resp := &StoreResponse{Status: StatusResult}
			ts.muteSeen = append(ts.muteSeen, req.MuteMsgIDs...)
			for _, image := range req.Nodes {
				key := hex.EncodeToString(image[:4])
				ts.nodes[key] = image
				resp.StoredID1s = append(resp.StoredID1s, image[:4])
			}
			for id, size := range ts.missingBlobs {
				raw, _ := hex.DecodeString(id)
				resp.MissingBlobID1s = append(resp.MissingBlobID1s, raw)
				resp.MissingBlobSizes = append(resp.MissingBlobSizes, size)
			}
			ts.missingBlobs = make(map[string]uint64)
			return resp
		},
		OnWriteBlob: func(req *WriteBlobRequest) *WriteBlobResponse {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			key := hex.EncodeToString(req.NodeID1)
			blob := ts.blobs[key]
			if req.Pos > uint64(len(blob)) {
				return &WriteBlobResponse{Status: StatusMismatch, Error: "beyond end"}
			}
			blob = append(blob[:req.Pos], req.Data...)
			ts.blobs[key] = blob
			return &WriteBlobResponse{Status: StatusResult, CurrentLength: uint64(len(blob))}
		},
	}
}

// testRemote serves fetches and blob reads.
type testRemote struct {
	images [][]byte
	blobs  map[string][]byte
}

func (tr *testRemote) handlers() RequestHandlers {
	return RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			_ = w.Reply(&FetchResponse{
				Status: StatusResult,
				Nodes:  tr.images,
				Seq:    1,
				EndSeq: 1,
			})
		},
		OnReadBlob: func(req *ReadBlobRequest, w *BlobReplyWriter) {
			blob := tr.blobs[hex.EncodeToString(req.NodeID1)]
			end := uint64(len(blob))
			if req.Length > 0 && req.Pos+uint64(req.Length) < end {
				end = req.Pos + uint64(req.Length)
			}
			if req.Pos > end {
				_ = w.Reply(&ReadBlobResponse{Status: StatusMismatch, Seq: 0, Error: "beyond end"})
				return
			}
			_ = w.Reply(&ReadBlobResponse{
				Status:     StatusResult,
				Data:       blob[req.Pos:end],
				Seq:        1,
				EndSeq:     1,
				BlobLength: uint64(len(blob)),
			})
		},
	}
}

func testAutoFetchRig(t *testing.T, remote *testRemote, storage *testStorage) *AutoFetcher {
	t.Helper()
	localKey, _ := GenKeyPair(KeyTypeEdwards)
	remoteKey, _ := GenKeyPair(KeyTypeEdwards)

	serverClientEnd, serverEnd := MessagingPair()
	storageClientEnd, storageEnd := MessagingPair()

	remotePeer := NewPeer(serverEnd, PermissionsPermissive(),
		*testPeerProps(remoteKey.PublicKey), *testPeerProps(localKey.PublicKey))
	remotePeer.SetHandlers(remote.handlers())
	serverClient := NewPeer(serverClientEnd, PermissionsLocked(),
		*testPeerProps(localKey.PublicKey), *testPeerProps(remoteKey.PublicKey))

	storagePeer := NewPeer(storageEnd, PermissionsPermissive(),
		*testPeerProps(localKey.PublicKey), *testPeerProps(localKey.PublicKey))
	storagePeer.SetHandlers(storage.handlers())
	storageClient := NewPeer(storageClientEnd, PermissionsLocked(),
		*testPeerProps(localKey.PublicKey), *testPeerProps(localKey.PublicKey))

	t.Cleanup(func() {
		_ = serverClient.Close()
		_ = storageClient.Close()
	})
	return NewAutoFetcher(serverClient, storageClient)
}

func TestAutoFetchStoresFetchedNodes(t *testing.T) {
	remote := &testRemote{images: [][]byte{
		[]byte("aaaa-image-1"),
		[]byte("bbbb-image-2"),
	}}
	storage := newTestStorage()
	fetcher := testAutoFetchRig(t, remote, storage)

	rule := AutoFetch{}
	rule.FetchRequest.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fetcher.AddFetch([]AutoFetch{rule})

	deadline := time.After(2 * time.Second)
	for {
		storage.mu.Lock()
		count := len(storage.nodes)
		storage.mu.Unlock()
		if count == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("auto-fetch never stored the images, have %d", count)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAutoFetchRuleScoping(t *testing.T) {
	remote := &testRemote{images: [][]byte{[]byte("aaaa-image")}}
	storage := newTestStorage()
	fetcher := testAutoFetchRig(t, remote, storage)

	// A rule scoped to another peer's key must not fire.
	other, _ := GenKeyPair(KeyTypeEdwards)
	rule := AutoFetch{RemotePublicKey: other.PublicKey}
	rule.FetchRequest.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fetcher.AddFetch([]AutoFetch{rule})

	time.Sleep(100 * time.Millisecond)
	storage.mu.Lock()
	count := len(storage.nodes)
	storage.mu.Unlock()
	if count != 0 {
		t.Fatalf("scoped rule must not fetch from a different peer")
	}
}

func TestAutoFetchBlobPipeline(t *testing.T) {
	blobID := bytes.Repeat([]byte{0x61}, 32) // "aaaa..." hex 6161...
	blob := bytes.Repeat([]byte{0x5a}, 3000)
	remote := &testRemote{
		images: [][]byte{[]byte("aaaa-image")},
		blobs:  map[string][]byte{hex.EncodeToString(blobID): blob},
	}
	storage := newTestStorage()
	storage.missingBlobs[hex.EncodeToString(blobID)] = uint64(len(blob))
	fetcher := testAutoFetchRig(t, remote, storage)

	rule := AutoFetch{BlobSizeMaxLimit: -1}
	rule.FetchRequest.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fetcher.AddFetch([]AutoFetch{rule})

	deadline := time.After(3 * time.Second)
	for {
		storage.mu.Lock()
		got := storage.blobs[hex.EncodeToString(blobID)]
		storage.mu.Unlock()
		if bytes.Equal(got, blob) {
			return
		}
		select {
		case <-deadline:
			storage.mu.Lock()
			have := len(storage.blobs[hex.EncodeToString(blobID)])
			storage.mu.Unlock()
			t.Fatalf("blob never fully synced, have %d of %d bytes", have, len(blob))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAutoFetchBlobSizeLimit(t *testing.T) {
	blobID := bytes.Repeat([]byte{0x62}, 32)
	remote := &testRemote{
		images: [][]byte{[]byte("aaaa-image")},
		blobs:  map[string][]byte{hex.EncodeToString(blobID): bytes.Repeat([]byte{0x01}, 100)},
	}
	storage := newTestStorage()
	storage.missingBlobs[hex.EncodeToString(blobID)] = 100
	fetcher := testAutoFetchRig(t, remote, storage)

	rule := AutoFetch{BlobSizeMaxLimit: 10}
	rule.FetchRequest.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fetcher.AddFetch([]AutoFetch{rule})

	time.Sleep(150 * time.Millisecond)
	storage.mu.Lock()
	_, synced := storage.blobs[hex.EncodeToString(blobID)]
	storage.mu.Unlock()
	if synced {
		t.Fatalf("blob above the size limit must not sync")
	}
}
