package cli

import (
	"bytes"
	"encoding/hex"
	"sync"

	"datamesh-network/core"
)

// memStore is a minimal in-memory storage backend for the serve and
// autofetch commands: enough to exercise the peer protocol end to end
// without a real storage engine behind it.
type memStore struct {
	mu    sync.Mutex
	nodes map[string][]byte // id1 hex -> packed image
	blobs map[string][]byte // id1 hex -> blob bytes
}

func newMemStore() *memStore {
	return &memStore{
		nodes: make(map[string][]byte),
		blobs: make(map[string][]byte),
	}
}

// Handlers returns the peer callbacks backed by this store.
func (ms *memStore) Handlers() core.RequestHandlers {
	return core.RequestHandlers{
		OnFetch:     ms.onFetch,
		OnStore:     ms.onStore,
		OnReadBlob:  ms.onReadBlob,
		OnWriteBlob: ms.onWriteBlob,
	}
}

func (ms *memStore) onStore(req *core.StoreRequest) *core.StoreResponse {
	resp := &core.StoreResponse{Status: core.StatusResult}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, image := range req.Nodes {
		model, err := core.LoadModel(image)
		if err != nil {
			continue
		}
		if ok, err := model.Verify(false); err != nil || !ok {
			continue
		}
		id1, err := model.ID1()
		if err != nil {
			continue
		}
		ms.nodes[hex.EncodeToString(id1)] = image
		resp.StoredID1s = append(resp.StoredID1s, id1)
		if blobHash := model.Props()[core.PropBlobHash]; blobHash != nil {
			if _, ok := ms.blobs[hex.EncodeToString(id1)]; !ok {
				resp.MissingBlobID1s = append(resp.MissingBlobID1s, id1)
				length, _ := model.Props()[core.PropBlobLength].(uint64)
				resp.MissingBlobSizes = append(resp.MissingBlobSizes, length)
			}
		}
	}
	return resp
}

func (ms *memStore) onFetch(req *core.FetchRequest, w *core.FetchReplyWriter) {
	ms.mu.Lock()
	var nodes [][]byte
	for _, image := range ms.nodes {
		model, err := core.LoadModel(image)
		if err != nil {
			continue
		}
		parentID, _ := model.Props()[core.PropParentID].([]byte)
		if req.Query.ParentID != nil && !bytes.Equal(parentID, req.Query.ParentID) {
			continue
		}
		nodes = append(nodes, image)
		if req.Query.Limit > 0 && len(nodes) >= int(req.Query.Limit) {
			break
		}
	}
	ms.mu.Unlock()
	_ = w.Reply(&core.FetchResponse{
		Status: core.StatusResult,
		Nodes:  nodes,
		Seq:    1,
		EndSeq: 1,
	})
}

func (ms *memStore) onReadBlob(req *core.ReadBlobRequest, w *core.BlobReplyWriter) {
	ms.mu.Lock()
	blob, ok := ms.blobs[hex.EncodeToString(req.NodeID1)]
	ms.mu.Unlock()
	if !ok {
		_ = w.Reply(&core.ReadBlobResponse{Status: core.StatusMissingRootnode, Error: "no such blob", Seq: 0})
		return
	}
	end := uint64(len(blob))
	if req.Pos > end {
		_ = w.Reply(&core.ReadBlobResponse{Status: core.StatusMismatch, Error: "position beyond blob", Seq: 0})
		return
	}
	if req.Length > 0 && req.Pos+uint64(req.Length) < end {
		end = req.Pos + uint64(req.Length)
	}
	_ = w.Reply(&core.ReadBlobResponse{
		Status:     core.StatusResult,
		Data:       blob[req.Pos:end],
		Seq:        1,
		EndSeq:     1,
		BlobLength: uint64(len(blob)),
	})
}

func (ms *memStore) onWriteBlob(req *core.WriteBlobRequest) *core.WriteBlobResponse {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := hex.EncodeToString(req.NodeID1)
	blob := ms.blobs[key]
	if req.Pos > uint64(len(blob)) {
		return &core.WriteBlobResponse{Status: core.StatusMismatch, Error: "write beyond current length"}
	}
	blob = append(blob[:req.Pos], req.Data...)
	ms.blobs[key] = blob
	return &core.WriteBlobResponse{Status: core.StatusResult, CurrentLength: uint64(len(blob))}
}
