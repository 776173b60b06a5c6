package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"datamesh-network/pkg/utils"
)

// DefaultMaxStreamLength caps the nodes+embed images a single streamed
// fetch reply may accumulate before the receiver cancels it.
const DefaultMaxStreamLength = 100000

// RequestHandlers are the application (storage collaborator) callbacks a
// peer dispatches permitted inbound requests to.
type RequestHandlers struct {
	OnFetch          func(req *FetchRequest, w *FetchReplyWriter)
	OnStore          func(req *StoreRequest) *StoreResponse
	OnReadBlob       func(req *ReadBlobRequest, w *BlobReplyWriter)
	OnWriteBlob      func(req *WriteBlobRequest) *WriteBlobResponse
	OnUnsubscribe    func(req *UnsubscribeRequest)
	OnGenericMessage func(req *GenericMessageRequest) *GenericMessageResponse
}

// subscriptionEntry tracks one active inbound fetch subscription.
type subscriptionEntry struct {
	fromMsgID       []byte
	originalMsgID   []byte
	targetPublicKey []byte
	cancels         []func()
}

// Peer is the request/response client over one connection: outbound
// dispatch with streamed reply collection, inbound permission enforcement,
// and subscription bookkeeping. All shared tables are guarded by one mutex;
// model work stays single-threaded per request.
type Peer struct {
	messaging   Messaging
	permissions P2PClientPermissions
	localProps  PeerProps
	remoteProps PeerProps
	handlers    RequestHandlers

	mu           sync.Mutex
	serverSubs   []*subscriptionEntry
	clientSubs   map[string]*FetchResponseHandle
	muteMsgIDs   *MuteList
	maxStreamLen int
	closed       bool

	logger *log.Entry
}

// NewPeer wires a peer client onto an established messaging channel.
func NewPeer(messaging Messaging, permissions P2PClientPermissions, localProps, remoteProps PeerProps) *Peer {
	p := &Peer{
		messaging:    messaging,
		permissions:  permissions,
		localProps:   localProps,
		remoteProps:  remoteProps,
		clientSubs:   make(map[string]*FetchResponseHandle),
		muteMsgIDs:   NewMuteList(),
		maxStreamLen: DefaultMaxStreamLength,
		logger: log.WithField("peer", hex.EncodeToString(
			shortKey(remoteProps.HandshakedPublicKey))),
	}
	messaging.SetRequestHandler(p.handleRequest)
	messaging.OnClose(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	})
	return p
}

func shortKey(key []byte) []byte {
	if len(key) > 4 {
		return key[:4]
	}
	return key
}

// SetHandlers installs the application callbacks.
func (p *Peer) SetHandlers(handlers RequestHandlers) { p.handlers = handlers }

// RemotePublicKey returns the handshake-verified remote key.
func (p *Peer) RemotePublicKey() []byte { return p.remoteProps.HandshakedPublicKey }

// LocalProps returns the local handshake props.
func (p *Peer) LocalProps() PeerProps { return p.localProps }

// RemoteProps returns the remote handshake props.
func (p *Peer) RemoteProps() PeerProps { return p.remoteProps }

// MuteList exposes the mute-msg-id list shared with a forwarder or
// auto-fetcher on the same connection.
func (p *Peer) MuteList() *MuteList { return p.muteMsgIDs }

// SetMaxStreamLength adjusts the streamed-reply overflow guard.
func (p *Peer) SetMaxStreamLength(limit int) {
	p.mu.Lock()
	p.maxStreamLen = limit
	p.mu.Unlock()
}

// Close tears down the underlying channel.
func (p *Peer) Close() error { return p.messaging.Close() }

// OnClose registers a callback for channel teardown.
func (p *Peer) OnClose(fn func()) { p.messaging.OnClose(fn) }

// ---------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------

// FetchResponseHandle collects a streamed fetch reply: seq runs 1..endSeq
// per batch, subscriptions deliver multiple batches, seq 0 aborts. The
// overflow guard cancels the stream when too many images accumulate.
type FetchResponseHandle struct {
	handle *ResponseHandle
	peer   *Peer

	mu         sync.Mutex
	onResponse []func(*FetchResponse)
	attached   bool
	batchCount int
	total      int
	lastSeq    uint32
	multi      bool
	done       bool
}

// OnResponse registers a listener for each decoded reply element. The
// decoder attaches to the raw handle on the first registration, so elements
// that raced in earlier flush through in order.
func (fh *FetchResponseHandle) OnResponse(fn func(*FetchResponse)) error {
	fh.mu.Lock()
	if fh.handle.Cancelled() {
		fh.mu.Unlock()
		return ErrCancelled
	}
	fh.onResponse = append(fh.onResponse, fn)
	attach := !fh.attached
	fh.attached = true
	fh.mu.Unlock()
	if attach {
		return fh.handle.OnReply(fh.deliver)
	}
	return nil
}

// OnCancel registers on the underlying handle.
func (fh *FetchResponseHandle) OnCancel(fn func()) error { return fh.handle.OnCancel(fn) }

// Cancel aborts the stream.
func (fh *FetchResponseHandle) Cancel() { fh.handle.Cancel() }

// Err surfaces the cancel cause.
func (fh *FetchResponseHandle) Err() error { return fh.handle.Err() }

// MsgID is the fetch request's message id (subscription key).
func (fh *FetchResponseHandle) MsgID() []byte { return fh.handle.MsgID() }

// GetBatchCount returns the number of completed batches.
func (fh *FetchResponseHandle) GetBatchCount() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.batchCount
}

// Done reports whether a single-shot fetch completed its stream.
func (fh *FetchResponseHandle) Done() bool {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.done
}

func (fh *FetchResponseHandle) deliver(data []byte) {
	resp, err := DecodeFetchResponse(data)
	if err != nil {
		fh.handle.fail(utils.Wrap(err, "fetch response"))
		return
	}
	if resp.Seq == 0 {
		// Fatal marker: surface the status and cancel.
		fh.peer.logger.Debugf("fetch stream aborted: %s %s", resp.Status, resp.Error)
		fh.mu.Lock()
		listeners := append(([]func(*FetchResponse))(nil), fh.onResponse...)
		fh.mu.Unlock()
		for _, fn := range listeners {
			fn(resp)
		}
		fh.handle.fail(utils.Wrap(ErrCancelled, resp.Status.String()))
		return
	}

	fh.mu.Lock()
	if fh.done {
		fh.mu.Unlock()
		return
	}
	fh.lastSeq = resp.Seq
	fh.total += len(resp.Nodes) + len(resp.Embed)
	overflow := fh.peer.maxStreamLen > 0 && fh.total > fh.peer.maxStreamLen
	endOfBatch := resp.EndSeq > 0 && resp.Seq == resp.EndSeq
	if endOfBatch {
		fh.batchCount++
		fh.total = 0
	}
	listeners := append(([]func(*FetchResponse))(nil), fh.onResponse...)
	fh.mu.Unlock()

	if overflow {
		fh.peer.logger.Warnf("fetch stream overflow, cancelling")
		fh.handle.fail(utils.Wrap(ErrCancelled, "stream length limit exceeded"))
		return
	}
	for _, fn := range listeners {
		fn(resp)
	}
	if endOfBatch {
		if fh.multi {
			// Wait indefinitely for the next trigger batch.
			fh.handle.ClearTimeout()
		} else {
			fh.mu.Lock()
			fh.done = true
			fh.mu.Unlock()
			fh.handle.settle()
		}
	}
}

// Fetch issues a fetch request. Subscription requests stay registered until
// unsubscribed; single-shot requests settle after their end-of-stream
// marker.
func (p *Peer) Fetch(req *FetchRequest, opts SendOpts) (*FetchResponseHandle, error) {
	body, err := EncodeFetchRequest(req)
	if err != nil {
		return nil, err
	}
	opts.Stream = true
	handle, err := p.messaging.SendRequest(FrameMessage(OpFetchRequest, body), opts)
	if err != nil {
		return nil, err
	}
	fh := &FetchResponseHandle{handle: handle, peer: p, multi: req.IsSubscription()}
	if fh.multi {
		key := hex.EncodeToString(handle.MsgID())
		p.mu.Lock()
		p.clientSubs[key] = fh
		p.mu.Unlock()
		handle.OnCancel(func() {
			p.mu.Lock()
			delete(p.clientSubs, key)
			p.mu.Unlock()
		})
	}
	return fh, nil
}

// Unsubscribe cancels a prior fetch subscription by its message id. It is
// best-effort: the local mapping is freed immediately and the request is
// sent without waiting for acknowledgement.
func (p *Peer) Unsubscribe(originalMsgID []byte) error {
	key := hex.EncodeToString(originalMsgID)
	p.mu.Lock()
	fh := p.clientSubs[key]
	delete(p.clientSubs, key)
	p.mu.Unlock()
	if fh != nil {
		fh.handle.settle()
	}
	body, err := EncodeUnsubscribeRequest(&UnsubscribeRequest{
		OriginalMsgID:   originalMsgID,
		TargetPublicKey: p.localProps.HandshakedPublicKey,
	})
	if err != nil {
		return err
	}
	handle, err := p.messaging.SendRequest(FrameMessage(OpUnsubscribeRequest, body), SendOpts{Timeout: time.Second})
	if err != nil {
		return err
	}
	// Fire and forget.
	handle.settle()
	return nil
}

// awaitReply resolves a single-reply request synchronously.
func (p *Peer) awaitReply(opcode uint32, body []byte, opts SendOpts) ([]byte, error) {
	handle, err := p.messaging.SendRequest(FrameMessage(opcode, body), opts)
	if err != nil {
		return nil, err
	}
	replyCh := make(chan []byte, 1)
	doneCh := make(chan struct{})
	if err := handle.OnReply(func(data []byte) {
		select {
		case replyCh <- data:
		default:
		}
		handle.settle()
	}); err != nil {
		return nil, handle.Err()
	}
	if err := handle.OnCancel(func() { close(doneCh) }); err != nil {
		// Already cancelled or settled; a settled handle has delivered.
		select {
		case data := <-replyCh:
			return data, nil
		default:
			return nil, handle.Err()
		}
	}
	select {
	case data := <-replyCh:
		return data, nil
	case <-doneCh:
		return nil, handle.Err()
	}
}

// Store pushes node images to the remote storage and waits for the ack.
func (p *Peer) Store(req *StoreRequest, timeout time.Duration) (*StoreResponse, error) {
	body, err := EncodeStoreRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := p.awaitReply(OpStoreRequest, body, SendOpts{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return DecodeStoreResponse(data)
}

// BlobResponseHandle collects a streamed read-blob reply.
type BlobResponseHandle struct {
	handle *ResponseHandle
	peer   *Peer

	mu         sync.Mutex
	onResponse []func(*ReadBlobResponse)
	attached   bool
	done       bool
}

// OnResponse registers a listener for each blob chunk; the decoder attaches
// on first registration so early chunks flush through.
func (bh *BlobResponseHandle) OnResponse(fn func(*ReadBlobResponse)) error {
	bh.mu.Lock()
	if bh.handle.Cancelled() {
		bh.mu.Unlock()
		return ErrCancelled
	}
	bh.onResponse = append(bh.onResponse, fn)
	attach := !bh.attached
	bh.attached = true
	bh.mu.Unlock()
	if attach {
		return bh.handle.OnReply(bh.deliver)
	}
	return nil
}

// OnCancel registers on the underlying handle.
func (bh *BlobResponseHandle) OnCancel(fn func()) error { return bh.handle.OnCancel(fn) }

// Cancel aborts the stream.
func (bh *BlobResponseHandle) Cancel() { bh.handle.Cancel() }

// Err surfaces the cancel cause.
func (bh *BlobResponseHandle) Err() error { return bh.handle.Err() }

func (bh *BlobResponseHandle) deliver(data []byte) {
	resp, err := DecodeReadBlobResponse(data)
	if err != nil {
		bh.handle.fail(utils.Wrap(err, "read blob response"))
		return
	}
	if resp.Seq == 0 {
		bh.handle.fail(utils.Wrap(ErrCancelled, resp.Status.String()))
		return
	}
	bh.mu.Lock()
	if bh.done {
		bh.mu.Unlock()
		return
	}
	endOfStream := resp.EndSeq > 0 && resp.Seq == resp.EndSeq
	if endOfStream {
		bh.done = true
	}
	listeners := append(([]func(*ReadBlobResponse))(nil), bh.onResponse...)
	bh.mu.Unlock()
	for _, fn := range listeners {
		fn(resp)
	}
	if endOfStream {
		bh.handle.settle()
	}
}

// ReadBlob streams a slice of a blob from the remote peer.
func (p *Peer) ReadBlob(req *ReadBlobRequest, opts SendOpts) (*BlobResponseHandle, error) {
	body, err := EncodeReadBlobRequest(req)
	if err != nil {
		return nil, err
	}
	opts.Stream = true
	handle, err := p.messaging.SendRequest(FrameMessage(OpReadBlobRequest, body), opts)
	if err != nil {
		return nil, err
	}
	return &BlobResponseHandle{handle: handle, peer: p}, nil
}

// WriteBlob writes a slice of blob data and returns the current on-disk
// length, enabling resume.
func (p *Peer) WriteBlob(req *WriteBlobRequest, timeout time.Duration) (*WriteBlobResponse, error) {
	body, err := EncodeWriteBlobRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := p.awaitReply(OpWriteBlobRequest, body, SendOpts{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return DecodeWriteBlobResponse(data)
}

// GenericMessage sends an opaque application message and waits for the
// reply.
func (p *Peer) GenericMessage(req *GenericMessageRequest, timeout time.Duration) (*GenericMessageResponse, error) {
	body, err := EncodeGenericMessageRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := p.awaitReply(OpGenericMessageRequest, body, SendOpts{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return DecodeGenericMessageResponse(data)
}

// ---------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------

// FetchReplyWriter streams fetch responses back to the requester and
// carries the subscription bookkeeping for trigger requests.
type FetchReplyWriter struct {
	peer  *Peer
	msgID []byte
	sub   *subscriptionEntry
}

// MsgID is the inbound request's message id.
func (w *FetchReplyWriter) MsgID() []byte { return w.msgID }

// Reply sends one streamed response element.
func (w *FetchReplyWriter) Reply(resp *FetchResponse) error {
	body, err := EncodeFetchResponse(resp)
	if err != nil {
		return err
	}
	return w.peer.messaging.SendReply(w.msgID, FrameMessage(OpFetchResponse, body))
}

// OnUnsubscribe registers a downstream cancel for this subscription, fired
// when the client unsubscribes.
func (w *FetchReplyWriter) OnUnsubscribe(fn func()) {
	if w.sub == nil {
		return
	}
	w.peer.mu.Lock()
	w.sub.cancels = append(w.sub.cancels, fn)
	w.peer.mu.Unlock()
}

// SetOriginalMsgID records the downstream message id a forwarder issued for
// this subscription.
func (w *FetchReplyWriter) SetOriginalMsgID(msgID []byte) {
	if w.sub == nil {
		return
	}
	w.peer.mu.Lock()
	w.sub.originalMsgID = msgID
	w.peer.mu.Unlock()
}

// BlobReplyWriter streams read-blob responses back to the requester.
type BlobReplyWriter struct {
	peer  *Peer
	msgID []byte
}

// Reply sends one streamed chunk.
func (w *BlobReplyWriter) Reply(resp *ReadBlobResponse) error {
	body, err := EncodeReadBlobResponse(resp)
	if err != nil {
		return err
	}
	return w.peer.messaging.SendReply(w.msgID, FrameMessage(OpReadBlobResponse, body))
}

// handleRequest is the inbound dispatch: decode, enforce permissions,
// rewrite keys, then hand over to the application handler.
func (p *Peer) handleRequest(msgID []byte, data []byte) {
	opcode, body, err := SplitFrame(data)
	if err != nil {
		p.logger.Warnf("dropping malformed frame: %v", err)
		return
	}
	switch opcode {
	case OpFetchRequest:
		p.handleFetch(msgID, body)
	case OpStoreRequest:
		p.handleStore(msgID, body)
	case OpReadBlobRequest:
		p.handleReadBlob(msgID, body)
	case OpWriteBlobRequest:
		p.handleWriteBlob(msgID, body)
	case OpUnsubscribeRequest:
		p.handleUnsubscribe(msgID, body)
	case OpGenericMessageRequest:
		p.handleGenericMessage(msgID, body)
	default:
		p.logger.Warnf("dropping unknown opcode %d", opcode)
	}
}

func (p *Peer) replyFetchError(msgID []byte, status Status, message string) {
	body, err := EncodeFetchResponse(&FetchResponse{Status: status, Error: message})
	if err != nil {
		return
	}
	_ = p.messaging.SendReply(msgID, FrameMessage(OpFetchResponse, body))
}

// checkFetchPermissions rewrites and filters an inbound fetch request in
// place. A nil return means the request may be dispatched.
func (p *Peer) checkFetchPermissions(req *FetchRequest) error {
	perms := p.permissions.Fetch
	if !perms.Active {
		return utils.Wrap(ErrPermissionDenied, "fetch not permitted")
	}
	if req.IsSubscription() && !perms.AllowTrigger {
		return utils.Wrap(ErrPermissionDenied, "triggers not permitted")
	}
	for _, match := range req.Query.Match {
		if !nodeTypePermitted(perms.AllowNodeTypes, match.NodeType) {
			return utils.Wrap(ErrPermissionDenied,
				fmt.Sprintf("node type %x not permitted", match.NodeType))
		}
	}
	if req.CRDT.Algo != "" {
		permitted := false
		for _, algo := range perms.AllowAlgos {
			if algo == req.CRDT.Algo {
				permitted = true
				break
			}
		}
		if !permitted {
			return utils.Wrap(ErrPermissionDenied,
				fmt.Sprintf("crdt algo %q not permitted", req.CRDT.Algo))
		}
	}
	req.Query.Embed = intersectEmbed(req.Query.Embed, perms.AllowEmbed)
	req.Query.Region = intersectDeclared(p.localProps.Region, p.remoteProps.Region)
	req.Query.Jurisdiction = intersectDeclared(p.localProps.Jurisdiction, p.remoteProps.Jurisdiction)
	if !p.permissions.AllowUncheckedAccess {
		req.Query.SourcePublicKey = p.remoteProps.HandshakedPublicKey
	}
	return nil
}

// nodeTypePermitted prefix-matches a requested node type against the
// whitelist.
func nodeTypePermitted(allowed [][]byte, nodeType []byte) bool {
	for _, prefix := range allowed {
		if bytes.HasPrefix(nodeType, prefix) {
			return true
		}
	}
	return false
}

// intersectEmbed keeps requested embed entries whose node type matches the
// whitelist by prefix; filters of matching whitelist entries are unioned in
// and de-duplicated by their packed hash.
func intersectEmbed(requested, allowed []AllowEmbed) []AllowEmbed {
	var out []AllowEmbed
	for _, req := range requested {
		var merged []Filter
		seen := make(map[[HashLength]byte]bool)
		matched := false
		for _, allow := range allowed {
			if !bytes.HasPrefix(req.NodeType, allow.NodeType) {
				continue
			}
			matched = true
			for _, filter := range append(append([]Filter(nil), req.Filters...), allow.Filters...) {
				key := filterHash(filter)
				if seen[key] {
					continue
				}
				seen[key] = true
				merged = append(merged, filter)
			}
		}
		if matched {
			out = append(out, AllowEmbed{NodeType: req.NodeType, Filters: merged})
		}
	}
	return out
}

func filterHash(f Filter) [HashLength]byte {
	return HashList([][]byte{[]byte(f.Field), []byte(f.Operator), []byte(f.Cmp), f.Value})
}

// intersectDeclared merges the two peers' declared region or jurisdiction:
// both agreeing keeps the value, one declaring keeps that one, a conflict
// collapses to empty.
func intersectDeclared(local, remote string) string {
	switch {
	case local == remote:
		return local
	case local == "":
		return remote
	case remote == "":
		return local
	}
	return ""
}

func (p *Peer) handleFetch(msgID []byte, body []byte) {
	req, err := DecodeFetchRequest(body)
	if err != nil {
		p.replyFetchError(msgID, StatusMalformed, err.Error())
		return
	}
	if err := p.checkFetchPermissions(req); err != nil {
		p.replyFetchError(msgID, StatusNotAllowed, err.Error())
		return
	}
	if p.handlers.OnFetch == nil {
		p.replyFetchError(msgID, StatusError, "no fetch handler")
		return
	}
	w := &FetchReplyWriter{peer: p, msgID: msgID}
	if req.IsSubscription() {
		sub := &subscriptionEntry{
			fromMsgID:       msgID,
			originalMsgID:   msgID,
			targetPublicKey: req.Query.TargetPublicKey,
		}
		w.sub = sub
		p.mu.Lock()
		p.serverSubs = append(p.serverSubs, sub)
		p.mu.Unlock()
	}
	p.handlers.OnFetch(req, w)
}

func (p *Peer) handleStore(msgID []byte, body []byte) {
	reply := func(resp *StoreResponse) {
		encoded, err := EncodeStoreResponse(resp)
		if err != nil {
			return
		}
		_ = p.messaging.SendReply(msgID, FrameMessage(OpStoreResponse, encoded))
	}
	req, err := DecodeStoreRequest(body)
	if err != nil {
		reply(&StoreResponse{Status: StatusMalformed, Error: err.Error()})
		return
	}
	if !p.permissions.Store.Active {
		reply(&StoreResponse{Status: StatusNotAllowed, Error: "store not permitted"})
		return
	}
	if !p.permissions.AllowUncheckedAccess {
		req.SourcePublicKey = p.remoteProps.HandshakedPublicKey
	}
	if p.handlers.OnStore == nil {
		reply(&StoreResponse{Status: StatusError, Error: "no store handler"})
		return
	}
	reply(p.handlers.OnStore(req))
}

func (p *Peer) handleReadBlob(msgID []byte, body []byte) {
	replyError := func(status Status, message string) {
		encoded, err := EncodeReadBlobResponse(&ReadBlobResponse{Status: status, Error: message})
		if err != nil {
			return
		}
		_ = p.messaging.SendReply(msgID, FrameMessage(OpReadBlobResponse, encoded))
	}
	req, err := DecodeReadBlobRequest(body)
	if err != nil {
		replyError(StatusMalformed, err.Error())
		return
	}
	if !p.permissions.Fetch.Active || !p.permissions.Fetch.AllowReadBlob {
		replyError(StatusNotAllowed, "read blob not permitted")
		return
	}
	if !p.permissions.AllowUncheckedAccess {
		req.SourcePublicKey = p.remoteProps.HandshakedPublicKey
	}
	if p.handlers.OnReadBlob == nil {
		replyError(StatusError, "no read blob handler")
		return
	}
	p.handlers.OnReadBlob(req, &BlobReplyWriter{peer: p, msgID: msgID})
}

func (p *Peer) handleWriteBlob(msgID []byte, body []byte) {
	reply := func(resp *WriteBlobResponse) {
		encoded, err := EncodeWriteBlobResponse(resp)
		if err != nil {
			return
		}
		_ = p.messaging.SendReply(msgID, FrameMessage(OpWriteBlobResponse, encoded))
	}
	req, err := DecodeWriteBlobRequest(body)
	if err != nil {
		reply(&WriteBlobResponse{Status: StatusMalformed, Error: err.Error()})
		return
	}
	if !p.permissions.Store.Active || !p.permissions.Store.AllowWriteBlob {
		reply(&WriteBlobResponse{Status: StatusNotAllowed, Error: "write blob not permitted"})
		return
	}
	if !p.permissions.AllowUncheckedAccess {
		req.SourcePublicKey = p.remoteProps.HandshakedPublicKey
	}
	if p.handlers.OnWriteBlob == nil {
		reply(&WriteBlobResponse{Status: StatusError, Error: "no write blob handler"})
		return
	}
	reply(p.handlers.OnWriteBlob(req))
}

func (p *Peer) handleUnsubscribe(msgID []byte, body []byte) {
	reply := func(resp *UnsubscribeResponse) {
		encoded, err := EncodeUnsubscribeResponse(resp)
		if err != nil {
			return
		}
		_ = p.messaging.SendReply(msgID, FrameMessage(OpUnsubscribeResponse, encoded))
	}
	req, err := DecodeUnsubscribeRequest(body)
	if err != nil {
		reply(&UnsubscribeResponse{Status: StatusMalformed, Error: err.Error()})
		return
	}
	if !p.permissions.AllowUncheckedAccess {
		req.TargetPublicKey = p.remoteProps.HandshakedPublicKey
	}

	p.mu.Lock()
	var cancels []func()
	kept := p.serverSubs[:0]
	for _, sub := range p.serverSubs {
		if bytes.Equal(sub.fromMsgID, req.OriginalMsgID) &&
			(len(sub.targetPublicKey) == 0 || bytes.Equal(sub.targetPublicKey, req.TargetPublicKey)) {
			cancels = append(cancels, sub.cancels...)
			continue
		}
		kept = append(kept, sub)
	}
	p.serverSubs = kept
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if p.handlers.OnUnsubscribe != nil {
		p.handlers.OnUnsubscribe(req)
	}
	reply(&UnsubscribeResponse{Status: StatusResult})
}

func (p *Peer) handleGenericMessage(msgID []byte, body []byte) {
	reply := func(resp *GenericMessageResponse) {
		encoded, err := EncodeGenericMessageResponse(resp)
		if err != nil {
			return
		}
		_ = p.messaging.SendReply(msgID, FrameMessage(OpGenericMessageResponse, encoded))
	}
	req, err := DecodeGenericMessageRequest(body)
	if err != nil {
		reply(&GenericMessageResponse{Status: StatusMalformed, Error: err.Error()})
		return
	}
	if !p.permissions.AllowUncheckedAccess {
		req.SourcePublicKey = p.remoteProps.HandshakedPublicKey
	}
	if p.handlers.OnGenericMessage == nil {
		reply(&GenericMessageResponse{Status: StatusError, Error: "no generic message handler"})
		return
	}
	reply(p.handlers.OnGenericMessage(req))
}

// MuteList is the mutex-protected message-id list shared between a
// forwarder and an auto-fetcher riding the same connection. An id appears
// at most once; removal is indexed and stable.
type MuteList struct {
	mu  sync.Mutex
	ids [][]byte
}

// NewMuteList returns an empty list.
func NewMuteList() *MuteList { return &MuteList{} }

// Add appends an id if not already present.
func (ml *MuteList) Add(msgID []byte) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, id := range ml.ids {
		if bytes.Equal(id, msgID) {
			return
		}
	}
	ml.ids = append(ml.ids, append([]byte(nil), msgID...))
}

// Remove splices an id out, preserving order.
func (ml *MuteList) Remove(msgID []byte) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for i, id := range ml.ids {
		if bytes.Equal(id, msgID) {
			ml.ids = append(ml.ids[:i], ml.ids[i+1:]...)
			return
		}
	}
}

// Snapshot copies the current ids.
func (ml *MuteList) Snapshot() [][]byte {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	out := make([][]byte, len(ml.ids))
	for i, id := range ml.ids {
		out[i] = append([]byte(nil), id...)
	}
	return out
}
