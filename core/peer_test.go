package core

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"
)

// testPeerPair wires two peer clients over an in-memory channel. The
// returned peers are (client side, server side).
func testPeerPair(t *testing.T, serverPerms P2PClientPermissions) (*Peer, *Peer) {
	t.Helper()
	clientKey, err := GenKeyPair(KeyTypeEdwards)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	serverKey, err := GenKeyPair(KeyTypeEdwards)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	clientEnd, serverEnd := MessagingPair()
	clientProps := testPeerProps(clientKey.PublicKey)
	serverProps := testPeerProps(serverKey.PublicKey)
	client := NewPeer(clientEnd, PermissionsLocked(), *clientProps, *serverProps)
	server := NewPeer(serverEnd, serverPerms, *serverProps, *clientProps)
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestStreamingFetch(t *testing.T) {
	client, server := testPeerPair(t, PermissionsPermissive())
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			for seq := uint32(1); seq <= 3; seq++ {
				_ = w.Reply(&FetchResponse{
					Status: StatusResult,
					Nodes:  [][]byte{[]byte{byte(seq)}},
					Seq:    seq,
					EndSeq: 3,
				})
			}
		},
	})

	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeDataNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	done := make(chan struct{})
	var replies [][]byte
	fh.OnResponse(func(resp *FetchResponse) {
		replies = append(replies, resp.Nodes...)
		if resp.Seq == resp.EndSeq {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream never completed")
	}
	// Give the handle a beat to settle.
	time.Sleep(20 * time.Millisecond)

	if len(replies) != 3 {
		t.Fatalf("expected 3 reply elements, got %d", len(replies))
	}
	if fh.GetBatchCount() != 1 {
		t.Fatalf("batch count %d, want 1", fh.GetBatchCount())
	}
	if !fh.Done() {
		t.Fatalf("single-shot stream must be done after seq == endSeq")
	}
	if fh.Err() != nil {
		t.Fatalf("completed stream must not carry an error: %v", fh.Err())
	}
}

func TestFetchPermissionDenied(t *testing.T) {
	perms := PermissionsPermissive()
	perms.Fetch.AllowNodeTypes = [][]byte{{0x01, 0x02, 0x01}}
	client, server := testPeerPair(t, perms)

	var handlerCalls atomic.Int32
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			handlerCalls.Add(1)
		},
	})

	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: []byte{0x01, 0x02, 0x02}}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	status := make(chan *FetchResponse, 1)
	fh.OnResponse(func(resp *FetchResponse) { status <- resp })
	select {
	case resp := <-status:
		if resp.Status != StatusNotAllowed || resp.Error == "" {
			t.Fatalf("expected NotAllowed with an error string, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no response")
	}
	if handlerCalls.Load() != 0 {
		t.Fatalf("application handler must not be invoked on a denied request")
	}
}

func TestLockedPermissionsDenyStoreAndFetch(t *testing.T) {
	client, server := testPeerPair(t, PermissionsLocked())
	var handlerCalls atomic.Int32
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) { handlerCalls.Add(1) },
		OnStore: func(req *StoreRequest) *StoreResponse {
			handlerCalls.Add(1)
			return &StoreResponse{Status: StatusResult}
		},
		OnGenericMessage: func(req *GenericMessageRequest) *GenericMessageResponse {
			return &GenericMessageResponse{Status: StatusResult, Data: req.SourcePublicKey}
		},
	})

	resp, err := client.Store(&StoreRequest{Nodes: [][]byte{[]byte("x")}}, 2*time.Second)
	if err != nil {
		t.Fatalf("store errored: %v", err)
	}
	if resp.Status != StatusNotAllowed {
		t.Fatalf("locked store must be NotAllowed, got %v", resp.Status)
	}
	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeDataNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	status := make(chan *FetchResponse, 1)
	fh.OnResponse(func(resp *FetchResponse) { status <- resp })
	select {
	case fetched := <-status:
		if fetched.Status != StatusNotAllowed {
			t.Fatalf("locked fetch must be NotAllowed, got %v", fetched.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fetch response")
	}
	if handlerCalls.Load() != 0 {
		t.Fatalf("locked permissions must not dispatch handlers")
	}

	// Generic messages still pass, with the source key rewritten to the
	// handshaked remote key.
	generic, err := client.GenericMessage(&GenericMessageRequest{
		Action:          "ping",
		SourcePublicKey: bytes.Repeat([]byte{0xff}, 32),
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("generic errored: %v", err)
	}
	if generic.Status != StatusResult {
		t.Fatalf("generic message must pass under locked permissions")
	}
	if !bytes.Equal(generic.Data, client.LocalProps().HandshakedPublicKey) {
		t.Fatalf("source key must be rewritten to the handshaked key")
	}
}

func TestSourceKeyRewriting(t *testing.T) {
	client, server := testPeerPair(t, PermissionsPermissive())
	seen := make(chan []byte, 1)
	server.SetHandlers(RequestHandlers{
		OnStore: func(req *StoreRequest) *StoreResponse {
			seen <- req.SourcePublicKey
			return &StoreResponse{Status: StatusResult}
		},
	})
	forged := bytes.Repeat([]byte{0xaa}, 32)
	if _, err := client.Store(&StoreRequest{SourcePublicKey: forged}, 2*time.Second); err != nil {
		t.Fatalf("store errored: %v", err)
	}
	got := <-seen
	if bytes.Equal(got, forged) {
		t.Fatalf("forged source key survived")
	}
	if !bytes.Equal(got, client.LocalProps().HandshakedPublicKey) {
		t.Fatalf("source key must be the handshaked key")
	}
}

func TestUncheckedAccessSkipsRewriting(t *testing.T) {
	client, server := testPeerPair(t, PermissionsUncheckedPermissive())
	seen := make(chan []byte, 1)
	server.SetHandlers(RequestHandlers{
		OnStore: func(req *StoreRequest) *StoreResponse {
			seen <- req.SourcePublicKey
			return &StoreResponse{Status: StatusResult}
		},
	})
	forged := bytes.Repeat([]byte{0xaa}, 32)
	if _, err := client.Store(&StoreRequest{SourcePublicKey: forged}, 2*time.Second); err != nil {
		t.Fatalf("store errored: %v", err)
	}
	if !bytes.Equal(<-seen, forged) {
		t.Fatalf("unchecked access must preserve the claimed source key")
	}
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	client, server := testPeerPair(t, PermissionsPermissive())
	unsubscribed := make(chan struct{})
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			w.OnUnsubscribe(func() { close(unsubscribed) })
			// First batch; the stream stays open for triggers.
			_ = w.Reply(&FetchResponse{Status: StatusResult, Seq: 1, EndSeq: 1})
		},
	})

	req := &FetchRequest{}
	req.Query.TriggerInterval = 10
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	gotBatch := make(chan struct{})
	fh.OnResponse(func(resp *FetchResponse) {
		if resp.Seq == resp.EndSeq {
			close(gotBatch)
		}
	})
	select {
	case <-gotBatch:
	case <-time.After(2 * time.Second):
		t.Fatalf("first batch never arrived")
	}

	if err := client.Unsubscribe(fh.MsgID()); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	select {
	case <-unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("server-side unsubscribe hook never fired")
	}
}

func TestStreamOverflowGuard(t *testing.T) {
	client, server := testPeerPair(t, PermissionsPermissive())
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			// Never-ending stream of images below endSeq.
			for seq := uint32(1); seq <= 50; seq++ {
				_ = w.Reply(&FetchResponse{
					Status: StatusResult,
					Nodes:  [][]byte{[]byte("img"), []byte("img")},
					Seq:    seq,
					EndSeq: 100,
				})
			}
		},
	})
	client.SetMaxStreamLength(10)

	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	cancelled := make(chan struct{})
	fh.OnCancel(func() { close(cancelled) })
	fh.OnResponse(func(*FetchResponse) {})
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("overflow guard never cancelled the stream")
	}
}

func TestFetchAbortSeqZero(t *testing.T) {
	client, server := testPeerPair(t, PermissionsPermissive())
	server.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			_ = w.Reply(&FetchResponse{Status: StatusDroppedTrigger, Error: "trigger dropped", Seq: 0})
		},
	})
	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	cancelled := make(chan struct{})
	fh.OnCancel(func() { close(cancelled) })
	fh.OnResponse(func(*FetchResponse) {})
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("seq 0 must cancel the stream")
	}
}

func TestMuteList(t *testing.T) {
	ml := NewMuteList()
	a := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	b := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	ml.Add(a)
	ml.Add(b)
	ml.Add(a) // duplicate
	if got := ml.Snapshot(); len(got) != 2 {
		t.Fatalf("duplicates must collapse, got %d", len(got))
	}
	ml.Remove(a)
	got := ml.Snapshot()
	if len(got) != 1 || !bytes.Equal(got[0], b) {
		t.Fatalf("remove must splice stably, got %v", got)
	}
}
