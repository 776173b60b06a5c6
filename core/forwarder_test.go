package core

import (
	"bytes"
	"testing"
	"time"
)

// testForwarderChain wires client ⇄ middle(forwarder) ⇄ origin(storage).
// Returns the client peer and the origin-side server peer.
func testForwarderChain(t *testing.T) (*Peer, *Peer) {
	t.Helper()
	clientKey, _ := GenKeyPair(KeyTypeEdwards)
	middleKey, _ := GenKeyPair(KeyTypeEdwards)
	originKey, _ := GenKeyPair(KeyTypeEdwards)

	clientEnd, middleInEnd := MessagingPair()
	middleOutEnd, originEnd := MessagingPair()

	client := NewPeer(clientEnd, PermissionsLocked(),
		*testPeerProps(clientKey.PublicKey), *testPeerProps(middleKey.PublicKey))
	middleIn := NewPeer(middleInEnd, PermissionsPermissive(),
		*testPeerProps(middleKey.PublicKey), *testPeerProps(clientKey.PublicKey))
	middleOut := NewPeer(middleOutEnd, PermissionsLocked(),
		*testPeerProps(middleKey.PublicKey), *testPeerProps(originKey.PublicKey))
	origin := NewPeer(originEnd, PermissionsPermissive(),
		*testPeerProps(originKey.PublicKey), *testPeerProps(middleKey.PublicKey))

	NewForwarder(middleIn, middleOut)
	t.Cleanup(func() {
		_ = client.Close()
		_ = middleOut.Close()
	})
	return client, origin
}

func TestForwarderTunnelsStore(t *testing.T) {
	client, origin := testForwarderChain(t)
	stored := make(chan [][]byte, 1)
	origin.SetHandlers(RequestHandlers{
		OnStore: func(req *StoreRequest) *StoreResponse {
			stored <- req.Nodes
			return &StoreResponse{Status: StatusResult, StoredID1s: [][]byte{{0x01}}}
		},
	})

	resp, err := client.Store(&StoreRequest{Nodes: [][]byte{[]byte("image")}}, 2*time.Second)
	if err != nil {
		t.Fatalf("store through forwarder failed: %v", err)
	}
	if resp.Status != StatusResult || len(resp.StoredID1s) != 1 {
		t.Fatalf("unexpected store response: %+v", resp)
	}
	select {
	case nodes := <-stored:
		if len(nodes) != 1 || !bytes.Equal(nodes[0], []byte("image")) {
			t.Fatalf("image lost in the tunnel")
		}
	case <-time.After(time.Second):
		t.Fatalf("origin never saw the store")
	}
}

func TestForwarderTunnelsStreamedFetch(t *testing.T) {
	client, origin := testForwarderChain(t)
	origin.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			for seq := uint32(1); seq <= 2; seq++ {
				_ = w.Reply(&FetchResponse{
					Status: StatusResult,
					Nodes:  [][]byte{{byte(seq)}},
					Seq:    seq,
					EndSeq: 2,
				})
			}
		},
	})

	req := &FetchRequest{}
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	done := make(chan int, 1)
	count := 0
	fh.OnResponse(func(resp *FetchResponse) {
		count += len(resp.Nodes)
		if resp.Seq == resp.EndSeq {
			done <- count
		}
	})
	select {
	case total := <-done:
		if total != 2 {
			t.Fatalf("expected 2 images through the tunnel, got %d", total)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tunnelled stream never completed")
	}
}

func TestForwarderSubscriptionMuteBookkeeping(t *testing.T) {
	clientKey, _ := GenKeyPair(KeyTypeEdwards)
	middleKey, _ := GenKeyPair(KeyTypeEdwards)
	originKey, _ := GenKeyPair(KeyTypeEdwards)

	clientEnd, middleInEnd := MessagingPair()
	middleOutEnd, originEnd := MessagingPair()

	client := NewPeer(clientEnd, PermissionsLocked(),
		*testPeerProps(clientKey.PublicKey), *testPeerProps(middleKey.PublicKey))
	middleIn := NewPeer(middleInEnd, PermissionsPermissive(),
		*testPeerProps(middleKey.PublicKey), *testPeerProps(clientKey.PublicKey))
	middleOut := NewPeer(middleOutEnd, PermissionsLocked(),
		*testPeerProps(middleKey.PublicKey), *testPeerProps(originKey.PublicKey))
	origin := NewPeer(originEnd, PermissionsPermissive(),
		*testPeerProps(originKey.PublicKey), *testPeerProps(middleKey.PublicKey))
	t.Cleanup(func() {
		_ = client.Close()
		_ = middleOut.Close()
	})

	NewForwarder(middleIn, middleOut)
	firstBatch := make(chan struct{})
	origin.SetHandlers(RequestHandlers{
		OnFetch: func(req *FetchRequest, w *FetchReplyWriter) {
			_ = w.Reply(&FetchResponse{Status: StatusResult, Seq: 1, EndSeq: 1})
		},
	})

	req := &FetchRequest{}
	req.Query.TriggerInterval = 30
	req.Query.Match = []Match{{NodeType: append([]byte(nil), TypeNode...)}}
	fh, err := client.Fetch(req, SendOpts{Timeout: time.Second})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	fh.OnResponse(func(resp *FetchResponse) {
		select {
		case <-firstBatch:
		default:
			close(firstBatch)
		}
	})
	select {
	case <-firstBatch:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription batch never arrived")
	}

	// The forwarder recorded its downstream msg id in the shared mute
	// list.
	if got := middleIn.MuteList().Snapshot(); len(got) != 1 {
		t.Fatalf("expected 1 muted msg id, got %d", len(got))
	}

	if err := client.Unsubscribe(fh.MsgID()); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		if len(middleIn.MuteList().Snapshot()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("unsubscribe must splice the mute id out")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
