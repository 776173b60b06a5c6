package core

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// forwardTimeout bounds a tunnelled single-reply request.
const forwardTimeout = 30 * time.Second

// Forwarder tunnels requests arriving on one peer client out through
// another and relays the responses back. Downstream failures surface to the
// requester as error statuses and unsubscribe the tunnel; they never close
// the underlying transports.
type Forwarder struct {
	from *Peer
	to   *Peer

	// muteMsgIDs is shared with a companion auto-fetcher on the same
	// connection, so stores it issues can mute the echo of subscriptions
	// forwarded here.
	muteMsgIDs *MuteList

	logger *log.Entry
}

// NewForwarder wires the tunnel: requests inbound on from are re-issued on
// to. The forwarder installs itself as from's handler set.
func NewForwarder(from, to *Peer) *Forwarder {
	f := &Forwarder{
		from:       from,
		to:         to,
		muteMsgIDs: from.MuteList(),
		logger:     log.WithField("service", "forwarder"),
	}
	from.SetHandlers(RequestHandlers{
		OnFetch:          f.forwardFetch,
		OnStore:          f.forwardStore,
		OnReadBlob:       f.forwardReadBlob,
		OnWriteBlob:      f.forwardWriteBlob,
		OnGenericMessage: f.forwardGenericMessage,
	})
	return f
}

func (f *Forwarder) forwardFetch(req *FetchRequest, w *FetchReplyWriter) {
	fh, err := f.to.Fetch(req, SendOpts{})
	if err != nil {
		f.logger.Debugf("fetch forward failed: %v", err)
		_ = w.Reply(&FetchResponse{Status: StatusError, Error: "forward failed: " + err.Error()})
		return
	}
	if req.IsSubscription() {
		f.muteMsgIDs.Add(fh.MsgID())
		w.SetOriginalMsgID(fh.MsgID())
		w.OnUnsubscribe(func() {
			f.muteMsgIDs.Remove(fh.MsgID())
			_ = f.to.Unsubscribe(fh.MsgID())
		})
	}
	fh.OnResponse(func(resp *FetchResponse) {
		if err := w.Reply(resp); err != nil {
			f.logger.Debugf("fetch relay failed, unsubscribing: %v", err)
			fh.Cancel()
		}
	})
	fh.OnCancel(func() {
		f.muteMsgIDs.Remove(fh.MsgID())
		if err := fh.Err(); err != nil && err != ErrCancelled {
			_ = w.Reply(&FetchResponse{Status: StatusError, Error: err.Error()})
		}
	})
}

func (f *Forwarder) forwardStore(req *StoreRequest) *StoreResponse {
	resp, err := f.to.Store(req, forwardTimeout)
	if err != nil {
		return &StoreResponse{Status: StatusError, Error: "forward failed: " + err.Error()}
	}
	return resp
}

func (f *Forwarder) forwardReadBlob(req *ReadBlobRequest, w *BlobReplyWriter) {
	bh, err := f.to.ReadBlob(req, SendOpts{})
	if err != nil {
		_ = w.Reply(&ReadBlobResponse{Status: StatusError, Error: "forward failed: " + err.Error()})
		return
	}
	bh.OnResponse(func(resp *ReadBlobResponse) {
		if err := w.Reply(resp); err != nil {
			bh.Cancel()
		}
	})
	bh.OnCancel(func() {
		if err := bh.Err(); err != nil && err != ErrCancelled {
			_ = w.Reply(&ReadBlobResponse{Status: StatusError, Error: err.Error()})
		}
	})
}

func (f *Forwarder) forwardWriteBlob(req *WriteBlobRequest) *WriteBlobResponse {
	resp, err := f.to.WriteBlob(req, forwardTimeout)
	if err != nil {
		return &WriteBlobResponse{Status: StatusError, Error: "forward failed: " + err.Error()}
	}
	return resp
}

func (f *Forwarder) forwardGenericMessage(req *GenericMessageRequest) *GenericMessageResponse {
	resp, err := f.to.GenericMessage(req, forwardTimeout)
	if err != nil {
		return &GenericMessageResponse{Status: StatusError, Error: "forward failed: " + err.Error()}
	}
	return resp
}
