package core

import (
	"sync"
	"time"
)

// ResponseHandle is the receiving end of a sent request. Listeners register
// per event kind; error, timeout and close all additionally funnel into a
// single-shot cancel event. Replies reset the stream timeout, and the
// timeout can be cleared entirely between subscription batches.
//
// Registration after cancellation fails with ErrCancelled.
type ResponseHandle struct {
	mu      sync.Mutex
	msgID   []byte
	stream  bool
	timeout time.Duration
	timer   *time.Timer

	onReply   []func([]byte)
	buffered  [][]byte
	onError   []func(error)
	onTimeout []func()
	onClose   []func()
	onCancel  []func()

	cancelled bool
	err       error

	// detach removes the handle from the transport's pending table.
	detach func()
}

func newResponseHandle(msgID []byte, stream bool, timeout time.Duration, detach func()) *ResponseHandle {
	return &ResponseHandle{
		msgID:   msgID,
		stream:  stream,
		timeout: timeout,
		detach:  detach,
	}
}

// MsgID returns the message id of the originating request.
func (h *ResponseHandle) MsgID() []byte { return h.msgID }

// Err returns the error that cancelled the handle, if any.
func (h *ResponseHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancelled reports whether the handle has been cancelled.
func (h *ResponseHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// OnReply registers a listener for each reply element. Replies that raced
// in before the first listener was attached are flushed to it in order.
func (h *ResponseHandle) OnReply(fn func(data []byte)) error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return ErrCancelled
	}
	h.onReply = append(h.onReply, fn)
	buffered := h.buffered
	h.buffered = nil
	h.mu.Unlock()
	for _, data := range buffered {
		fn(data)
	}
	return nil
}

// OnError registers a listener for transport-level failures.
func (h *ResponseHandle) OnError(fn func(err error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrCancelled
	}
	h.onError = append(h.onError, fn)
	return nil
}

// OnTimeout registers a listener for reply timeouts.
func (h *ResponseHandle) OnTimeout(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrCancelled
	}
	h.onTimeout = append(h.onTimeout, fn)
	return nil
}

// OnClose registers a listener for transport closure.
func (h *ResponseHandle) OnClose(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrCancelled
	}
	h.onClose = append(h.onClose, fn)
	return nil
}

// OnCancel registers a listener fired exactly once, whatever path cancels
// the handle.
func (h *ResponseHandle) OnCancel(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrCancelled
	}
	h.onCancel = append(h.onCancel, fn)
	return nil
}

// armTimer starts (or restarts) the reply timeout.
func (h *ResponseHandle) armTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armTimerLocked()
}

func (h *ResponseHandle) armTimerLocked() {
	if h.timeout <= 0 || h.cancelled {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.timeout, h.fireTimeout)
}

// ClearTimeout suspends the reply timeout. A subscription receiver calls
// this between batches, waiting indefinitely for the next trigger.
func (h *ResponseHandle) ClearTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// deliver hands one reply element to the listeners. Streamed handles re-arm
// their timeout per element.
func (h *ResponseHandle) deliver(data []byte) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	if h.stream {
		if h.timer != nil {
			h.armTimerLocked()
		}
	} else if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if len(h.onReply) == 0 {
		// No listener yet; hold the element until one attaches.
		h.buffered = append(h.buffered, data)
		h.mu.Unlock()
		return
	}
	listeners := append(([]func([]byte))(nil), h.onReply...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(data)
	}
}

// fail cancels the handle with a transport error.
func (h *ResponseHandle) fail(err error) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.err = err
	listeners := append(([]func(error))(nil), h.onError...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
	h.Cancel()
}

// fireTimeout cancels the handle after a reply timeout.
func (h *ResponseHandle) fireTimeout() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.err = ErrTimeout
	listeners := append(([]func())(nil), h.onTimeout...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	h.Cancel()
}

// fireClose cancels the handle because the transport went away.
func (h *ResponseHandle) fireClose() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.err = ErrTransportClosed
	listeners := append(([]func())(nil), h.onClose...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	h.Cancel()
}

// settle completes the handle without firing cancel: the stream finished
// normally. Further replies are dropped, the timer stops and the handle
// leaves the pending table.
func (h *ResponseHandle) settle() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	detach := h.detach
	h.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Cancel removes the request from the transport's pending table and emits
// the cancel event to all subscribers. Repeated cancels are no-ops.
func (h *ResponseHandle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	if h.err == nil {
		h.err = ErrCancelled
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	listeners := append(([]func())(nil), h.onCancel...)
	detach := h.detach
	h.mu.Unlock()

	if detach != nil {
		detach()
	}
	for _, fn := range listeners {
		fn()
	}
}
