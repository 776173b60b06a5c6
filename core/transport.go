package core

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"datamesh-network/pkg/utils"
)

// MsgIDLength is the size of every message id on the wire.
const MsgIDLength = 8

// DefaultReplyTimeout bounds a pending request when the caller does not
// choose one.
const DefaultReplyTimeout = 60 * time.Second

// SendOpts tunes one request.
type SendOpts struct {
	// Timeout bounds the wait for (each element of) the reply. Zero means
	// DefaultReplyTimeout; negative disables the timeout.
	Timeout time.Duration

	// Stream keeps the handle open across multiple reply elements,
	// re-arming the timeout per element.
	Stream bool
}

// RequestHandler receives inbound requests from the remote peer.
type RequestHandler func(msgID []byte, data []byte)

// Messaging is the framed, bidirectional channel the protocol runs over.
// The physical layer beneath it (and its handshake) is a collaborator; the
// core only needs request/reply routing, streaming and timeouts.
type Messaging interface {
	// SendRequest transmits data and returns the handle replies arrive on.
	SendRequest(data []byte, opts SendOpts) (*ResponseHandle, error)

	// SendReply transmits a reply element for an inbound request.
	SendReply(toMsgID []byte, data []byte) error

	// SetRequestHandler installs the inbound dispatch callback.
	SetRequestHandler(handler RequestHandler)

	// OnClose registers a callback fired when the channel goes away.
	OnClose(fn func())

	// Close tears the channel down, cancelling every pending handle.
	Close() error
}

func newMsgID() []byte {
	id := make([]byte, MsgIDLength)
	if _, err := rand.Read(id); err != nil {
		panic(err)
	}
	return id
}

// ---------------------------------------------------------------------
// In-memory pair
// ---------------------------------------------------------------------

// pipeMessaging is one end of an in-process message channel. It backs tests
// and same-process peer wiring (forwarder between two local clients).
type pipeMessaging struct {
	mu      sync.Mutex
	peer    *pipeMessaging
	pending map[string]*ResponseHandle
	handler RequestHandler
	onClose []func()
	closed  bool
	logger  *log.Entry
}

// MessagingPair returns two connected in-memory channels.
func MessagingPair() (Messaging, Messaging) {
	a := &pipeMessaging{
		pending: make(map[string]*ResponseHandle),
		logger:  log.WithField("transport", "pipe"),
	}
	b := &pipeMessaging{
		pending: make(map[string]*ResponseHandle),
		logger:  log.WithField("transport", "pipe"),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeMessaging) SendRequest(data []byte, opts SendOpts) (*ResponseHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrTransportClosed
	}
	msgID := newMsgID()
	key := hex.EncodeToString(msgID)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultReplyTimeout
	}
	handle := newResponseHandle(msgID, opts.Stream, timeout, func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	})
	p.pending[key] = handle
	peer := p.peer
	p.mu.Unlock()

	handle.armTimer()
	go peer.dispatchRequest(msgID, data)
	return handle, nil
}

func (p *pipeMessaging) dispatchRequest(msgID []byte, data []byte) {
	p.mu.Lock()
	handler := p.handler
	closed := p.closed
	p.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(msgID, data)
}

func (p *pipeMessaging) SendReply(toMsgID []byte, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrTransportClosed
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	handle := peer.pending[hex.EncodeToString(toMsgID)]
	peer.mu.Unlock()
	if handle == nil {
		// The requester cancelled or timed out; drop the reply.
		return nil
	}
	handle.deliver(data)
	return nil
}

func (p *pipeMessaging) SetRequestHandler(handler RequestHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *pipeMessaging) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *pipeMessaging) Close() error {
	p.closeLocal()
	if p.peer != nil {
		p.peer.closeLocal()
	}
	return nil
}

func (p *pipeMessaging) closeLocal() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := make([]*ResponseHandle, 0, len(p.pending))
	for _, handle := range p.pending {
		pending = append(pending, handle)
	}
	p.pending = make(map[string]*ResponseHandle)
	closers := append(([]func())(nil), p.onClose...)
	p.mu.Unlock()

	for _, handle := range pending {
		handle.fireClose()
	}
	for _, fn := range closers {
		fn()
	}
}

// ---------------------------------------------------------------------
// net.Conn framing
// ---------------------------------------------------------------------

// Wire kinds of conn frames.
const (
	frameKindRequest byte = 1
	frameKindReply   byte = 2
)

// maxConnFrame bounds a single frame read off the socket.
const maxConnFrame = 1 << 24

// connMessaging frames messages over a stream connection:
// length:u32 BE ∥ kind:u8 ∥ msgId:8 ∥ data.
type connMessaging struct {
	mu      sync.Mutex
	conn    net.Conn
	pending map[string]*ResponseHandle
	handler RequestHandler
	onClose []func()
	closed  bool
	writeMu sync.Mutex
	logger  *log.Entry
}

// NewConnMessaging wraps an established stream connection. The read loop
// starts immediately; install the request handler before traffic is
// expected.
func NewConnMessaging(conn net.Conn) Messaging {
	c := &connMessaging{
		conn:    conn,
		pending: make(map[string]*ResponseHandle),
		logger:  log.WithField("transport", conn.RemoteAddr().String()),
	}
	go c.readLoop()
	return c
}

func (c *connMessaging) SendRequest(data []byte, opts SendOpts) (*ResponseHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	msgID := newMsgID()
	key := hex.EncodeToString(msgID)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultReplyTimeout
	}
	handle := newResponseHandle(msgID, opts.Stream, timeout, func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	})
	c.pending[key] = handle
	c.mu.Unlock()

	if err := c.writeFrame(frameKindRequest, msgID, data); err != nil {
		handle.Cancel()
		return nil, err
	}
	handle.armTimer()
	return handle, nil
}

func (c *connMessaging) SendReply(toMsgID []byte, data []byte) error {
	return c.writeFrame(frameKindReply, toMsgID, data)
}

func (c *connMessaging) writeFrame(kind byte, msgID []byte, data []byte) error {
	if len(msgID) != MsgIDLength {
		return utils.Wrap(ErrMalformed, "message id length")
	}
	header := make([]byte, 4+1+MsgIDLength)
	binary.BigEndian.PutUint32(header, uint32(1+MsgIDLength+len(data)))
	header[4] = kind
	copy(header[5:], msgID)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header); err != nil {
		return utils.Wrap(err, "write frame header")
	}
	if _, err := c.conn.Write(data); err != nil {
		return utils.Wrap(err, "write frame body")
	}
	return nil
}

func (c *connMessaging) readLoop() {
	defer c.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size < 1+MsgIDLength || size > maxConnFrame {
			c.logger.Warnf("dropping malformed frame of %d bytes", size)
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(c.conn, frame); err != nil {
			return
		}
		kind := frame[0]
		msgID := frame[1 : 1+MsgIDLength]
		data := frame[1+MsgIDLength:]

		switch kind {
		case frameKindRequest:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				go handler(msgID, data)
			}
		case frameKindReply:
			c.mu.Lock()
			handle := c.pending[hex.EncodeToString(msgID)]
			c.mu.Unlock()
			if handle != nil {
				handle.deliver(data)
			}
		default:
			c.logger.Warnf("unknown frame kind %d", kind)
		}
	}
}

func (c *connMessaging) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *connMessaging) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *connMessaging) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*ResponseHandle, 0, len(c.pending))
	for _, handle := range c.pending {
		pending = append(pending, handle)
	}
	c.pending = make(map[string]*ResponseHandle)
	closers := append(([]func())(nil), c.onClose...)
	c.mu.Unlock()

	err := c.conn.Close()
	for _, handle := range pending {
		handle.fireClose()
	}
	for _, fn := range closers {
		fn()
	}
	return err
}
