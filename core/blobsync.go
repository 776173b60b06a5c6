package core

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// blobChunkSize is the read window of one blob round-trip.
const blobChunkSize = 1 << 16

// BlobSync copies one blob from a source peer to a destination peer,
// resuming at whatever length the destination already holds.
type BlobSync struct {
	from *Peer
	to   *Peer
	id1  []byte
	size uint64

	mu   sync.Mutex
	done chan struct{}
	err  error

	logger *log.Entry
}

func newBlobSync(from, to *Peer, id1 []byte, size uint64) *BlobSync {
	return &BlobSync{
		from:   from,
		to:     to,
		id1:    id1,
		size:   size,
		done:   make(chan struct{}),
		logger: log.WithField("service", "blobsync"),
	}
}

// Done closes when the transfer finishes.
func (bs *BlobSync) Done() <-chan struct{} { return bs.done }

// Err returns the transfer error, if any, once Done is closed.
func (bs *BlobSync) Err() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.err
}

func (bs *BlobSync) fail(err error) {
	bs.mu.Lock()
	bs.err = err
	bs.mu.Unlock()
}

// run drives the pipeline: probe the destination's current length with an
// empty write, then read from the source and append until size is reached.
func (bs *BlobSync) run() {
	defer close(bs.done)

	probe, err := bs.to.WriteBlob(&WriteBlobRequest{
		NodeID1:         bs.id1,
		TargetPublicKey: bs.to.RemotePublicKey(),
	}, forwardTimeout)
	if err != nil {
		bs.fail(err)
		return
	}
	if probe.Status != StatusResult && probe.Status != StatusExists {
		bs.fail(statusError(probe.Status, probe.Error))
		return
	}
	pos := probe.CurrentLength

	for bs.size == 0 || pos < bs.size {
		chunk, blobLength, err := bs.readChunk(pos)
		if err != nil {
			bs.fail(err)
			return
		}
		if bs.size == 0 && blobLength > 0 {
			bs.size = blobLength
		}
		if len(chunk) == 0 {
			break
		}
		resp, err := bs.to.WriteBlob(&WriteBlobRequest{
			NodeID1:         bs.id1,
			TargetPublicKey: bs.to.RemotePublicKey(),
			Pos:             pos,
			Data:            chunk,
		}, forwardTimeout)
		if err != nil {
			bs.fail(err)
			return
		}
		if resp.Status != StatusResult && resp.Status != StatusExists {
			bs.fail(statusError(resp.Status, resp.Error))
			return
		}
		pos = resp.CurrentLength
	}
	bs.logger.Debugf("blob synced at %d bytes", pos)
}

// readChunk collects one windowed read from the source peer.
func (bs *BlobSync) readChunk(pos uint64) ([]byte, uint64, error) {
	bh, err := bs.from.ReadBlob(&ReadBlobRequest{
		NodeID1:         bs.id1,
		TargetPublicKey: bs.from.RemotePublicKey(),
		Pos:             pos,
		Length:          blobChunkSize,
	}, SendOpts{})
	if err != nil {
		return nil, 0, err
	}
	var chunk []byte
	var blobLength uint64
	doneCh := make(chan struct{})
	if err := bh.OnResponse(func(resp *ReadBlobResponse) {
		if resp.Status != StatusResult {
			bh.Cancel()
			return
		}
		chunk = append(chunk, resp.Data...)
		if resp.BlobLength > 0 {
			blobLength = resp.BlobLength
		}
		if resp.EndSeq > 0 && resp.Seq == resp.EndSeq {
			close(doneCh)
		}
	}); err != nil {
		return nil, 0, bh.Err()
	}
	cancelCh := make(chan struct{})
	if err := bh.OnCancel(func() { close(cancelCh) }); err != nil {
		select {
		case <-doneCh:
			return chunk, blobLength, nil
		default:
			return nil, 0, bh.Err()
		}
	}
	select {
	case <-doneCh:
		return chunk, blobLength, nil
	case <-cancelCh:
		return nil, 0, bh.Err()
	}
}

func statusError(status Status, message string) error {
	if message == "" {
		message = status.String()
	}
	return &ProtocolError{Status: status, Message: message}
}

// ProtocolError carries a peer's error status back to the caller.
type ProtocolError struct {
	Status  Status
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Status.String() + ": " + e.Message
}
