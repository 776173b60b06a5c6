package core

import (
	"bytes"
	"time"

	log "github.com/sirupsen/logrus"
)

// Batching limits for stores issued by the extender and auto-fetcher.
const (
	MessageSplitBytes = 60000
	MaxBatchSize      = 100
)

// Extender rides a peer connection and extends license chains toward the
// remote peer: candidate license images arriving in fetch responses are
// extended to the remote key, signed locally (with a sign cert attached
// when the license owner differs from the signing key), and stored back in
// the same direction.
type Extender struct {
	peer     *Peer
	keyPair  *KeyPair
	signCert *Model

	logger *log.Entry
}

// NewExtender builds an extender signing with keyPair. signCert may be nil
// when the signing key owns the licenses it extends.
func NewExtender(peer *Peer, keyPair *KeyPair, signCert *Model) *Extender {
	return &Extender{
		peer:     peer,
		keyPair:  keyPair,
		signCert: signCert,
		logger:   log.WithField("service", "extender"),
	}
}

// Attach subscribes the extender to a fetch stream: every embed candidate
// in the responses is processed and stored back.
func (e *Extender) Attach(fh *FetchResponseHandle) {
	fh.OnResponse(func(resp *FetchResponse) {
		if len(resp.Embed) == 0 {
			return
		}
		extended := e.ExtendLicenses(resp.Embed)
		if len(extended) == 0 {
			return
		}
		if err := e.storeBatched(extended); err != nil {
			e.logger.Warnf("storing extended licenses failed, unsubscribing: %v", err)
			fh.Cancel()
		}
	})
}

// ExtendLicenses extends every decodable license image toward the remote
// peer and returns the packed signed extensions. Images that are not
// licenses, cannot be extended or cannot be signed are skipped.
func (e *Extender) ExtendLicenses(images [][]byte) [][]byte {
	target := e.peer.RemotePublicKey()
	now := time.Now().UnixMilli()
	var out [][]byte
	for _, image := range images {
		license, err := LoadModel(image)
		if err != nil || !license.IsSubtypeOf(TypeLicenseNodeBase) {
			continue
		}
		if bytes.Equal(license.bytesProp(PropTargetPublicKey), target) {
			// Already licensed to the remote peer.
			continue
		}
		ext, err := ExtendLicense(license, target, now)
		if err != nil {
			e.logger.Debugf("license not extendable: %v", err)
			continue
		}
		if !bytes.Equal(ext.Owner(), e.keyPair.PublicKey) {
			if e.signCert == nil {
				e.logger.Debugf("foreign license without sign cert, skipping")
				continue
			}
			if err := ext.SetSub(PropSignCert, e.signCert); err != nil {
				continue
			}
		}
		if err := ext.Sign(e.keyPair); err != nil {
			e.logger.Debugf("signing extension failed: %v", err)
			continue
		}
		packed, err := ext.Packed()
		if err != nil {
			continue
		}
		out = append(out, packed)
	}
	return out
}

// storeBatched splits the images by count and byte size and stores each
// batch back toward the peer the candidates came from.
func (e *Extender) storeBatched(images [][]byte) error {
	var batch [][]byte
	batchBytes := 0
	batchID := uint32(1)
	flush := func(hasMore bool) error {
		if len(batch) == 0 {
			return nil
		}
		_, err := e.peer.Store(&StoreRequest{
			Nodes:           batch,
			TargetPublicKey: e.peer.RemotePublicKey(),
			MuteMsgIDs:      e.peer.MuteList().Snapshot(),
			BatchID:         batchID,
			HasMore:         hasMore,
		}, forwardTimeout)
		batch = nil
		batchBytes = 0
		batchID++
		return err
	}
	for _, image := range images {
		if len(batch) >= MaxBatchSize || batchBytes+len(image) > MessageSplitBytes {
			if err := flush(true); err != nil {
				return err
			}
		}
		batch = append(batch, image)
		batchBytes += len(image)
	}
	return flush(false)
}
