package core

import (
	"bytes"
	"sync"

	log "github.com/sirupsen/logrus"

	"datamesh-network/pkg/utils"
)

// Signer offloads signature generation and verification to a worker pool.
// Model and codec work stay on the caller's goroutine; only the crypto runs
// on the workers, and completions re-enter the caller sequentially through
// the returned channels.
type Signer struct {
	keyPairs []*KeyPair
	jobs     chan func()
	wg       sync.WaitGroup
	once     sync.Once
	logger   *log.Entry
}

// NewSigner starts a signer holding the given key pairs with the requested
// worker count.
func NewSigner(keyPairs []*KeyPair, workers int) *Signer {
	if workers <= 0 {
		workers = 1
	}
	s := &Signer{
		keyPairs: keyPairs,
		jobs:     make(chan func(), workers*2),
		logger:   log.WithField("service", "signer"),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range s.jobs {
				job()
			}
		}()
	}
	return s
}

// Close drains the pool. Pending jobs complete first.
func (s *Signer) Close() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// keyPairFor picks the held key pair matching a public key.
func (s *Signer) keyPairFor(publicKey []byte) *KeyPair {
	for _, kp := range s.keyPairs {
		if bytes.Equal(kp.PublicKey, publicKey) {
			return kp
		}
	}
	return nil
}

// PublicKeys lists the keys this signer can sign with.
func (s *Signer) PublicKeys() [][]byte {
	out := make([][]byte, len(s.keyPairs))
	for i, kp := range s.keyPairs {
		out[i] = kp.PublicKey
	}
	return out
}

// SignModel signs a model with the held key matching its owner (or a cert
// target), dispatching the signature computation to the pool and blocking
// until it lands.
func (s *Signer) SignModel(m *Model) error {
	kp := s.keyPairFor(m.Owner())
	if kp == nil {
		cert, err := m.LoadSub(PropSignCert)
		if err != nil {
			return err
		}
		if cert != nil {
			for _, target := range cert.TargetPublicKeys() {
				if kp = s.keyPairFor(target); kp != nil {
					break
				}
			}
		}
	}
	if kp == nil {
		return utils.Wrap(ErrPermissionDenied, "no key pair for model owner")
	}
	hash, err := m.HashToSign()
	if err != nil {
		return err
	}

	type result struct {
		sig []byte
		err error
	}
	resultCh := make(chan result, 1)
	s.jobs <- func() {
		sig, err := Sign(hash[:], kp)
		resultCh <- result{sig, err}
	}
	res := <-resultCh
	if res.err != nil {
		return res.err
	}
	return m.AddSignature(res.sig, kp.PublicKey, kp.Type)
}

// VerifyBatch verifies many packed models concurrently. The result slice
// parallels the input: true when every signature (including embedded
// sub-models) verifies and the threshold is met.
func (s *Signer) VerifyBatch(images [][]byte, allowUnsigned bool) []bool {
	out := make([]bool, len(images))
	var wg sync.WaitGroup
	for i, image := range images {
		wg.Add(1)
		i, image := i, image
		s.jobs <- func() {
			defer wg.Done()
			m, err := LoadModel(image)
			if err != nil {
				return
			}
			ok, err := m.Verify(allowUnsigned)
			out[i] = err == nil && ok
		}
	}
	wg.Wait()
	return out
}
