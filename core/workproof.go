package core

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"datamesh-network/pkg/utils"
)

// Work-proof: a model with difficulty > 0 must carry a nonce at index 127
// whose derived hash clears the difficulty threshold. The nonce is outside
// both the signed range and id1, so proving work neither changes identity
// nor invalidates signatures.

// maxWorkIterations bounds SolveWork so a mis-set difficulty cannot spin
// forever.
const maxWorkIterations = 1 << 40

// workThreshold builds the lexicographic hex threshold for a difficulty in
// bits: the hex rendering of that many leading 1-bits, e.g. 4 → "f",
// 5 → "1f", 8 → "ff".
func workThreshold(bits uint64) string {
	full := bits / 4
	rem := bits % 4
	var sb strings.Builder
	if rem > 0 {
		sb.WriteString(hex.EncodeToString([]byte{byte(1<<rem - 1)})[1:])
	}
	sb.WriteString(strings.Repeat("f", int(full)))
	return sb.String()
}

// workHash derives the proof hash for a nonce: blake2b over the field hash
// of indices 0..126 followed by the nonce bytes.
func (m *Model) workHash(nonce []byte) ([HashLength]byte, error) {
	base, err := m.Hash(WorkNonceIndex - 1)
	if err != nil {
		return [HashLength]byte{}, err
	}
	return blake2b.Sum256(append(base[:], nonce...)), nil
}

// SolveWork searches for a nonce satisfying the model's difficulty and
// stores it at index 127, re-packing the model. A zero difficulty is a
// no-op.
func (m *Model) SolveWork() error {
	difficulty := m.uintProp(PropDifficulty)
	if difficulty == 0 {
		return nil
	}
	threshold := workThreshold(difficulty)
	nonce := make([]byte, 8)
	for i := uint64(0); i < maxWorkIterations; i++ {
		binary.BigEndian.PutUint64(nonce, i)
		digest, err := m.workHash(nonce)
		if err != nil {
			return err
		}
		if hex.EncodeToString(digest[:]) >= threshold {
			if err := m.Set(PropWorkNonce, append([]byte(nil), nonce...)); err != nil {
				return err
			}
			_, err := m.Pack()
			return err
		}
	}
	return utils.Wrap(ErrValidation, "work proof search exhausted")
}

// VerifyWork recomputes the proof hash from the stored nonce and compares
// it against the difficulty threshold.
func (m *Model) VerifyWork() (bool, error) {
	difficulty := m.uintProp(PropDifficulty)
	if difficulty == 0 {
		return true, nil
	}
	nonce := m.bytesProp(PropWorkNonce)
	if len(nonce) == 0 {
		return false, nil
	}
	digest, err := m.workHash(nonce)
	if err != nil {
		return false, err
	}
	return hex.EncodeToString(digest[:]) >= workThreshold(difficulty), nil
}
