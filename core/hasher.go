package core

import (
	"sort"

	"golang.org/x/crypto/blake2b"
)

// HashLength is the digest size used for every content hash in the system.
const HashLength = 32

var zeroDigest [HashLength]byte

// HashList chains blake2b-256 over a list of byte chunks. The running digest
// starts as 32 zero bytes and each step digests prev ∥ chunk, which makes the
// construction prefix-safe: no concatenation of chunks can collide with a
// different split of the same bytes.
func HashList(chunks [][]byte) [HashLength]byte {
	digest := zeroDigest
	for _, chunk := range chunks {
		h, _ := blake2b.New256(nil)
		h.Write(digest[:])
		h.Write(chunk)
		h.Sum(digest[:0])
	}
	return digest
}

// HashFields chains blake2b-256 over every packed field whose index lies in
// [from, to], in packed order. Each step digests the previous digest followed
// by the complete raw field (index, type, length prefix and value). An empty
// range yields 32 zero bytes.
func HashFields(packed []byte, from, to uint8) ([HashLength]byte, error) {
	digest := zeroDigest
	it := NewFieldIterator(packed)
	for {
		field, err := it.Next()
		if err != nil {
			return zeroDigest, err
		}
		if field == nil {
			break
		}
		if field.Index < from {
			continue
		}
		if field.Index > to {
			break
		}
		h, _ := blake2b.New256(nil)
		h.Write(digest[:])
		h.Write(field.Raw)
		h.Sum(digest[:0])
	}
	return digest, nil
}

// HashSpecificFields digests a chosen subset of fields. The indices are
// sorted ascending first so the caller's ordering cannot influence the
// result. For each index the running digest is extended with the field's
// value bytes only; a referenced but absent field still advances the digest
// by re-digesting the previous state, so presence and absence are both bound.
func HashSpecificFields(packed []byte, indices []uint8) ([HashLength]byte, error) {
	sorted := make([]uint8, len(indices))
	copy(sorted, indices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	digest := zeroDigest
	for _, index := range sorted {
		field, err := getField(packed, index)
		if err != nil {
			return zeroDigest, err
		}
		h, _ := blake2b.New256(nil)
		h.Write(digest[:])
		if field != nil {
			h.Write(field.Value)
		}
		h.Sum(digest[:0])
	}
	return digest, nil
}

// getField scans packed for the field at index. Returns nil when absent.
func getField(packed []byte, index uint8) (*Field, error) {
	it := NewFieldIterator(packed)
	for {
		field, err := it.Next()
		if err != nil {
			return nil, err
		}
		if field == nil {
			return nil, nil
		}
		if field.Index == index {
			return field, nil
		}
		if field.Index > index {
			return nil, nil
		}
	}
}
