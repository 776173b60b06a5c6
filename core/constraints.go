package core

import (
	"sort"

	"golang.org/x/crypto/blake2b"
)

// LockedConfigBits is the width of a cert's lockedConfig bitmap.
const LockedConfigBits = 48

// HashConstraints digests the subset of fields and flag bits a cert issuer
// locked. Field bits select whole fields, digested through
// HashSpecificFields over their sorted indices; flag bits each append a
// single byte holding the selected config bit, in ascending bit order. The
// result is a pure function of the packed bytes, the bitmap and the config
// values, with no way to reorder the selection.
func (m *Model) HashConstraints(lockedConfig uint64) ([HashLength]byte, error) {
	packed, err := m.Packed()
	if err != nil {
		return [HashLength]byte{}, err
	}

	mapping := make([]ConstraintBit, len(m.variant.Constraints))
	copy(mapping, m.variant.Constraints)
	sort.Slice(mapping, func(i, j int) bool { return mapping[i].Bit < mapping[j].Bit })

	var fieldIdxs []uint8
	for _, cb := range mapping {
		if !cb.IsFlag && lockedConfig>>cb.Bit&1 == 1 {
			fieldIdxs = append(fieldIdxs, cb.FieldIndex)
		}
	}
	digest, err := HashSpecificFields(packed, fieldIdxs)
	if err != nil {
		return [HashLength]byte{}, err
	}

	for _, cb := range mapping {
		if !cb.IsFlag || lockedConfig>>cb.Bit&1 == 0 {
			continue
		}
		bit := byte(m.uintProp(cb.Config) >> cb.ConfigBit & 1)
		h, _ := blake2b.New256(nil)
		h.Write(digest[:])
		h.Write([]byte{bit})
		h.Sum(digest[:0])
	}
	return digest, nil
}
