package core

import (
	"bytes"
	"encoding/binary"
	"sort"

	"datamesh-network/pkg/utils"
)

// Friend cert property names.
const (
	PropFriendSalt         = "salt"
	PropFriendCertLevel    = "certFriendLevel"
	PropLicenseMaxExpire   = "licenseMaxExpireTime"
	PropFriendRegion       = "friendRegion"
	PropFriendJurisdiction = "friendJurisdiction"
)

// Friend cert config flag (uint8).
const FlagHashExtenderPublicKey = "hashExtenderPublicKey"

// FriendSaltLength is the fixed salt size of a friend cert.
const FriendSaltLength = 8

func friendCertSchema(modelType []byte) Schema {
	return mergeSchemas(baseCertSchema(modelType), Schema{
		PropFriendSalt:         {Index: 24, Type: FieldBytes8, Required: true},
		PropFriendCertLevel:    {Index: 25, Type: FieldUInt8},
		PropLicenseMaxExpire:   {Index: 26, Type: FieldUInt48BE},
		PropFriendRegion:       {Index: 27, Type: FieldString, MaxSize: 32},
		PropFriendJurisdiction: {Index: 28, Type: FieldString, MaxSize: 32},
	})
}

var friendCertFlags = []FlagDef{
	{FlagHashExtenderPublicKey, PropCertConfig, 0},
}

var friendCertConstraints = append(append([]ConstraintBit(nil), baseCertConstraints...),
	ConstraintBit{Bit: 10, FieldIndex: 24},
	ConstraintBit{Bit: 11, FieldIndex: 25},
	ConstraintBit{Bit: 12, FieldIndex: 26},
	ConstraintBit{Bit: 13, FieldIndex: 27},
	ConstraintBit{Bit: 14, FieldIndex: 28},
	ConstraintBit{Bit: 24, IsFlag: true, Config: PropCertConfig, ConfigBit: 0},
)

// VariantFriendCert pairs two peers for license extension: each side issues
// one cert of the pair and both bind the same pair hash as constraints.
var VariantFriendCert = registerVariant(&Variant{
	Name:        "friendCert",
	Type:        TypeFriendCert,
	Schema:      friendCertSchema(TypeFriendCert),
	Flags:       friendCertFlags,
	Constraints: friendCertConstraints,
	validate:    validateFriendCert,
})

func validateFriendCert(m *Model, deep bool, now int64) error {
	if err := validateBaseCert(m, deep, now); err != nil {
		return err
	}
	if len(m.bytesProp(PropFriendSalt)) != FriendSaltLength {
		return utils.Wrap(ErrValidation, "friend cert salt length")
	}
	return nil
}

// HashFriendConstraints computes the pair hash both friend certs must carry
// as constraints: the two owners and two salts sorted lexicographically
// (so either side computes the same value), the optional region and
// jurisdiction sorted in with them, then the time and level tuple. When the
// HashExtenderPublicKey flag is set the extender's key is appended, pinning
// the pair to one extending peer.
func (m *Model) HashFriendConstraints(other *Model, extenderPublicKey []byte) ([HashLength]byte, error) {
	if !m.IsSubtypeOf(TypeFriendCertBase) || !other.IsSubtypeOf(TypeFriendCertBase) {
		return [HashLength]byte{}, utils.Wrap(ErrValidation, "friend constraints need two friend certs")
	}
	parts := [][]byte{
		m.Owner(),
		other.Owner(),
		m.bytesProp(PropFriendSalt),
		other.bytesProp(PropFriendSalt),
	}
	if region := m.stringProp(PropFriendRegion); region != "" {
		parts = append(parts, []byte(region))
	}
	if jurisdiction := m.stringProp(PropFriendJurisdiction); jurisdiction != "" {
		parts = append(parts, []byte(jurisdiction))
	}
	sort.Slice(parts, func(i, j int) bool { return bytes.Compare(parts[i], parts[j]) < 0 })

	var times [3 * 6]byte
	putUint48(times[0:6], uint64(m.CreationTime()))
	putUint48(times[6:12], uint64(m.ExpireTime()))
	putUint48(times[12:18], m.uintProp(PropLicenseMaxExpire))
	level := []byte{byte(m.uintProp(PropFriendCertLevel))}

	chunks := append(parts, times[:], level)
	if m.Flag(FlagHashExtenderPublicKey) && len(extenderPublicKey) > 0 {
		chunks = append(chunks, extenderPublicKey)
	}
	return HashList(chunks), nil
}

func putUint48(dst []byte, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	copy(dst, scratch[2:])
}

// ValidateFriendCertPair checks the pairing rules: identical time and level
// tuple, identical region and jurisdiction, distinct owners, distinct
// salts, and both constraints equal to the shared pair hash.
func ValidateFriendCertPair(a, b *Model, extenderPublicKey []byte) error {
	if a.CreationTime() != b.CreationTime() ||
		a.ExpireTime() != b.ExpireTime() ||
		a.uintProp(PropLicenseMaxExpire) != b.uintProp(PropLicenseMaxExpire) ||
		a.uintProp(PropFriendCertLevel) != b.uintProp(PropFriendCertLevel) {
		return utils.Wrap(ErrValidation, "friend certs must share the time and level tuple")
	}
	if a.stringProp(PropFriendRegion) != b.stringProp(PropFriendRegion) ||
		a.stringProp(PropFriendJurisdiction) != b.stringProp(PropFriendJurisdiction) {
		return utils.Wrap(ErrValidation, "friend certs must share region and jurisdiction")
	}
	if bytes.Equal(a.Owner(), b.Owner()) {
		return utils.Wrap(ErrValidation, "friend certs must have distinct owners")
	}
	if bytes.Equal(a.bytesProp(PropFriendSalt), b.bytesProp(PropFriendSalt)) {
		return utils.Wrap(ErrValidation, "friend certs must have distinct salts")
	}
	expected, err := a.HashFriendConstraints(b, extenderPublicKey)
	if err != nil {
		return err
	}
	for _, cert := range []*Model{a, b} {
		if !bytes.Equal(cert.bytesProp(PropCertConstraints), expected[:]) {
			return utils.Wrap(ErrValidation, "friend cert constraints do not match the pair hash")
		}
	}
	return nil
}
