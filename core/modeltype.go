package core

import "bytes"

// Model types form a byte-prefix hierarchy. The root tuple is three bytes
// and every level of the taxonomy extends its parent by one byte, so subtype
// testing is a plain prefix comparison on field index 0.
var (
	TypeModel = []byte{0x01, 0x00, 0x00}

	// Level 1.
	TypeNode = extendType(TypeModel, 0x01)
	TypeCert = extendType(TypeModel, 0x02)

	// Level 2.
	TypeDataNodeBase    = extendType(TypeNode, 0x01)
	TypeLicenseNodeBase = extendType(TypeNode, 0x02)
	TypeCarrierNodeBase = extendType(TypeNode, 0x03)
	TypeSignCertBase    = extendType(TypeCert, 0x01)
	TypeFriendCertBase  = extendType(TypeCert, 0x02)
	TypeAuthCertBase    = extendType(TypeCert, 0x03)

	// Level 3 (concrete models).
	TypeDataNode    = extendType(TypeDataNodeBase, 0x00)
	TypeLicenseNode = extendType(TypeLicenseNodeBase, 0x00)
	TypeCarrierNode = extendType(TypeCarrierNodeBase, 0x00)
	TypeSignCert    = extendType(TypeSignCertBase, 0x00)
	TypeFriendCert  = extendType(TypeFriendCertBase, 0x00)
	TypeAuthCert    = extendType(TypeAuthCertBase, 0x00)
)

func extendType(base []byte, level byte) []byte {
	out := make([]byte, len(base)+1)
	copy(out, base)
	out[len(base)] = level
	return out
}

// IsSubtype reports whether modelType sits at or below prefix in the
// hierarchy.
func IsSubtype(modelType, prefix []byte) bool {
	return len(prefix) > 0 && bytes.HasPrefix(modelType, prefix)
}

// FlagDef binds a named boolean flag to one bit of an integer config field.
type FlagDef struct {
	Name   string
	Config string // props key of the config field holding the bit
	Bit    uint8
}

// ConstraintBit maps one bit of a cert's lockedConfig onto either a whole
// field (digested via HashSpecificFields) or a single flag bit of a config
// field (appended to the digest as one 0/1 byte).
type ConstraintBit struct {
	Bit        uint8
	FieldIndex uint8 // field form
	IsFlag     bool
	Config     string // flag form: props key of the config field
	ConfigBit  uint8  // flag form: bit within that field
}

// Variant is the vtable of one model kind: its wire schema, flag tables,
// constraint mapping and kind-specific validation.
type Variant struct {
	Name           string
	Type           []byte
	Schema         Schema
	Flags          []FlagDef
	TransientFlags []FlagDef
	Constraints    []ConstraintBit

	// validate runs the kind-specific invariants after the shared ones.
	validate func(m *Model, deep bool, now int64) error
}

// variantRegistry holds every known concrete variant plus the abstract
// levels, so raw bytes of an unknown level-3 subtype still resolve to the
// closest known ancestor.
var variantRegistry []*Variant

func registerVariant(v *Variant) *Variant {
	variantRegistry = append(variantRegistry, v)
	return v
}

// VariantForType resolves a model type tuple to the registered variant with
// the longest matching prefix, or nil for a foreign type.
func VariantForType(modelType []byte) *Variant {
	var best *Variant
	for _, v := range variantRegistry {
		if IsSubtype(modelType, v.Type) {
			if best == nil || len(v.Type) > len(best.Type) {
				best = v
			}
		}
	}
	return best
}
