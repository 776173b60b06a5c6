package core

import (
	"encoding/binary"
	"fmt"

	"datamesh-network/pkg/utils"
)

// FieldType is the one-byte wire tag describing how a field value is encoded.
// Fixed-width integers come in both endiannesses, including the 24- and
// 48-bit widths used for millisecond timestamps. Variable-length types carry
// a 16-bit big-endian length prefix.
type FieldType uint8

const (
	FieldUInt8 FieldType = iota
	FieldInt8
	FieldUInt16BE
	FieldUInt16LE
	FieldInt16BE
	FieldInt16LE
	FieldUInt24BE
	FieldUInt24LE
	FieldInt24BE
	FieldInt24LE
	FieldUInt32BE
	FieldUInt32LE
	FieldInt32BE
	FieldInt32LE
	FieldUInt48BE
	FieldUInt48LE
	FieldInt48BE
	FieldInt48LE
	FieldUInt64BE
	FieldUInt64LE
	FieldInt64BE
	FieldInt64LE
	FieldBytes1
	FieldBytes2
	FieldBytes3
	FieldBytes4
	FieldBytes5
	FieldBytes6
	FieldBytes7
	FieldBytes8
	FieldBytes16
	FieldBytes32
	FieldBytes64
	FieldString
	FieldBytes
	FieldSchema

	fieldTypeCount
)

// MaxFieldLength caps the value length of any variable field (u16 prefix).
const MaxFieldLength = 65535

// Semantic index ranges of the model field space.
const (
	MaxSignedIndex      uint8 = 127 // inclusive upper bound of the signed area
	SubModelIndexFirst  uint8 = 8   // sub-models verified via the signature chain
	SubModelIndexLast   uint8 = 15
	SignatureIndex1     uint8 = 124
	SignatureIndex2     uint8 = 125
	SignatureIndex3     uint8 = 126
	WorkNonceIndex      uint8 = 127
	TransientIndexFirst uint8 = 128 // transient, included in the transient hash
	TransientHashedLast uint8 = 159
	TransientIndexLast  uint8 = 191 // 160..191 transient, never hashed

	// MaxEntryIndex is the index ceiling for array-schema entries, which
	// use the full byte range.
	MaxEntryIndex uint8 = 255
)

var fieldTypeNames = map[FieldType]string{
	FieldUInt8: "uint8", FieldInt8: "int8",
	FieldUInt16BE: "uint16be", FieldUInt16LE: "uint16le",
	FieldInt16BE: "int16be", FieldInt16LE: "int16le",
	FieldUInt24BE: "uint24be", FieldUInt24LE: "uint24le",
	FieldInt24BE: "int24be", FieldInt24LE: "int24le",
	FieldUInt32BE: "uint32be", FieldUInt32LE: "uint32le",
	FieldInt32BE: "int32be", FieldInt32LE: "int32le",
	FieldUInt48BE: "uint48be", FieldUInt48LE: "uint48le",
	FieldInt48BE: "int48be", FieldInt48LE: "int48le",
	FieldUInt64BE: "uint64be", FieldUInt64LE: "uint64le",
	FieldInt64BE: "int64be", FieldInt64LE: "int64le",
	FieldBytes1: "bytes1", FieldBytes2: "bytes2", FieldBytes3: "bytes3",
	FieldBytes4: "bytes4", FieldBytes5: "bytes5", FieldBytes6: "bytes6",
	FieldBytes7: "bytes7", FieldBytes8: "bytes8", FieldBytes16: "bytes16",
	FieldBytes32: "bytes32", FieldBytes64: "bytes64",
	FieldString: "string", FieldBytes: "bytes", FieldSchema: "schema",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("fieldtype(%d)", uint8(t))
}

func (t FieldType) valid() bool { return t < fieldTypeCount }

// Variable reports whether the type carries a u16 length prefix on the wire.
func (t FieldType) Variable() bool {
	return t == FieldString || t == FieldBytes || t == FieldSchema
}

// intWidth returns (byte width, littleEndian, signed, ok) for integer types;
// ok is false for every non-integer type.
func (t FieldType) intWidth() (int, bool, bool, bool) {
	switch t {
	case FieldUInt8:
		return 1, false, false, true
	case FieldInt8:
		return 1, false, true, true
	case FieldUInt16BE:
		return 2, false, false, true
	case FieldUInt16LE:
		return 2, true, false, true
	case FieldInt16BE:
		return 2, false, true, true
	case FieldInt16LE:
		return 2, true, true, true
	case FieldUInt24BE:
		return 3, false, false, true
	case FieldUInt24LE:
		return 3, true, false, true
	case FieldInt24BE:
		return 3, false, true, true
	case FieldInt24LE:
		return 3, true, true, true
	case FieldUInt32BE:
		return 4, false, false, true
	case FieldUInt32LE:
		return 4, true, false, true
	case FieldInt32BE:
		return 4, false, true, true
	case FieldInt32LE:
		return 4, true, true, true
	case FieldUInt48BE:
		return 6, false, false, true
	case FieldUInt48LE:
		return 6, true, false, true
	case FieldInt48BE:
		return 6, false, true, true
	case FieldInt48LE:
		return 6, true, true, true
	case FieldUInt64BE:
		return 8, false, false, true
	case FieldUInt64LE:
		return 8, true, false, true
	case FieldInt64BE:
		return 8, false, true, true
	case FieldInt64LE:
		return 8, true, true, true
	}
	return 0, false, false, false
}

// fixedBytesSize returns the value size for the fixed byte-blob types.
func (t FieldType) fixedBytesSize() (int, bool) {
	switch t {
	case FieldBytes1:
		return 1, true
	case FieldBytes2:
		return 2, true
	case FieldBytes3:
		return 3, true
	case FieldBytes4:
		return 4, true
	case FieldBytes5:
		return 5, true
	case FieldBytes6:
		return 6, true
	case FieldBytes7:
		return 7, true
	case FieldBytes8:
		return 8, true
	case FieldBytes16:
		return 16, true
	case FieldBytes32:
		return 32, true
	case FieldBytes64:
		return 64, true
	}
	return 0, false
}

// fixedSize returns the wire size of the value for non-variable types.
func (t FieldType) fixedSize() (int, bool) {
	if w, _, _, ok := t.intWidth(); ok {
		return w, true
	}
	if n, ok := t.fixedBytesSize(); ok {
		return n, true
	}
	return 0, false
}

// FieldSpec declares one field of a schema.
type FieldSpec struct {
	Index    uint8
	Type     FieldType
	Required bool

	// Static forces the value to equal (or, with StaticPrefix, to start
	// with) this constant. Static-prefix fields identify the model type
	// across the hierarchy.
	Static       []byte
	StaticPrefix bool

	// MaxSize caps variable values below MaxFieldLength when non-zero.
	MaxSize int

	// Schema describes the nested layout of FieldSchema fields.
	Schema Schema
}

// Schema maps field names to their specs. A schema declared with the single
// pseudo-field name ArrayField is an array schema: entries occupy contiguous
// indices 0..N-1 with at most 256 entries.
type Schema map[string]FieldSpec

// ArrayField is the pseudo-field name marking an array schema.
const ArrayField = "[]"

// arraySpec returns the element spec when s is an array schema.
func (s Schema) arraySpec() (FieldSpec, bool) {
	if len(s) != 1 {
		return FieldSpec{}, false
	}
	spec, ok := s[ArrayField]
	return spec, ok
}

// fieldByIndex resolves a field index to its name and spec.
func (s Schema) fieldByIndex(index uint8) (string, FieldSpec, bool) {
	for name, spec := range s {
		if name != ArrayField && spec.Index == index {
			return name, spec, true
		}
	}
	return "", FieldSpec{}, false
}

// mergeSchemas layers child fields over a base schema. Child entries replace
// base entries of the same name, which is how each hierarchy level narrows
// the static model-type prefix.
func mergeSchemas(base Schema, children ...Schema) Schema {
	out := make(Schema, len(base))
	for name, spec := range base {
		out[name] = spec
	}
	for _, child := range children {
		for name, spec := range child {
			out[name] = spec
		}
	}
	return out
}

// encodeValue renders a property value into wire bytes for the given type.
func encodeValue(spec FieldSpec, value any) ([]byte, error) {
	t := spec.Type
	if width, little, signed, ok := t.intWidth(); ok {
		return encodeInt(t, width, little, signed, value)
	}
	if size, ok := t.fixedBytesSize(); ok {
		b, ok := value.([]byte)
		if !ok {
			return nil, utils.Wrap(ErrTypeMismatch, fmt.Sprintf("%s wants []byte", t))
		}
		if len(b) != size {
			return nil, utils.Wrap(ErrLengthExceedsMax, fmt.Sprintf("%s wants exactly %d bytes, got %d", t, size, len(b)))
		}
		return b, nil
	}
	switch t {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return nil, utils.Wrap(ErrTypeMismatch, "string field wants string")
		}
		return checkVarLength([]byte(s), spec)
	case FieldBytes, FieldSchema:
		b, ok := value.([]byte)
		if !ok {
			return nil, utils.Wrap(ErrTypeMismatch, fmt.Sprintf("%s field wants []byte", t))
		}
		return checkVarLength(b, spec)
	}
	return nil, utils.Wrap(ErrUnknownFieldType, t.String())
}

func checkVarLength(b []byte, spec FieldSpec) ([]byte, error) {
	max := MaxFieldLength
	if spec.MaxSize > 0 && spec.MaxSize < max {
		max = spec.MaxSize
	}
	if len(b) > max {
		return nil, utils.Wrap(ErrLengthExceedsMax, fmt.Sprintf("%d > %d", len(b), max))
	}
	return b, nil
}

func encodeInt(t FieldType, width int, little, signed bool, value any) ([]byte, error) {
	var u uint64
	if signed {
		v, ok := toInt64(value)
		if !ok {
			return nil, utils.Wrap(ErrTypeMismatch, fmt.Sprintf("%s wants int64", t))
		}
		if width < 8 {
			limit := int64(1) << (uint(width)*8 - 1)
			if v >= limit || v < -limit {
				return nil, utils.Wrap(ErrLengthExceedsMax, fmt.Sprintf("%d out of %s range", v, t))
			}
		}
		u = uint64(v) & (^uint64(0) >> (64 - uint(width)*8))
	} else {
		v, ok := toUint64(value)
		if !ok {
			return nil, utils.Wrap(ErrTypeMismatch, fmt.Sprintf("%s wants uint64", t))
		}
		if width < 8 && v >= uint64(1)<<(uint(width)*8) {
			return nil, utils.Wrap(ErrLengthExceedsMax, fmt.Sprintf("%d out of %s range", v, t))
		}
		u = v
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], u)
	be := scratch[8-width:]
	if !little {
		out := make([]byte, width)
		copy(out, be)
		return out, nil
	}
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = be[width-1-i]
	}
	return out, nil
}

// decodeValue turns wire bytes back into the property value for the type.
func decodeValue(t FieldType, raw []byte) (any, error) {
	if width, little, signed, ok := t.intWidth(); ok {
		if len(raw) != width {
			return nil, utils.Wrap(ErrTruncated, t.String())
		}
		var scratch [8]byte
		if little {
			for i := 0; i < width; i++ {
				scratch[8-width+i] = raw[width-1-i]
			}
		} else {
			copy(scratch[8-width:], raw)
		}
		u := binary.BigEndian.Uint64(scratch[:])
		if !signed {
			return u, nil
		}
		// Sign-extend.
		shift := 64 - uint(width)*8
		return int64(u<<shift) >> shift, nil
	}
	if size, ok := t.fixedBytesSize(); ok {
		if len(raw) != size {
			return nil, utils.Wrap(ErrTruncated, t.String())
		}
		out := make([]byte, size)
		copy(out, raw)
		return out, nil
	}
	switch t {
	case FieldString:
		return string(raw), nil
	case FieldBytes, FieldSchema:
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return nil, utils.Wrap(ErrUnknownFieldType, t.String())
}

func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	}
	return 0, false
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		if v > 1<<63-1 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}
