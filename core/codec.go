package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"datamesh-network/pkg/utils"
)

// Pack serialises a property bag against a schema. Fields are emitted in
// ascending index order; optional fields without a value are skipped; static
// fields fall back to their declared constant when absent. Indices above
// maxIndex are rejected.
func Pack(schema Schema, props map[string]any, maxIndex uint8) ([]byte, error) {
	if elem, ok := schema.arraySpec(); ok {
		return packArray(elem, props)
	}

	type entry struct {
		name string
		spec FieldSpec
	}
	entries := make([]entry, 0, len(schema))
	for name, spec := range schema {
		entries = append(entries, entry{name, spec})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].spec.Index < entries[j].spec.Index })

	var out bytes.Buffer
	for _, e := range entries {
		value, present := props[e.name]
		if !present || value == nil {
			if e.spec.Static != nil {
				value = e.spec.Static
			} else if e.spec.Required {
				return nil, utils.Wrap(ErrRequiredMissing, e.name)
			} else {
				continue
			}
		}
		if e.spec.Index > maxIndex {
			return nil, utils.Wrap(ErrIndexOutOfRange, fmt.Sprintf("%s at %d > %d", e.name, e.spec.Index, maxIndex))
		}
		raw, err := packFieldValue(e.spec, value)
		if err != nil {
			return nil, utils.Wrap(err, e.name)
		}
		if err := checkStatic(e.spec, raw); err != nil {
			return nil, utils.Wrap(err, e.name)
		}
		writeField(&out, e.spec.Index, e.spec.Type, raw)
	}
	return out.Bytes(), nil
}

// packArray emits array-schema entries at contiguous indices 0..N-1.
func packArray(elem FieldSpec, props map[string]any) ([]byte, error) {
	value, present := props[ArrayField]
	if !present {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, utils.Wrap(ErrTypeMismatch, "array schema wants []any")
	}
	if len(items) > 256 {
		return nil, utils.Wrap(ErrIndexOutOfRange, fmt.Sprintf("array of %d entries", len(items)))
	}
	var out bytes.Buffer
	for i, item := range items {
		raw, err := packFieldValue(elem, item)
		if err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("entry %d", i))
		}
		writeField(&out, uint8(i), elem.Type, raw)
	}
	return out.Bytes(), nil
}

// packFieldValue renders a single value, recursing into nested schemas.
func packFieldValue(spec FieldSpec, value any) ([]byte, error) {
	if spec.Type == FieldSchema {
		switch v := value.(type) {
		case []byte:
			return checkVarLength(v, spec)
		case map[string]any:
			if spec.Schema == nil {
				return nil, utils.Wrap(ErrTypeMismatch, "nested value without nested schema")
			}
			packed, err := Pack(spec.Schema, v, MaxSignedIndex)
			if err != nil {
				return nil, err
			}
			return checkVarLength(packed, spec)
		}
		return nil, utils.Wrap(ErrTypeMismatch, "schema field wants []byte or map")
	}
	return encodeValue(spec, value)
}

func checkStatic(spec FieldSpec, raw []byte) error {
	if spec.Static == nil {
		return nil
	}
	if spec.StaticPrefix {
		if !bytes.HasPrefix(raw, spec.Static) {
			return ErrStaticMismatch
		}
		return nil
	}
	if !bytes.Equal(raw, spec.Static) {
		return ErrStaticMismatch
	}
	return nil
}

func writeField(out *bytes.Buffer, index uint8, t FieldType, raw []byte) {
	out.WriteByte(index)
	out.WriteByte(uint8(t))
	if t.Variable() {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(raw)))
		out.Write(l[:])
	}
	out.Write(raw)
}

// Unpack parses packed bytes against a schema. Unknown indices are skipped
// for forward compatibility. With deep set, nested schema fields are
// recursively unpacked into maps; otherwise their raw packed bytes are
// returned. Static constraints are verified.
func Unpack(packed []byte, schema Schema, deep bool, maxIndex uint8) (map[string]any, error) {
	props := make(map[string]any)
	elem, isArray := schema.arraySpec()
	var items []any

	it := NewFieldIterator(packed)
	for {
		field, err := it.Next()
		if err != nil {
			return nil, err
		}
		if field == nil {
			break
		}
		if field.Index > maxIndex {
			continue
		}

		var name string
		var spec FieldSpec
		if isArray {
			if int(field.Index) != len(items) {
				return nil, utils.Wrap(ErrIndexNotIncreasing, "array entries must be contiguous")
			}
			spec = elem
			name = ArrayField
		} else {
			var known bool
			name, spec, known = schema.fieldByIndex(field.Index)
			if !known {
				continue
			}
		}
		if field.Type != spec.Type {
			return nil, utils.Wrap(ErrTypeMismatch,
				fmt.Sprintf("%s: wire %s, schema %s", name, field.Type, spec.Type))
		}
		if err := checkStatic(spec, field.Value); err != nil {
			return nil, utils.Wrap(err, name)
		}

		var value any
		if spec.Type == FieldSchema && deep && spec.Schema != nil {
			value, err = Unpack(field.Value, spec.Schema, true, MaxSignedIndex)
			if err != nil {
				return nil, utils.Wrap(err, name)
			}
		} else {
			value, err = decodeValue(spec.Type, field.Value)
			if err != nil {
				return nil, utils.Wrap(err, name)
			}
		}
		if isArray {
			items = append(items, value)
		} else {
			props[name] = value
		}
	}

	if isArray {
		props[ArrayField] = items
		return props, nil
	}
	for name, spec := range schema {
		if spec.Required {
			if _, present := props[name]; !present {
				return nil, utils.Wrap(ErrRequiredMissing, name)
			}
		}
	}
	return props, nil
}

// Field is one parsed wire field.
type Field struct {
	Index uint8
	Type  FieldType
	Value []byte // value bytes only
	Raw   []byte // index, type, length prefix and value
}

// FieldIterator walks packed bytes field by field, enforcing strictly
// increasing indices and structural integrity.
type FieldIterator struct {
	data []byte
	off  int
	last int // last seen index, -1 before the first field
}

// NewFieldIterator starts an iterator at the first field of packed.
func NewFieldIterator(packed []byte) *FieldIterator {
	return &FieldIterator{data: packed, last: -1}
}

// Next returns the next field, or nil at the end of input.
func (it *FieldIterator) Next() (*Field, error) {
	if it.off >= len(it.data) {
		return nil, nil
	}
	start := it.off
	if len(it.data)-it.off < 2 {
		return nil, utils.Wrap(ErrTruncated, "field header")
	}
	index := it.data[it.off]
	t := FieldType(it.data[it.off+1])
	it.off += 2
	if int(index) <= it.last {
		return nil, utils.Wrap(ErrIndexNotIncreasing, fmt.Sprintf("index %d after %d", index, it.last))
	}
	if !t.valid() {
		return nil, utils.Wrap(ErrUnknownFieldType, fmt.Sprintf("0x%02x at index %d", uint8(t), index))
	}

	var size int
	if t.Variable() {
		if len(it.data)-it.off < 2 {
			return nil, utils.Wrap(ErrTruncated, "length prefix")
		}
		size = int(binary.BigEndian.Uint16(it.data[it.off : it.off+2]))
		it.off += 2
	} else {
		size, _ = t.fixedSize()
	}
	if len(it.data)-it.off < size {
		return nil, utils.Wrap(ErrTruncated, fmt.Sprintf("index %d wants %d value bytes", index, size))
	}
	value := it.data[it.off : it.off+size]
	it.off += size
	it.last = int(index)

	return &Field{
		Index: index,
		Type:  t,
		Value: value,
		Raw:   it.data[start:it.off],
	}, nil
}

// Get scans from the start for the field at index. It fails with
// ErrFieldNotFound when the index is absent, and with the usual codec errors
// on malformed input.
func (it *FieldIterator) Get(index uint8) (*Field, error) {
	scan := NewFieldIterator(it.data)
	for {
		field, err := scan.Next()
		if err != nil {
			return nil, err
		}
		if field == nil {
			return nil, utils.Wrap(ErrFieldNotFound, fmt.Sprintf("index %d", index))
		}
		if field.Index == index {
			return field, nil
		}
		if field.Index > index {
			return nil, utils.Wrap(ErrFieldNotFound, fmt.Sprintf("index %d", index))
		}
	}
}
