package core

import (
	"bytes"
	"testing"
)

func TestHashListPrefixSafety(t *testing.T) {
	a := HashList([][]byte{[]byte("ab"), []byte("c")})
	b := HashList([][]byte{[]byte("a"), []byte("bc")})
	if a == b {
		t.Fatalf("different splits must not collide")
	}
	if HashList(nil) != zeroDigest {
		t.Fatalf("empty list must hash to zero digest")
	}
}

func TestHashFieldsEmptyRange(t *testing.T) {
	schema := Schema{
		"a": {Index: 50, Type: FieldUInt8},
	}
	packed, err := Pack(schema, map[string]any{"a": uint64(1)}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	digest, err := HashFields(packed, 0, 10)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if digest != zeroDigest {
		t.Fatalf("empty range must yield zero digest")
	}
}

func TestHashFieldsRangeSelectivity(t *testing.T) {
	schema := Schema{
		"a": {Index: 1, Type: FieldUInt8},
		"b": {Index: 2, Type: FieldUInt8},
		"c": {Index: 130, Type: FieldUInt8},
	}
	packed, err := Pack(schema,
		map[string]any{"a": uint64(1), "b": uint64(2), "c": uint64(3)}, TransientIndexLast)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	signed, err := HashFields(packed, 0, MaxSignedIndex)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	// Changing a transient field must not change the signed-range hash.
	packed2, err := Pack(schema,
		map[string]any{"a": uint64(1), "b": uint64(2), "c": uint64(9)}, TransientIndexLast)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	signed2, err := HashFields(packed2, 0, MaxSignedIndex)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if signed != signed2 {
		t.Fatalf("transient change leaked into signed hash")
	}

	// Changing a signed field must change it.
	packed3, err := Pack(schema,
		map[string]any{"a": uint64(1), "b": uint64(7), "c": uint64(3)}, TransientIndexLast)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	signed3, err := HashFields(packed3, 0, MaxSignedIndex)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if signed == signed3 {
		t.Fatalf("signed change did not alter hash")
	}
}

func TestHashSpecificFieldsAbsentStillCounts(t *testing.T) {
	schema := Schema{
		"a": {Index: 1, Type: FieldUInt8},
		"b": {Index: 2, Type: FieldUInt8},
	}
	with, err := Pack(schema, map[string]any{"a": uint64(1), "b": uint64(2)}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	without, err := Pack(schema, map[string]any{"a": uint64(1)}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	h1, err := HashSpecificFields(with, []uint8{1, 2})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := HashSpecificFields(without, []uint8{1, 2})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("absence must influence the digest")
	}
	h3, err := HashSpecificFields(without, []uint8{1})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h2 == h3 {
		t.Fatalf("referenced-but-absent index must still advance the digest")
	}
}

func TestHashSpecificFieldsOrderIndependent(t *testing.T) {
	schema := Schema{
		"a": {Index: 1, Type: FieldUInt8},
		"b": {Index: 2, Type: FieldUInt8},
	}
	packed, err := Pack(schema, map[string]any{"a": uint64(1), "b": uint64(2)}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	h1, _ := HashSpecificFields(packed, []uint8{2, 1})
	h2, _ := HashSpecificFields(packed, []uint8{1, 2})
	if h1 != h2 {
		t.Fatalf("indices must be sorted before digesting")
	}
}

func TestHashSpecificFieldsValueOnly(t *testing.T) {
	// Same value bytes under different variable types must digest equally,
	// since only the value participates.
	bytesSchema := Schema{"v": {Index: 1, Type: FieldBytes}}
	stringSchema := Schema{"v": {Index: 1, Type: FieldString}}
	p1, err := Pack(bytesSchema, map[string]any{"v": []byte("xy")}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	p2, err := Pack(stringSchema, map[string]any{"v": "xy"}, MaxSignedIndex)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	h1, _ := HashSpecificFields(p1, []uint8{1})
	h2, _ := HashSpecificFields(p2, []uint8{1})
	if h1 != h2 {
		t.Fatalf("type byte leaked into the specific-fields digest")
	}
	if !bytes.Equal(p1[:1], p2[:1]) {
		t.Fatalf("sanity: both packed at index 1")
	}
}
