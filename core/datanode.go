package core

import (
	"bytes"

	"datamesh-network/pkg/utils"
)

// Data node property names.
const (
	PropData        = "data"
	PropContentType = "contentType"
	PropBlobHash    = "blobHash"
	PropBlobLength  = "blobLength"
	PropDataConfig  = "dataConfig"
	PropAnnotations = "annotations"
)

// Data node config flags (uint8).
const (
	FlagIsDestroy            = "isDestroy"
	FlagIsAnnotationEdit     = "isAnnotationEdit"
	FlagIsAnnotationReaction = "isAnnotationReaction"
)

// MaxDataLength caps inline data; larger payloads go through a blob
// reference.
const MaxDataLength = 1024

func dataNodeSchema(modelType []byte) Schema {
	return mergeSchemas(baseNodeSchema(modelType), Schema{
		PropData:        {Index: 32, Type: FieldBytes, MaxSize: MaxDataLength},
		PropContentType: {Index: 33, Type: FieldString, MaxSize: 255},
		PropBlobHash:    {Index: 34, Type: FieldBytes32},
		PropBlobLength:  {Index: 35, Type: FieldUInt64BE},
		PropDataConfig:  {Index: 36, Type: FieldUInt8},
		PropAnnotations: {Index: 37, Type: FieldBytes, MaxSize: MaxDataLength},
	})
}

var dataNodeFlags = append(append([]FlagDef(nil), baseNodeFlags...),
	FlagDef{FlagIsDestroy, PropDataConfig, 0},
	FlagDef{FlagIsAnnotationEdit, PropDataConfig, 1},
	FlagDef{FlagIsAnnotationReaction, PropDataConfig, 2},
)

var dataNodeConstraints = append(append([]ConstraintBit(nil), baseNodeConstraints...),
	ConstraintBit{Bit: 11, FieldIndex: 32},
	ConstraintBit{Bit: 12, FieldIndex: 33},
	ConstraintBit{Bit: 13, FieldIndex: 34},
	ConstraintBit{Bit: 14, FieldIndex: 35},
	ConstraintBit{Bit: 38, IsFlag: true, Config: PropDataConfig, ConfigBit: 0},
	ConstraintBit{Bit: 39, IsFlag: true, Config: PropDataConfig, ConfigBit: 1},
	ConstraintBit{Bit: 40, IsFlag: true, Config: PropDataConfig, ConfigBit: 2},
)

// VariantDataNode is the concrete data-carrying node.
var VariantDataNode = registerVariant(&Variant{
	Name:           "dataNode",
	Type:           TypeDataNode,
	Schema:         dataNodeSchema(TypeDataNode),
	Flags:          dataNodeFlags,
	TransientFlags: baseNodeTransientFlags,
	Constraints:    dataNodeConstraints,
	validate:       validateDataNode,
})

func validateDataNode(m *Model, deep bool, now int64) error {
	if err := validateBaseNode(m, deep, now); err != nil {
		return err
	}

	_, hashSet := m.props[PropBlobHash]
	_, lengthSet := m.props[PropBlobLength]
	if hashSet != lengthSet {
		return utils.Wrap(ErrValidation, "blobHash and blobLength must be set together")
	}
	if hashSet {
		if _, dataSet := m.props[PropData]; dataSet {
			return utils.Wrap(ErrValidation, "data node cannot carry both data and a blob reference")
		}
	}

	flags := m.LoadFlags()
	if flags[FlagIsDestroy] || flags[FlagIsAnnotationEdit] || flags[FlagIsAnnotationReaction] {
		if len(m.bytesProp(PropRefID)) == 0 {
			return utils.Wrap(ErrValidation, "destroy and annotation nodes require refId")
		}
	}
	if flags[FlagIsAnnotationEdit] && flags[FlagIsAnnotationReaction] {
		return utils.Wrap(ErrValidation, "annotation node cannot be both edit and reaction")
	}

	if deep {
		embedded, err := m.LoadSub(PropEmbedded)
		if err != nil {
			return err
		}
		if embedded != nil && !embedded.IsSubtypeOf(TypeDataNodeBase) {
			return utils.Wrap(ErrValidation, "data node may only embed data nodes")
		}
	}
	return nil
}

// CopyNode derives an unsigned copy of a packed data node under a new
// parent. The original's parent id, creation time and signature stack move
// into the copy bookkeeping fields and the original id1 becomes the copy's
// id2, preserving identity across the move. The copy must be re-signed by
// its owner.
func CopyNode(original *Model, newParentID []byte, creationTime int64) (*Model, error) {
	if !original.IsSubtypeOf(TypeDataNodeBase) {
		return nil, utils.Wrap(ErrValidation, "only data nodes can be copied")
	}
	if bytes.Equal(newParentID, original.bytesProp(PropParentID)) {
		return nil, utils.Wrap(ErrValidation, "copy must have a different parent")
	}
	if creationTime < original.CreationTime() {
		return nil, utils.Wrap(ErrValidation, "not a valid copy")
	}
	originalID1, err := original.ID1()
	if err != nil {
		return nil, err
	}
	packed, err := original.Packed()
	if err != nil {
		return nil, err
	}

	props := make(map[string]any, len(original.props))
	for name, value := range original.props {
		props[name] = value
	}
	for _, slot := range signatureSlots {
		delete(props, slot)
	}
	delete(props, PropWorkNonce)

	// Preserve the original signature stack for auditability.
	var sigStack []byte
	it := NewFieldIterator(packed)
	for {
		field, err := it.Next()
		if err != nil {
			return nil, err
		}
		if field == nil {
			break
		}
		if field.Index >= SignatureIndex1 && field.Index <= SignatureIndex3 {
			sigStack = append(sigStack, field.Value...)
		}
	}

	props[PropCopiedParentID] = original.bytesProp(PropParentID)
	props[PropCopiedCreationTime] = uint64(original.CreationTime())
	if len(sigStack) > 0 {
		props[PropCopiedSignatures] = sigStack
	}
	props[PropParentID] = newParentID
	props[PropCreationTime] = uint64(creationTime)
	props[PropID2] = originalID1

	dup := NewModel(original.variant, props)
	if _, err := dup.Pack(); err != nil {
		return nil, err
	}
	return dup, nil
}
