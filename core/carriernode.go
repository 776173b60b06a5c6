package core

import "datamesh-network/pkg/utils"

// Carrier node property names.
const (
	PropPayload            = "payload"
	PropPayloadContentType = "payloadContentType"
)

// MaxPayloadLength caps a carrier node's inline payload.
const MaxPayloadLength = 8192

func carrierNodeSchema(modelType []byte) Schema {
	return mergeSchemas(baseNodeSchema(modelType), Schema{
		PropPayload:            {Index: 32, Type: FieldBytes, MaxSize: MaxPayloadLength},
		PropPayloadContentType: {Index: 33, Type: FieldString, MaxSize: 255},
	})
}

var carrierNodeConstraints = append(append([]ConstraintBit(nil), baseNodeConstraints...),
	ConstraintBit{Bit: 11, FieldIndex: 32},
	ConstraintBit{Bit: 12, FieldIndex: 33},
)

// VariantCarrierNode is the generic payload node: opaque application bytes
// riding the node graph without data-node semantics.
var VariantCarrierNode = registerVariant(&Variant{
	Name:           "carrierNode",
	Type:           TypeCarrierNode,
	Schema:         carrierNodeSchema(TypeCarrierNode),
	Flags:          baseNodeFlags,
	TransientFlags: baseNodeTransientFlags,
	Constraints:    carrierNodeConstraints,
	validate:       validateCarrierNode,
})

func validateCarrierNode(m *Model, deep bool, now int64) error {
	if err := validateBaseNode(m, deep, now); err != nil {
		return err
	}
	if deep {
		embedded, err := m.LoadSub(PropEmbedded)
		if err != nil {
			return err
		}
		if embedded != nil && !embedded.IsSubtypeOf(TypeCarrierNodeBase) {
			return utils.Wrap(ErrValidation, "carrier node may only embed carrier nodes")
		}
	}
	return nil
}
