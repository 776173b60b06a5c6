package core

import (
	"fmt"

	"datamesh-network/pkg/utils"
)

// Cert-level property names.
const (
	PropCertConstraints   = "constraints"
	PropCertConfig        = "certConfig"
	PropCertLockedConfig  = "lockedConfig"
	PropCertTargetKeys    = "targetPublicKeys"
	PropMultisigThreshold = "multisigThreshold"
	PropCertCountdown     = "countdown"
	PropCertTargetType    = "targetType"
	PropCertMaxExpireTime = "maxExpireTime"
)

// Multi-signature bounds: a cert delegates to at most five keys and can
// demand at most three signatures, one per slot.
const (
	MaxCertTargetKeys    = 5
	MaxMultisigThreshold = 3
)

// certTargetKeysSchema is the array layout of the delegated public keys.
var certTargetKeysSchema = Schema{
	ArrayField: {Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
}

// baseCertSchema extends the shared model layout with the cert field set.
// Certs require an expiry.
func baseCertSchema(modelType []byte) Schema {
	return mergeSchemas(baseModelSchema(modelType), Schema{
		PropExpireTime:        {Index: 3, Type: FieldUInt48BE, Required: true},
		PropCertConstraints:   {Index: 16, Type: FieldBytes32},
		PropCertConfig:        {Index: 17, Type: FieldUInt8},
		PropCertLockedConfig:  {Index: 18, Type: FieldUInt48BE},
		PropCertTargetKeys:    {Index: 19, Type: FieldSchema, Schema: certTargetKeysSchema},
		PropMultisigThreshold: {Index: 20, Type: FieldUInt8},
		PropCertCountdown:     {Index: 21, Type: FieldUInt8},
		PropCertTargetType:    {Index: 22, Type: FieldBytes, MaxSize: 8},
		PropCertMaxExpireTime: {Index: 23, Type: FieldUInt48BE},
	})
}

// baseCertConstraints maps lockedConfig bits for certs signed by parent
// certs in a chain.
var baseCertConstraints = []ConstraintBit{
	{Bit: 0, FieldIndex: 0},
	{Bit: 1, FieldIndex: 1},
	{Bit: 2, FieldIndex: 2},
	{Bit: 3, FieldIndex: 3},
	{Bit: 4, FieldIndex: 18},
	{Bit: 5, FieldIndex: 19},
	{Bit: 6, FieldIndex: 20},
	{Bit: 7, FieldIndex: 21},
	{Bit: 8, FieldIndex: 22},
	{Bit: 9, FieldIndex: 23},
}

// VariantCert is the abstract base cert level.
var VariantCert = registerVariant(&Variant{
	Name:        "cert",
	Type:        TypeCert,
	Schema:      baseCertSchema(TypeCert),
	Constraints: baseCertConstraints,
	validate:    validateBaseCert,
})

func validateBaseCert(m *Model, deep bool, now int64) error {
	if m.ExpireTime() == 0 {
		return utils.Wrap(ErrValidation, "cert requires expireTime")
	}

	targets := m.TargetPublicKeys()
	if len(targets) > MaxCertTargetKeys {
		return utils.Wrap(ErrValidation, fmt.Sprintf("cert carries %d target keys, max %d", len(targets), MaxCertTargetKeys))
	}
	for _, target := range targets {
		if _, err := DetectKeyType(target); err != nil {
			return utils.Wrap(ErrValidation, "cert target key length")
		}
	}
	if threshold := m.MultisigThreshold(); threshold > 0 {
		limit := MaxMultisigThreshold
		if len(targets) < limit {
			limit = len(targets)
		}
		if int(threshold) > limit {
			return utils.Wrap(ErrValidation, "multisig threshold exceeds target keys")
		}
	}
	if max := int64(m.uintProp(PropCertMaxExpireTime)); max != 0 && m.ExpireTime() > max {
		return utils.Wrap(ErrValidation, "cert expireTime exceeds its own maxExpireTime")
	}
	return nil
}

// TargetPublicKeys decodes the delegated key list. An empty list means the
// cert implicitly targets the signed model's owner.
func (m *Model) TargetPublicKeys() [][]byte {
	value, ok := m.props[PropCertTargetKeys]
	if !ok || value == nil {
		return nil
	}
	var items []any
	switch v := value.(type) {
	case []byte:
		props, err := Unpack(v, certTargetKeysSchema, false, MaxEntryIndex)
		if err != nil {
			return nil
		}
		items, _ = props[ArrayField].([]any)
	case []any:
		items = v
	case map[string]any:
		items, _ = v[ArrayField].([]any)
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		if b, ok := item.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

// SetTargetPublicKeys stores the delegated key list.
func (m *Model) SetTargetPublicKeys(keys [][]byte) error {
	items := make([]any, len(keys))
	for i, key := range keys {
		items[i] = key
	}
	packed, err := Pack(certTargetKeysSchema, map[string]any{ArrayField: items}, MaxSignedIndex)
	if err != nil {
		return err
	}
	return m.Set(PropCertTargetKeys, packed)
}

// MultisigThreshold returns the number of signatures the cert demands, 0
// when unset (single signature).
func (m *Model) MultisigThreshold() uint8 {
	return uint8(m.uintProp(PropMultisigThreshold))
}

// Countdown returns the cert's chain countdown. The cert attached to the
// signed model must be 0; each parent in the chain carries a strictly
// larger value.
func (m *Model) Countdown() uint8 {
	return uint8(m.uintProp(PropCertCountdown))
}
