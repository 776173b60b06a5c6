package core

import "datamesh-network/pkg/utils"

// Auth cert property names.
const (
	PropAuthRegion       = "authRegion"
	PropAuthJurisdiction = "authJurisdiction"
)

func authCertSchema(modelType []byte) Schema {
	return mergeSchemas(baseCertSchema(modelType), Schema{
		PropAuthRegion:       {Index: 24, Type: FieldString, MaxSize: 32},
		PropAuthJurisdiction: {Index: 25, Type: FieldString, MaxSize: 32},
	})
}

var authCertConstraints = append(append([]ConstraintBit(nil), baseCertConstraints...),
	ConstraintBit{Bit: 10, FieldIndex: 24},
	ConstraintBit{Bit: 11, FieldIndex: 25},
)

// VariantAuthCert authorises a connecting peer: it travels in the handshake
// props and binds the handshaked key, optionally scoped to a region and
// jurisdiction the peer client intersects into inbound queries.
var VariantAuthCert = registerVariant(&Variant{
	Name:        "authCert",
	Type:        TypeAuthCert,
	Schema:      authCertSchema(TypeAuthCert),
	Constraints: authCertConstraints,
	validate:    validateAuthCert,
})

func validateAuthCert(m *Model, deep bool, now int64) error {
	if err := validateBaseCert(m, deep, now); err != nil {
		return err
	}
	if len(m.TargetPublicKeys()) == 0 {
		return utils.Wrap(ErrValidation, "auth cert requires the handshaked key as target")
	}
	return nil
}
