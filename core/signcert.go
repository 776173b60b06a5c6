package core

import "datamesh-network/pkg/utils"

// Sign cert config flag (uint8).
const FlagCertIsIndestructible = "isIndestructible"

var signCertFlags = []FlagDef{
	{FlagCertIsIndestructible, PropCertConfig, 0},
}

var signCertConstraints = append(append([]ConstraintBit(nil), baseCertConstraints...),
	ConstraintBit{Bit: 24, IsFlag: true, Config: PropCertConfig, ConfigBit: 0},
)

// VariantSignCert delegates signing authority over a model whose locked
// fields and flags match the cert's constraints hash. Chains of sign certs
// extend delegation further from the owner, the countdown bounding the
// remaining depth.
var VariantSignCert = registerVariant(&Variant{
	Name:        "signCert",
	Type:        TypeSignCert,
	Schema:      baseCertSchema(TypeSignCert),
	Flags:       signCertFlags,
	Constraints: signCertConstraints,
	validate:    validateSignCert,
})

func validateSignCert(m *Model, deep bool, now int64) error {
	if err := validateBaseCert(m, deep, now); err != nil {
		return err
	}
	// A delegating cert has to name at least one key to delegate to; an
	// empty list is only meaningful on the implicit single-target form,
	// which never carries a threshold.
	if m.MultisigThreshold() > 0 && len(m.TargetPublicKeys()) == 0 {
		return utils.Wrap(ErrValidation, "multisig cert without target keys")
	}
	return nil
}

// NewSignCert builds an unsigned sign cert binding the given constraints
// for the target keys. The issuer must sign the result.
func NewSignCert(owner []byte, creationTime, expireTime int64, targetKeys [][]byte, lockedConfig uint64, constraints []byte) (*Model, error) {
	props := map[string]any{
		PropOwner:        owner,
		PropCreationTime: uint64(creationTime),
		PropExpireTime:   uint64(expireTime),
	}
	if lockedConfig != 0 {
		props[PropCertLockedConfig] = lockedConfig
	}
	if len(constraints) > 0 {
		props[PropCertConstraints] = constraints
	}
	cert := NewModel(VariantSignCert, props)
	if len(targetKeys) > 0 {
		if err := cert.SetTargetPublicKeys(targetKeys); err != nil {
			return nil, err
		}
	}
	if _, err := cert.Pack(); err != nil {
		return nil, err
	}
	return cert, nil
}
