package core

import (
	"bytes"

	"datamesh-network/pkg/utils"
)

// License node property names.
const (
	PropLicenseConfig     = "licenseConfig"
	PropTargetPublicKey   = "targetPublicKey"
	PropExtensions        = "extensions"
	PropJumpPeerPublicKey = "jumpPeerPublicKey"
	PropFriendLevel       = "friendLevel"
	PropFriendCertA       = "friendCertA"
	PropFriendCertB       = "friendCertB"
)

// License node config flags (uint8).
const (
	FlagAllowTargetSendPrivately = "allowTargetSendPrivately"
	FlagDisallowRetroLicensing   = "disallowRetroLicensing"
	FlagRestrictiveModeWriter    = "restrictiveModeWriter"
	FlagRestrictiveModeManager   = "restrictiveModeManager"
)

func licenseNodeSchema(modelType []byte) Schema {
	return mergeSchemas(baseNodeSchema(modelType), Schema{
		PropFriendCertA:       {Index: 10, Type: FieldSchema},
		PropFriendCertB:       {Index: 11, Type: FieldSchema},
		PropLicenseConfig:     {Index: 32, Type: FieldUInt8},
		PropTargetPublicKey:   {Index: 33, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
		PropExtensions:        {Index: 34, Type: FieldUInt8},
		PropJumpPeerPublicKey: {Index: 35, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
		PropFriendLevel:       {Index: 36, Type: FieldUInt8},
	})
}

var licenseNodeFlags = append(append([]FlagDef(nil), baseNodeFlags...),
	FlagDef{FlagAllowTargetSendPrivately, PropLicenseConfig, 0},
	FlagDef{FlagDisallowRetroLicensing, PropLicenseConfig, 1},
	FlagDef{FlagRestrictiveModeWriter, PropLicenseConfig, 2},
	FlagDef{FlagRestrictiveModeManager, PropLicenseConfig, 3},
)

var licenseNodeConstraints = append(append([]ConstraintBit(nil), baseNodeConstraints...),
	ConstraintBit{Bit: 11, FieldIndex: 33},
	ConstraintBit{Bit: 12, FieldIndex: 34},
	ConstraintBit{Bit: 13, FieldIndex: 35},
	ConstraintBit{Bit: 14, FieldIndex: 36},
	ConstraintBit{Bit: 38, IsFlag: true, Config: PropLicenseConfig, ConfigBit: 0},
	ConstraintBit{Bit: 39, IsFlag: true, Config: PropLicenseConfig, ConfigBit: 1},
	ConstraintBit{Bit: 40, IsFlag: true, Config: PropLicenseConfig, ConfigBit: 2},
	ConstraintBit{Bit: 41, IsFlag: true, Config: PropLicenseConfig, ConfigBit: 3},
)

// VariantLicenseNode grants read or write access to a licensed node. A
// license is always a leaf, always private and always unique; extensions
// nest through the embedded field to form a stack from the root issuer to
// the terminal target.
var VariantLicenseNode = registerVariant(&Variant{
	Name:           "licenseNode",
	Type:           TypeLicenseNode,
	Schema:         licenseNodeSchema(TypeLicenseNode),
	Flags:          licenseNodeFlags,
	TransientFlags: baseNodeTransientFlags,
	Constraints:    licenseNodeConstraints,
	validate:       validateLicenseNode,
})

func validateLicenseNode(m *Model, deep bool, now int64) error {
	// License stacking has its own embedding rules; the generic embedded
	// check (allowEmbed, owner match) does not apply.
	if err := validateBaseNode(m, false, now); err != nil {
		return err
	}
	flags := m.LoadFlags()
	if !flags[FlagIsLeaf] {
		return utils.Wrap(ErrValidation, "license must be a leaf")
	}
	if !flags[FlagIsUnique] {
		return utils.Wrap(ErrValidation, "license must be unique")
	}
	if flags[FlagIsPublic] || flags[FlagIsLicensed] {
		return utils.Wrap(ErrValidation, "license must be private")
	}
	if len(m.bytesProp(PropRefID)) == 0 {
		return utils.Wrap(ErrValidation, "license requires refId")
	}
	target := m.bytesProp(PropTargetPublicKey)
	if len(target) == 0 {
		return utils.Wrap(ErrValidation, "license requires targetPublicKey")
	}
	if _, err := DetectKeyType(target); err != nil {
		return utils.Wrap(ErrValidation, "license target key length")
	}

	if deep {
		if err := validateLicenseExtension(m, now); err != nil {
			return err
		}
	}
	return nil
}

// validateLicenseExtension checks an extension against the license it
// embeds: the extension burns one of the remaining extension steps, may not
// pre-date its parent or outlive it, must stay on the same licensed node,
// must be issued by the embedded license's target, and must preserve the
// write-restrictive flags.
func validateLicenseExtension(m *Model, now int64) error {
	embedded, err := m.LoadSub(PropEmbedded)
	if err != nil {
		return err
	}
	if embedded == nil {
		return nil
	}
	if !embedded.IsSubtypeOf(TypeLicenseNodeBase) {
		return utils.Wrap(ErrValidation, "license may only embed a license")
	}
	if m.uintProp(PropExtensions) >= embedded.uintProp(PropExtensions) {
		return utils.Wrap(ErrValidation, "extension must decrement extensions")
	}
	if m.CreationTime() < embedded.CreationTime() {
		return utils.Wrap(ErrValidation, "extension cannot pre-date its parent license")
	}
	if m.ExpireTime() != 0 && embedded.ExpireTime() != 0 && m.ExpireTime() > embedded.ExpireTime() {
		return utils.Wrap(ErrValidation, "extension cannot outlive its parent license")
	}
	if !bytes.Equal(m.bytesProp(PropRefID), embedded.bytesProp(PropRefID)) {
		return utils.Wrap(ErrValidation, "extension must license the same node")
	}
	if !bytes.Equal(m.bytesProp(PropParentID), embedded.bytesProp(PropParentID)) {
		return utils.Wrap(ErrValidation, "extension must keep the parent id")
	}
	if !bytes.Equal(m.Owner(), embedded.bytesProp(PropTargetPublicKey)) {
		return utils.Wrap(ErrValidation, "extension must be issued by the embedded license's target")
	}
	flags := m.LoadFlags()
	eflags := embedded.LoadFlags()
	for _, name := range []string{FlagRestrictiveModeWriter, FlagRestrictiveModeManager, FlagDisallowRetroLicensing} {
		if eflags[name] && !flags[name] {
			return utils.Wrap(ErrValidation, "extension must preserve restrictive flags")
		}
	}
	return nil
}

// rootLicense walks the embedded chain to the innermost license.
func (m *Model) rootLicense() (*Model, error) {
	current := m
	for {
		embedded, err := current.LoadSub(PropEmbedded)
		if err != nil {
			return nil, err
		}
		if embedded == nil || !embedded.IsSubtypeOf(TypeLicenseNodeBase) {
			return current, nil
		}
		current = embedded
	}
}

// GetLicensingHashes emits every hash this license stack can satisfy: the
// root issuer bound with all four shape combinations of {leaf issuer,
// target}, plus the two target shapes again for the jump peer when one is
// set. The matching
// node computes a single hash of the same shape; licensing holds iff the
// sets intersect.
func (m *Model) GetLicensingHashes() ([][]byte, error) {
	if !m.IsSubtypeOf(TypeLicenseNodeBase) {
		return nil, utils.Wrap(ErrValidation, "licensing hashes only exist on licenses")
	}
	root, err := m.rootLicense()
	if err != nil {
		return nil, err
	}
	refID := root.bytesProp(PropRefID)
	parentID := root.bytesProp(PropParentID)
	rootIssuer := root.Owner()
	lastIssuer := m.Owner()
	target := m.bytesProp(PropTargetPublicKey)

	mode := licenseModeRead
	if m.Flag(FlagRestrictiveModeWriter) {
		mode = licenseModeWrite
	}

	hashes := make([][]byte, 0, 6)
	for _, shape := range []byte{licenseShapePlain, licenseShapeIssuer, licenseShapeTarget, licenseShapeIssuerTarget} {
		digest := licenseHash(mode, shape, refID, parentID, rootIssuer, lastIssuer, target)
		hashes = append(hashes, digest[:])
	}
	if jump := m.bytesProp(PropJumpPeerPublicKey); len(jump) > 0 {
		for _, shape := range []byte{licenseShapeTarget, licenseShapeIssuerTarget} {
			digest := licenseHash(mode, shape, refID, parentID, rootIssuer, lastIssuer, jump)
			hashes = append(hashes, digest[:])
		}
	}
	return hashes, nil
}

// LicensesNode reports whether the license stack reaches the node for the
// probing parties: the node's expected hash must appear among the stack's
// licensing hashes.
func LicensesNode(license, node *Model, isWrite bool, targetPublicKey []byte) (bool, error) {
	licensing, err := license.GetLicensingHashes()
	if err != nil {
		return false, err
	}
	expected, err := node.GetLicenseHashes(isWrite, license.Owner(), targetPublicKey)
	if err != nil {
		return false, err
	}
	for _, a := range licensing {
		for _, b := range expected {
			if bytes.Equal(a, b) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ExtendLicense derives an unsigned extension of license toward a new
// target. The parent license travels embedded; the extension is issued by
// the parent's target, who must sign the result.
func ExtendLicense(parent *Model, newTarget []byte, creationTime int64) (*Model, error) {
	if !parent.IsSubtypeOf(TypeLicenseNodeBase) {
		return nil, utils.Wrap(ErrValidation, "can only extend a license")
	}
	extensions := parent.uintProp(PropExtensions)
	if extensions == 0 {
		return nil, utils.Wrap(ErrValidation, "license has no extensions left")
	}
	packedParent, err := parent.Packed()
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		PropOwner:           parent.bytesProp(PropTargetPublicKey),
		PropCreationTime:    uint64(creationTime),
		PropParentID:        parent.bytesProp(PropParentID),
		PropRefID:           parent.bytesProp(PropRefID),
		PropTargetPublicKey: newTarget,
		PropExtensions:      extensions - 1,
		PropEmbedded:        packedParent,
		PropConfig:          parent.uintProp(PropConfig),
		PropLicenseConfig:   parent.uintProp(PropLicenseConfig),
	}
	if expire := parent.ExpireTime(); expire != 0 {
		props[PropExpireTime] = uint64(expire)
	}
	ext := NewModel(VariantLicenseNode, props)
	if _, err := ext.Pack(); err != nil {
		return nil, err
	}
	return ext, nil
}
