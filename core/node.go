package core

import (
	"bytes"

	"datamesh-network/pkg/utils"
)

// Node-level property names.
const (
	PropEmbedded           = "embedded"
	PropParentID           = "parentId"
	PropConfig             = "config"
	PropRefID              = "refId"
	PropLicenseMinDistance = "licenseMinDistance"
	PropLicenseMaxDistance = "licenseMaxDistance"
	PropRegion             = "region"
	PropJurisdiction       = "jurisdiction"
	PropDifficulty         = "difficulty"
	PropCopiedParentID     = "copiedParentId"
	PropCopiedCreationTime = "copiedCreationTime"
	PropCopiedSignatures   = "copiedSignatures"
	PropID2                = "id2"
	PropTransientConfig    = "transientConfig"
)

// Base node config flags (uint16 at the shared config field).
const (
	FlagIsLeaf                  = "isLeaf"
	FlagIsPublic                = "isPublic"
	FlagIsLicensed              = "isLicensed"
	FlagAllowEmbed              = "allowEmbed"
	FlagAllowEmbedMove          = "allowEmbedMove"
	FlagIsUnique                = "isUnique"
	FlagBeginRestrictiveWriter  = "beginRestrictiveWriter"
	FlagEndRestrictiveWriter    = "endRestrictiveWriter"
	FlagIsIndestructible        = "isIndestructible"
	FlagHasRightsByAssociation  = "hasRightsByAssociation"
	FlagDisallowParentLicensing = "disallowParentLicensing"
	FlagOnlyOwnChildren         = "onlyOwnChildren"
	FlagDisallowPublicChildren  = "disallowPublicChildren"
	FlagBubbleTrigger           = "bubbleTrigger"

	// Transient config flag (uint8 at index 128).
	FlagIsInactive = "isInactive"
)

// MaxLicenseDistance caps license stack distances.
const MaxLicenseDistance = 4

// baseNodeSchema extends the shared model layout with the node field set.
func baseNodeSchema(modelType []byte) Schema {
	return mergeSchemas(baseModelSchema(modelType), Schema{
		PropEmbedded:           {Index: 9, Type: FieldSchema},
		PropParentID:           {Index: 16, Type: FieldBytes32},
		PropConfig:             {Index: 17, Type: FieldUInt16BE},
		PropRefID:              {Index: 18, Type: FieldBytes32},
		PropLicenseMinDistance: {Index: 19, Type: FieldUInt8},
		PropLicenseMaxDistance: {Index: 20, Type: FieldUInt8},
		PropRegion:             {Index: 21, Type: FieldString, MaxSize: 32},
		PropJurisdiction:       {Index: 22, Type: FieldString, MaxSize: 32},
		PropDifficulty:         {Index: 23, Type: FieldUInt8},
		PropCopiedParentID:     {Index: 24, Type: FieldBytes32},
		PropCopiedCreationTime: {Index: 25, Type: FieldUInt48BE},
		PropCopiedSignatures:   {Index: 26, Type: FieldBytes, MaxSize: 256},
		PropID2:                {Index: 122, Type: FieldBytes32},
		PropTransientConfig:    {Index: 128, Type: FieldUInt8},
	})
}

var baseNodeFlags = []FlagDef{
	{FlagIsLeaf, PropConfig, 0},
	{FlagIsPublic, PropConfig, 1},
	{FlagIsLicensed, PropConfig, 2},
	{FlagAllowEmbed, PropConfig, 3},
	{FlagAllowEmbedMove, PropConfig, 4},
	{FlagIsUnique, PropConfig, 5},
	{FlagBeginRestrictiveWriter, PropConfig, 6},
	{FlagEndRestrictiveWriter, PropConfig, 7},
	{FlagIsIndestructible, PropConfig, 8},
	{FlagHasRightsByAssociation, PropConfig, 9},
	{FlagDisallowParentLicensing, PropConfig, 10},
	{FlagOnlyOwnChildren, PropConfig, 11},
	{FlagDisallowPublicChildren, PropConfig, 12},
	{FlagBubbleTrigger, PropConfig, 13},
}

var baseNodeTransientFlags = []FlagDef{
	{FlagIsInactive, PropTransientConfig, 0},
}

// baseNodeConstraints maps lockedConfig bits for node-signing certs: the
// low bits select fields, bits 24+ select the base config flags.
var baseNodeConstraints = []ConstraintBit{
	{Bit: 0, FieldIndex: 0},
	{Bit: 1, FieldIndex: 1},
	{Bit: 2, FieldIndex: 2},
	{Bit: 3, FieldIndex: 3},
	{Bit: 4, FieldIndex: 16},
	{Bit: 5, FieldIndex: 18},
	{Bit: 6, FieldIndex: 19},
	{Bit: 7, FieldIndex: 20},
	{Bit: 8, FieldIndex: 21},
	{Bit: 9, FieldIndex: 22},
	{Bit: 10, FieldIndex: 23},

	{Bit: 24, IsFlag: true, Config: PropConfig, ConfigBit: 0},
	{Bit: 25, IsFlag: true, Config: PropConfig, ConfigBit: 1},
	{Bit: 26, IsFlag: true, Config: PropConfig, ConfigBit: 2},
	{Bit: 27, IsFlag: true, Config: PropConfig, ConfigBit: 3},
	{Bit: 28, IsFlag: true, Config: PropConfig, ConfigBit: 4},
	{Bit: 29, IsFlag: true, Config: PropConfig, ConfigBit: 5},
	{Bit: 30, IsFlag: true, Config: PropConfig, ConfigBit: 6},
	{Bit: 31, IsFlag: true, Config: PropConfig, ConfigBit: 7},
	{Bit: 32, IsFlag: true, Config: PropConfig, ConfigBit: 8},
	{Bit: 33, IsFlag: true, Config: PropConfig, ConfigBit: 9},
	{Bit: 34, IsFlag: true, Config: PropConfig, ConfigBit: 10},
	{Bit: 35, IsFlag: true, Config: PropConfig, ConfigBit: 11},
	{Bit: 36, IsFlag: true, Config: PropConfig, ConfigBit: 12},
	{Bit: 37, IsFlag: true, Config: PropConfig, ConfigBit: 13},
}

// VariantNode is the abstract base node level; concrete nodes extend it.
var VariantNode = registerVariant(&Variant{
	Name:           "node",
	Type:           TypeNode,
	Schema:         baseNodeSchema(TypeNode),
	Flags:          baseNodeFlags,
	TransientFlags: baseNodeTransientFlags,
	Constraints:    baseNodeConstraints,
	validate:       validateBaseNode,
})

// validateBaseNode enforces the node-level invariants shared by every node
// kind.
func validateBaseNode(m *Model, deep bool, now int64) error {
	flags := m.LoadFlags()

	if flags[FlagIsPublic] && flags[FlagIsLicensed] {
		return utils.Wrap(ErrValidation, "node cannot be both public and licensed")
	}

	if flags[FlagHasRightsByAssociation] {
		if flags[FlagIsPublic] || flags[FlagIsLicensed] {
			return utils.Wrap(ErrValidation, "rights by association requires a private node")
		}
		if len(m.bytesProp(PropRefID)) == 0 {
			return utils.Wrap(ErrValidation, "rights by association requires refId")
		}
		if flags[FlagAllowEmbed] {
			return utils.Wrap(ErrValidation, "rights by association excludes allowEmbed")
		}
	}

	_, minSet := m.props[PropLicenseMinDistance]
	_, maxSet := m.props[PropLicenseMaxDistance]
	if minSet != maxSet {
		return utils.Wrap(ErrValidation, "license distances must be set together")
	}
	if minSet {
		min := m.uintProp(PropLicenseMinDistance)
		max := m.uintProp(PropLicenseMaxDistance)
		if min > max || max > MaxLicenseDistance {
			return utils.Wrap(ErrValidation, "license distances out of range")
		}
	}

	if err := validateCopy(m); err != nil {
		return err
	}

	if deep {
		if err := validateEmbedded(m); err != nil {
			return err
		}
	}
	return nil
}

// validateCopy checks the copy bookkeeping of a copied node: a copy keeps
// the original's id1 as its id2, must land under a different parent, and
// may not claim a creation time before the original's.
func validateCopy(m *Model) error {
	copiedParent := m.bytesProp(PropCopiedParentID)
	_, copiedTimeSet := m.props[PropCopiedCreationTime]
	id2 := m.bytesProp(PropID2)
	if len(copiedParent) == 0 && !copiedTimeSet && len(id2) == 0 {
		return nil
	}
	if len(copiedParent) == 0 || !copiedTimeSet || len(id2) == 0 {
		return utils.Wrap(ErrValidation, "copy fields must be set together")
	}
	if bytes.Equal(copiedParent, m.bytesProp(PropParentID)) {
		return utils.Wrap(ErrValidation, "copy must have a different parent")
	}
	if int64(m.uintProp(PropCopiedCreationTime)) > m.CreationTime() {
		return utils.Wrap(ErrValidation, "not a valid copy")
	}
	return nil
}

// validateEmbedded loads the embedded sub-model and checks the embedding
// rules: the embedded node must allow embedding, and embedding a private
// node requires the same owner on both sides.
func validateEmbedded(m *Model) error {
	embedded, err := m.LoadSub(PropEmbedded)
	if err != nil {
		return err
	}
	if embedded == nil {
		return nil
	}
	if !embedded.IsSubtypeOf(TypeNode) {
		return utils.Wrap(ErrValidation, "embedded model is not a node")
	}
	eflags := embedded.LoadFlags()
	if !eflags[FlagAllowEmbed] {
		return utils.Wrap(ErrValidation, "embedded node does not allow embedding")
	}
	if !eflags[FlagIsPublic] && !eflags[FlagIsLicensed] {
		if !bytes.Equal(embedded.Owner(), m.Owner()) {
			return utils.Wrap(ErrValidation, "embedding a private node requires the same owner")
		}
	}
	return nil
}

// License hash shapes. A licensing hash binds a mode and shape byte plus
// the ref/parent/issuer tuple; the shape disambiguates which optional
// parties are bound.
const (
	licenseShapePlain        = 0
	licenseShapeIssuer       = 1
	licenseShapeTarget       = 2
	licenseShapeIssuerTarget = 3

	licenseModeRead  byte = 0
	licenseModeWrite byte = 1
)

func licenseHash(mode, shape byte, refID, parentID, rootIssuer, lastIssuer, target []byte) [HashLength]byte {
	chunks := [][]byte{{mode}, {shape}, refID, parentID, rootIssuer}
	if shape == licenseShapeIssuer || shape == licenseShapeIssuerTarget {
		chunks = append(chunks, lastIssuer)
	}
	if shape == licenseShapeTarget || shape == licenseShapeIssuerTarget {
		chunks = append(chunks, target)
	}
	return HashList(chunks)
}

// GetLicenseHashes emits the hash a licensed node expects a license stack
// to produce, bound to the probing parties: the mode, this node's effective
// id and parent, its owner as the root issuer, and — when given — the leaf
// issuer and the target key. A node is licensed to the probe iff this
// intersects the stack's GetLicensingHashes output.
func (m *Model) GetLicenseHashes(isWrite bool, lastIssuer, targetPublicKey []byte) ([][]byte, error) {
	if !m.IsSubtypeOf(TypeNode) {
		return nil, utils.Wrap(ErrValidation, "license hashes only exist on nodes")
	}
	id, err := m.ID()
	if err != nil {
		return nil, err
	}
	mode := licenseModeRead
	if isWrite {
		mode = licenseModeWrite
	}
	shape := byte(licenseShapePlain)
	if len(lastIssuer) > 0 {
		shape |= licenseShapeIssuer
	}
	if len(targetPublicKey) > 0 {
		shape |= licenseShapeTarget
	}
	digest := licenseHash(mode, shape, id, m.bytesProp(PropParentID), m.Owner(), lastIssuer, targetPublicKey)
	return [][]byte{digest[:]}, nil
}

// CanSendEmbedded reports whether the node may travel embedded inside
// another node toward recipientPublicKey.
func (m *Model) CanSendEmbedded(recipientPublicKey []byte) bool {
	flags := m.LoadFlags()
	if !flags[FlagAllowEmbed] {
		return false
	}
	if flags[FlagIsPublic] || flags[FlagIsLicensed] {
		return true
	}
	return bytes.Equal(m.Owner(), recipientPublicKey)
}

// CanSendPrivately reports whether a private node may leave for
// recipientPublicKey: public and licensed nodes always may, a private node
// only toward its owner or under rights by association.
func (m *Model) CanSendPrivately(recipientPublicKey []byte) bool {
	flags := m.LoadFlags()
	if flags[FlagIsPublic] || flags[FlagIsLicensed] {
		return true
	}
	if bytes.Equal(m.Owner(), recipientPublicKey) {
		return true
	}
	return flags[FlagHasRightsByAssociation]
}

// CanReceivePrivately reports whether recipientPublicKey may hold the node.
func (m *Model) CanReceivePrivately(recipientPublicKey []byte) bool {
	return m.CanSendPrivately(recipientPublicKey)
}

// UniqueHash digests the identity-bearing subset of a node flagged
// isUnique, letting the storage collaborator de-duplicate on it.
func (m *Model) UniqueHash() ([HashLength]byte, error) {
	packed, err := m.Packed()
	if err != nil {
		return [HashLength]byte{}, err
	}
	return HashSpecificFields(packed, []uint8{0, 1, 16, 18, 32, 33})
}
