package core

import (
	"bytes"
	"fmt"

	"datamesh-network/pkg/utils"
)

// Property names shared by every model.
const (
	PropModelType    = "modelType"
	PropOwner        = "owner"
	PropCreationTime = "creationTime"
	PropExpireTime   = "expireTime"
	PropSignCert     = "signCert"
	PropSignature1   = "signature1"
	PropSignature2   = "signature2"
	PropSignature3   = "signature3"
	PropWorkNonce    = "workNonce"
)

var signatureSlots = []string{PropSignature1, PropSignature2, PropSignature3}

// signatureSchema is the nested layout of each signature slot.
var signatureSchema = Schema{
	"index":     {Index: 0, Type: FieldUInt8, Required: true},
	"type":      {Index: 1, Type: FieldUInt8, Required: true},
	"signature": {Index: 2, Type: FieldBytes, Required: true, MaxSize: EthereumSignatureLength},
}

// baseModelSchema returns the field layout shared by every model, narrowed
// to the given static model-type prefix.
func baseModelSchema(modelType []byte) Schema {
	return Schema{
		PropModelType:    {Index: 0, Type: FieldBytes, Required: true, Static: modelType, StaticPrefix: true, MaxSize: 8},
		PropOwner:        {Index: 1, Type: FieldBytes, Required: true, MaxSize: EdwardsPublicKeyLength},
		PropCreationTime: {Index: 2, Type: FieldUInt48BE, Required: true},
		PropExpireTime:   {Index: 3, Type: FieldUInt48BE},
		PropSignCert:     {Index: 8, Type: FieldSchema},
		PropSignature1:   {Index: SignatureIndex1, Type: FieldSchema, Schema: signatureSchema},
		PropSignature2:   {Index: SignatureIndex2, Type: FieldSchema, Schema: signatureSchema},
		PropSignature3:   {Index: SignatureIndex3, Type: FieldSchema, Schema: signatureSchema},
		PropWorkNonce:    {Index: WorkNonceIndex, Type: FieldBytes8},
	}
}

// VariantModel is the abstract root of the hierarchy. Raw bytes of an
// unknown level-1 subtype still resolve here.
var VariantModel = registerVariant(&Variant{
	Name:   "model",
	Type:   TypeModel,
	Schema: baseModelSchema(TypeModel),
})

// SignatureObject is one decoded signature slot. Index selects the public
// key inside the sign cert's target list (0 without a cert); Type selects
// the crypto scheme.
type SignatureObject struct {
	Index     uint8
	Type      KeyType
	Signature []byte
}

// SignatureVerification pairs a signature with the message and public key it
// must verify against.
type SignatureVerification struct {
	Message   []byte
	Signature []byte
	PublicKey []byte
}

// Model is the generic carrier for any packed record. A model is built
// either from a property bag (mutable until packed and signed) or from raw
// packed bytes (immutable thereafter). Sub-models are held as raw packed
// bytes and materialised lazily.
type Model struct {
	variant *Variant
	props   map[string]any
	packed  []byte
	id1     []byte
	raw     bool
	subs    map[string]*Model
}

// NewModel starts a mutable model of the given variant from a property bag.
func NewModel(variant *Variant, props map[string]any) *Model {
	if props == nil {
		props = make(map[string]any)
	}
	if _, ok := props[PropModelType]; !ok {
		props[PropModelType] = variant.Type
	}
	return &Model{variant: variant, props: props, subs: make(map[string]*Model)}
}

// LoadModel parses raw packed bytes, resolving the variant from the model
// type tuple at field index 0. The result is frozen.
func LoadModel(packed []byte) (*Model, error) {
	it := NewFieldIterator(packed)
	typeField, err := it.Get(0)
	if err != nil {
		return nil, utils.Wrap(err, "model type field")
	}
	variant := VariantForType(typeField.Value)
	if variant == nil {
		return nil, utils.Wrap(ErrUnknownFieldType, fmt.Sprintf("unknown model type %x", typeField.Value))
	}
	props, err := Unpack(packed, variant.Schema, false, TransientIndexLast)
	if err != nil {
		return nil, err
	}
	m := &Model{
		variant: variant,
		props:   props,
		packed:  append([]byte(nil), packed...),
		raw:     true,
		subs:    make(map[string]*Model),
	}
	m.id1 = computeID1(m.packed)
	return m, nil
}

// Variant returns the model's resolved variant.
func (m *Model) Variant() *Variant { return m.variant }

// Props exposes the property bag.
func (m *Model) Props() map[string]any { return m.props }

// ModelType returns the packed type tuple.
func (m *Model) ModelType() []byte {
	if b := m.bytesProp(PropModelType); b != nil {
		return b
	}
	return m.variant.Type
}

// IsSubtypeOf reports whether the model sits at or below prefix.
func (m *Model) IsSubtypeOf(prefix []byte) bool { return IsSubtype(m.ModelType(), prefix) }

// Owner returns the owner public key.
func (m *Model) Owner() []byte { return m.bytesProp(PropOwner) }

// CreationTime returns the creation timestamp in milliseconds.
func (m *Model) CreationTime() int64 { return int64(m.uintProp(PropCreationTime)) }

// ExpireTime returns the expiry timestamp in milliseconds, 0 when unset.
func (m *Model) ExpireTime() int64 { return int64(m.uintProp(PropExpireTime)) }

// Set assigns a property on a mutable model.
func (m *Model) Set(name string, value any) error {
	if m.raw {
		return utils.Wrap(ErrValidation, "model is frozen")
	}
	m.props[name] = value
	m.packed = nil
	m.id1 = nil
	return nil
}

// Pack serialises the property bag, freezing field order and computing id1.
// Owned models may re-pack after mutation; raw-loaded models keep their
// original bytes.
func (m *Model) Pack() ([]byte, error) {
	if m.raw {
		return m.packed, nil
	}
	packed, err := Pack(m.variant.Schema, m.props, TransientIndexLast)
	if err != nil {
		return nil, err
	}
	m.packed = packed
	m.id1 = computeID1(packed)
	return packed, nil
}

// Packed returns the packed bytes, packing on demand for owned models.
func (m *Model) Packed() ([]byte, error) {
	if m.packed != nil {
		return m.packed, nil
	}
	return m.Pack()
}

// computeID1 hashes the packed form up to and including the last signature
// field. The work-proof nonce (index 127) and transient fields never
// contribute to identity.
func computeID1(packed []byte) []byte {
	end := 0
	it := NewFieldIterator(packed)
	off := 0
	for {
		field, err := it.Next()
		if err != nil || field == nil {
			break
		}
		off += len(field.Raw)
		if field.Index <= SignatureIndex3 {
			end = off
		}
	}
	digest := HashList([][]byte{packed[:end]})
	return digest[:]
}

// ID1 is the content hash of the packed model including its signatures.
func (m *Model) ID1() ([]byte, error) {
	if m.id1 == nil {
		if _, err := m.Pack(); err != nil {
			return nil, err
		}
	}
	return m.id1, nil
}

// ID returns the effective id: id2 when set (copies), id1 otherwise.
func (m *Model) ID() ([]byte, error) {
	if id2 := m.bytesProp(PropID2); len(id2) > 0 {
		return id2, nil
	}
	return m.ID1()
}

// Hash digests the packed fields in [0, toIndex].
func (m *Model) Hash(toIndex uint8) ([HashLength]byte, error) {
	packed, err := m.Packed()
	if err != nil {
		return [HashLength]byte{}, err
	}
	return HashFields(packed, 0, toIndex)
}

// HashToSign is the digest covered by every signature: all fields below the
// first signature slot.
func (m *Model) HashToSign() ([HashLength]byte, error) {
	return m.Hash(SignatureIndex1 - 1)
}

// HashTransient digests the hashed transient range 128..159 only.
func (m *Model) HashTransient() ([HashLength]byte, error) {
	packed, err := m.Packed()
	if err != nil {
		return [HashLength]byte{}, err
	}
	return HashFields(packed, TransientIndexFirst, TransientHashedLast)
}

// Signatures decodes the populated signature slots in order.
func (m *Model) Signatures() ([]SignatureObject, error) {
	var out []SignatureObject
	for _, slot := range signatureSlots {
		value, ok := m.props[slot]
		if !ok || value == nil {
			continue
		}
		obj, err := decodeSignatureObject(value)
		if err != nil {
			return nil, utils.Wrap(err, slot)
		}
		out = append(out, obj)
	}
	return out, nil
}

func decodeSignatureObject(value any) (SignatureObject, error) {
	var props map[string]any
	switch v := value.(type) {
	case map[string]any:
		props = v
	case []byte:
		var err error
		props, err = Unpack(v, signatureSchema, false, MaxSignedIndex)
		if err != nil {
			return SignatureObject{}, err
		}
	default:
		return SignatureObject{}, ErrTypeMismatch
	}
	index, _ := props["index"].(uint64)
	keyType, _ := props["type"].(uint64)
	sig, _ := props["signature"].([]byte)
	return SignatureObject{Index: uint8(index), Type: KeyType(keyType), Signature: sig}, nil
}

// Sign computes the hash-to-sign and places a signature in the lowest empty
// slot. The signing key must be the owner, or listed in the sign cert's
// target keys.
func (m *Model) Sign(keyPair *KeyPair) error {
	hash, err := m.HashToSign()
	if err != nil {
		return err
	}
	if _, err := m.signerIndex(keyPair.PublicKey); err != nil {
		return err
	}
	sig, err := Sign(hash[:], keyPair)
	if err != nil {
		return err
	}
	return m.AddSignature(sig, keyPair.PublicKey, keyPair.Type)
}

// AddSignature appends a signature produced elsewhere, without the secret
// key present.
func (m *Model) AddSignature(signature, publicKey []byte, keyType KeyType) error {
	if m.raw {
		return utils.Wrap(ErrValidation, "model is frozen")
	}
	index, err := m.signerIndex(publicKey)
	if err != nil {
		return err
	}
	for _, slot := range signatureSlots {
		if value, ok := m.props[slot]; ok && value != nil {
			continue
		}
		m.props[slot] = map[string]any{
			"index":     uint64(index),
			"type":      uint64(keyType),
			"signature": signature,
		}
		m.packed = nil
		m.id1 = nil
		_, err := m.Pack()
		return err
	}
	return ErrNoSignatureSlot
}

// signerIndex resolves which public key slot a signer occupies: the position
// in the sign cert's target keys, or 0 for the owner when no cert is
// attached.
func (m *Model) signerIndex(publicKey []byte) (int, error) {
	cert, err := m.LoadSub(PropSignCert)
	if err != nil {
		return 0, err
	}
	if cert != nil {
		targets := cert.TargetPublicKeys()
		for i, target := range targets {
			if bytes.Equal(target, publicKey) {
				return i, nil
			}
		}
		if len(targets) > 0 {
			return 0, utils.Wrap(ErrPermissionDenied, "public key not in cert targets")
		}
	}
	if !bytes.Equal(m.Owner(), publicKey) {
		return 0, utils.Wrap(ErrPermissionDenied, "public key is not the owner")
	}
	return 0, nil
}

// LoadSub materialises the sub-model stored at a nested field. The
// transition from raw bytes to a loaded model happens once; repeated calls
// return the cached instance. Returns nil when the field is unset.
func (m *Model) LoadSub(name string) (*Model, error) {
	if sub, ok := m.subs[name]; ok {
		return sub, nil
	}
	value, ok := m.props[name]
	if !ok || value == nil {
		return nil, nil
	}
	raw, ok := value.([]byte)
	if !ok {
		return nil, utils.Wrap(ErrTypeMismatch, name)
	}
	sub, err := LoadModel(raw)
	if err != nil {
		return nil, utils.Wrap(err, name)
	}
	m.subs[name] = sub
	return sub, nil
}

// SetSub embeds another model as a packed sub-field.
func (m *Model) SetSub(name string, sub *Model) error {
	packed, err := sub.Packed()
	if err != nil {
		return err
	}
	if err := m.Set(name, packed); err != nil {
		return err
	}
	m.subs[name] = sub
	return nil
}

// subModelNames lists the schema fields holding auto-verified sub-models
// (indices 8..15).
func (m *Model) subModelNames() []string {
	var names []string
	for name, spec := range m.variant.Schema {
		if spec.Type == FieldSchema && spec.Index >= SubModelIndexFirst && spec.Index <= SubModelIndexLast {
			names = append(names, name)
		}
	}
	return names
}

// ExtractSignatures gathers every signature of this model and, recursively,
// of every embedded sub-model reachable at indices 8..15, each paired with
// the message and public key it must verify against.
func (m *Model) ExtractSignatures() ([]SignatureVerification, error) {
	var out []SignatureVerification
	if err := m.extractSignaturesInto(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Model) extractSignaturesInto(out *[]SignatureVerification) error {
	own, err := m.ownSignatureVerifications()
	if err != nil {
		return err
	}
	*out = append(*out, own...)
	for _, name := range m.subModelNames() {
		sub, err := m.LoadSub(name)
		if err != nil {
			return err
		}
		if sub == nil {
			continue
		}
		if err := sub.extractSignaturesInto(out); err != nil {
			return utils.Wrap(err, name)
		}
	}
	return nil
}

// ownSignatureVerifications resolves this model's signature slots against
// the cert targets or the owner key.
func (m *Model) ownSignatureVerifications() ([]SignatureVerification, error) {
	sigs, err := m.Signatures()
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}
	hash, err := m.HashToSign()
	if err != nil {
		return nil, err
	}
	cert, err := m.LoadSub(PropSignCert)
	if err != nil {
		return nil, err
	}
	var targets [][]byte
	if cert != nil {
		targets = cert.TargetPublicKeys()
	}
	out := make([]SignatureVerification, 0, len(sigs))
	for _, sig := range sigs {
		publicKey := m.Owner()
		if len(targets) > 0 {
			if int(sig.Index) >= len(targets) {
				return nil, utils.Wrap(ErrValidation, "signature index beyond cert targets")
			}
			publicKey = targets[sig.Index]
		}
		out = append(out, SignatureVerification{
			Message:   hash[:],
			Signature: sig.Signature,
			PublicKey: publicKey,
		})
	}
	return out, nil
}

// Verify checks every signature of the model and of every embedded
// sub-model. Unless allowUnsigned, the top model must carry at least the
// sign cert's multisig threshold of signatures (one without a cert); each
// embedded model always has to meet its own threshold.
func (m *Model) Verify(allowUnsigned bool) (bool, error) {
	return m.verifyInternal(true, allowUnsigned)
}

func (m *Model) verifyInternal(top, allowUnsigned bool) (bool, error) {
	sigs, err := m.Signatures()
	if err != nil {
		return false, err
	}
	threshold := 1
	cert, err := m.LoadSub(PropSignCert)
	if err != nil {
		return false, err
	}
	if cert != nil {
		if t := cert.MultisigThreshold(); t > 0 {
			threshold = int(t)
		}
	}
	if len(sigs) < threshold && !(top && allowUnsigned) {
		return false, nil
	}
	own, err := m.ownSignatureVerifications()
	if err != nil {
		return false, err
	}
	for _, sv := range own {
		ok, err := Verify(sv.Message, sv.Signature, sv.PublicKey)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, name := range m.subModelNames() {
		sub, err := m.LoadSub(name)
		if err != nil {
			return false, err
		}
		if sub == nil {
			continue
		}
		ok, err := sub.verifyInternal(false, false)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// LoadFlags maps the packed config bit-fields into named booleans, covering
// both persistent and transient flag tables of the variant.
func (m *Model) LoadFlags() map[string]bool {
	flags := make(map[string]bool)
	for _, def := range m.variant.Flags {
		flags[def.Name] = m.uintProp(def.Config)>>def.Bit&1 == 1
	}
	for _, def := range m.variant.TransientFlags {
		flags[def.Name] = m.uintProp(def.Config)>>def.Bit&1 == 1
	}
	return flags
}

// StoreFlags writes named booleans back into the config bit-fields. Unnamed
// flags keep their current bits.
func (m *Model) StoreFlags(flags map[string]bool) error {
	apply := func(defs []FlagDef) error {
		for _, def := range defs {
			value, ok := flags[def.Name]
			if !ok {
				continue
			}
			current := m.uintProp(def.Config)
			if value {
				current |= 1 << def.Bit
			} else {
				current &^= 1 << def.Bit
			}
			if err := m.Set(def.Config, current); err != nil {
				return err
			}
		}
		return nil
	}
	if err := apply(m.variant.Flags); err != nil {
		return err
	}
	return apply(m.variant.TransientFlags)
}

// Flag reads a single named flag.
func (m *Model) Flag(name string) bool { return m.LoadFlags()[name] }

// Validate checks the shared invariants, then the variant-specific ones.
// With deep set, embedded sub-models are validated and verified too, and the
// sign cert chain's constraints and countdowns are enforced. now is the
// caller's clock in milliseconds; pass 0 to skip freshness checks.
func (m *Model) Validate(deep bool, now int64) error {
	packed, err := m.Packed()
	if err != nil {
		return err
	}
	// Re-parse: structural invariants, static prefixes, required fields.
	if _, err := Unpack(packed, m.variant.Schema, false, TransientIndexLast); err != nil {
		return err
	}
	if _, err := DetectKeyType(m.Owner()); err != nil {
		return utils.Wrap(ErrValidation, "owner key length")
	}
	creation := m.CreationTime()
	expire := m.ExpireTime()
	if creation <= 0 {
		return utils.Wrap(ErrValidation, "creationTime missing")
	}
	if expire != 0 && expire <= creation {
		return utils.Wrap(ErrValidation, "expireTime before creationTime")
	}
	if now > 0 {
		if creation > now {
			return utils.Wrap(ErrValidation, "creationTime in the future")
		}
		if expire != 0 && expire < now {
			return utils.Wrap(ErrValidation, "model expired")
		}
	}
	if difficulty := m.uintProp(PropDifficulty); difficulty > 0 {
		ok, err := m.VerifyWork()
		if err != nil {
			return err
		}
		if !ok {
			return utils.Wrap(ErrValidation, "work proof does not meet difficulty")
		}
	}
	if deep {
		if err := m.validateSignCertChain(now); err != nil {
			return err
		}
		for _, name := range m.subModelNames() {
			if name == PropSignCert {
				continue
			}
			sub, err := m.LoadSub(name)
			if err != nil {
				return err
			}
			if sub == nil {
				continue
			}
			if err := sub.Validate(true, now); err != nil {
				return utils.Wrap(err, name)
			}
			ok, err := sub.Verify(false)
			if err != nil {
				return utils.Wrap(err, name)
			}
			if !ok {
				return utils.Wrap(ErrValidation, name+" signature")
			}
		}
	}
	if m.variant.validate != nil {
		if err := m.variant.validate(m, deep, now); err != nil {
			return err
		}
	}
	return nil
}

// validateSignCertChain walks the attached cert chain: every cert is itself
// validated, its constraints must bind the model it signs, and the countdown
// strictly decreases toward the leaf, which must be 0 on the cert attached
// to this model.
func (m *Model) validateSignCertChain(now int64) error {
	cert, err := m.LoadSub(PropSignCert)
	if err != nil {
		return err
	}
	if cert == nil {
		return nil
	}
	if cert.Countdown() != 0 {
		return utils.Wrap(ErrValidation, "leaf cert countdown must be 0")
	}
	signed := m
	current := cert
	for current != nil {
		if !current.IsSubtypeOf(TypeCert) {
			return utils.Wrap(ErrValidation, "signCert is not a cert")
		}
		if err := current.Validate(false, now); err != nil {
			return utils.Wrap(err, "signCert")
		}
		if targetType := current.bytesProp(PropCertTargetType); len(targetType) > 0 {
			if !signed.IsSubtypeOf(targetType) {
				return utils.Wrap(ErrValidation, "cert target type mismatch")
			}
		}
		constraints := current.bytesProp(PropCertConstraints)
		if len(constraints) > 0 {
			expected, err := signed.HashConstraints(current.uintProp(PropCertLockedConfig))
			if err != nil {
				return err
			}
			if !bytes.Equal(constraints, expected[:]) {
				return utils.Wrap(ErrValidation, "cert constraints do not bind signed model")
			}
		}
		parent, err := current.LoadSub(PropSignCert)
		if err != nil {
			return err
		}
		if parent != nil && parent.Countdown() <= current.Countdown() {
			return utils.Wrap(ErrValidation, "cert chain countdown must strictly decrease toward the leaf")
		}
		signed = current
		current = parent
	}
	return nil
}

// Typed property readers. Missing properties read as zero values.

func (m *Model) bytesProp(name string) []byte {
	if b, ok := m.props[name].([]byte); ok {
		return b
	}
	return nil
}

func (m *Model) stringProp(name string) string {
	if s, ok := m.props[name].(string); ok {
		return s
	}
	return ""
}

func (m *Model) uintProp(name string) uint64 {
	v, _ := toUint64(m.props[name])
	return v
}
