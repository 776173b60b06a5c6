package core

import (
	"bytes"
	"testing"
)

const testCreationTime = int64(1700000000000)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	keyPair, err := GenKeyPair(KeyTypeEdwards)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	return keyPair
}

// testDataNode builds an unsigned public data node owned by keyPair.
func testDataNode(t *testing.T, keyPair *KeyPair, mutate func(props map[string]any)) *Model {
	t.Helper()
	props := map[string]any{
		PropOwner:        keyPair.PublicKey,
		PropCreationTime: uint64(testCreationTime),
		PropParentID:     bytes.Repeat([]byte{0x11}, 32),
		PropData:         []byte("payload"),
	}
	if mutate != nil {
		mutate(props)
	}
	node := NewModel(VariantDataNode, props)
	if err := node.StoreFlags(map[string]bool{FlagIsPublic: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	return node
}

func TestModelID1Deterministic(t *testing.T) {
	keyPair := testKeyPair(t)
	a := testDataNode(t, keyPair, nil)
	b := testDataNode(t, keyPair, nil)
	id1a, err := a.ID1()
	if err != nil {
		t.Fatalf("id1 failed: %v", err)
	}
	id1b, err := b.ID1()
	if err != nil {
		t.Fatalf("id1 failed: %v", err)
	}
	if !bytes.Equal(id1a, id1b) {
		t.Fatalf("identical bags must produce identical id1")
	}
	c := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropData] = []byte("other")
	})
	id1c, _ := c.ID1()
	if bytes.Equal(id1a, id1c) {
		t.Fatalf("different content must change id1")
	}
}

func TestModelSignVerify(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	if err := node.Sign(keyPair); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	ok, err := node.Verify(false)
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}

	// Reloading from packed bytes preserves the verdict.
	packed, err := node.Packed()
	if err != nil {
		t.Fatalf("packed failed: %v", err)
	}
	loaded, err := LoadModel(packed)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	ok, err = loaded.Verify(false)
	if err != nil || !ok {
		t.Fatalf("loaded verify failed: ok=%v err=%v", ok, err)
	}

	// Flipping a byte inside the signed region falsifies the signature.
	tampered := append([]byte(nil), packed...)
	tampered[len(tampered)/4] ^= 0x01
	if m, err := LoadModel(tampered); err == nil {
		ok, err := m.Verify(false)
		if err == nil && ok {
			t.Fatalf("tampered model must not verify")
		}
	}
}

func TestModelUnsignedVerify(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	ok, err := node.Verify(false)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatalf("unsigned model must fail strict verify")
	}
	ok, err = node.Verify(true)
	if err != nil || !ok {
		t.Fatalf("allowUnsigned must pass: ok=%v err=%v", ok, err)
	}
}

func TestSignaturePlacement(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	if err := node.Sign(keyPair); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sigs, err := node.Signatures()
	if err != nil {
		t.Fatalf("signatures failed: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Index != 0 || sigs[0].Type != KeyTypeEdwards {
		t.Fatalf("unexpected signature slot %+v", sigs)
	}

	stranger := testKeyPair(t)
	if err := node.Sign(stranger); err == nil {
		t.Fatalf("non-owner signing without cert must fail")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	if err := node.StoreFlags(map[string]bool{
		FlagIsLeaf:     true,
		FlagAllowEmbed: true,
		FlagIsDestroy:  true,
		FlagIsInactive: true,
	}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	loadedPacked, _ := node.Packed()
	loaded, err := LoadModel(loadedPacked)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	flags := loaded.LoadFlags()
	for _, name := range []string{FlagIsLeaf, FlagAllowEmbed, FlagIsDestroy, FlagIsInactive, FlagIsPublic} {
		if !flags[name] {
			t.Fatalf("flag %s lost", name)
		}
	}
	if flags[FlagIsLicensed] {
		t.Fatalf("unset flag appeared")
	}
}

func TestTransientHashExcludedFromID(t *testing.T) {
	keyPair := testKeyPair(t)
	a := testDataNode(t, keyPair, nil)
	b := testDataNode(t, keyPair, nil)
	if err := b.StoreFlags(map[string]bool{FlagIsInactive: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := b.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	id1a, _ := a.ID1()
	id1b, _ := b.ID1()
	if !bytes.Equal(id1a, id1b) {
		t.Fatalf("transient config must not affect id1")
	}
	ha, _ := a.HashTransient()
	hb, _ := b.HashTransient()
	if ha == hb {
		t.Fatalf("transient config must affect the transient hash")
	}
}

func TestValidateRejectsPublicLicensed(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	if err := node.StoreFlags(map[string]bool{FlagIsPublic: true, FlagIsLicensed: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := node.Validate(false, 0); err == nil {
		t.Fatalf("public+licensed must fail validation")
	}
}

func TestValidateTimes(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropExpireTime] = uint64(testCreationTime - 1)
	})
	if err := node.Validate(false, 0); err == nil {
		t.Fatalf("expire before creation must fail")
	}

	fresh := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropExpireTime] = uint64(testCreationTime + 1000)
	})
	if err := fresh.Validate(false, testCreationTime+500); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if err := fresh.Validate(false, testCreationTime+2000); err == nil {
		t.Fatalf("expired model must fail freshness check")
	}
	if err := fresh.Validate(false, testCreationTime-500); err == nil {
		t.Fatalf("future creation must fail freshness check")
	}
}

func TestValidateRightsByAssociation(t *testing.T) {
	keyPair := testKeyPair(t)
	node := NewModel(VariantDataNode, map[string]any{
		PropOwner:        keyPair.PublicKey,
		PropCreationTime: uint64(testCreationTime),
		PropParentID:     bytes.Repeat([]byte{0x11}, 32),
		PropData:         []byte("x"),
	})
	if err := node.StoreFlags(map[string]bool{FlagHasRightsByAssociation: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := node.Validate(false, 0); err == nil {
		t.Fatalf("rights by association without refId must fail")
	}
	if err := node.Set(PropRefID, bytes.Repeat([]byte{0x22}, 32)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := node.Validate(false, 0); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestIsSubtype(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, nil)
	if !node.IsSubtypeOf(TypeModel) || !node.IsSubtypeOf(TypeNode) ||
		!node.IsSubtypeOf(TypeDataNodeBase) || !node.IsSubtypeOf(TypeDataNode) {
		t.Fatalf("data node must be a subtype of its ancestors")
	}
	if node.IsSubtypeOf(TypeCert) || node.IsSubtypeOf(TypeLicenseNodeBase) {
		t.Fatalf("data node is not a cert or license")
	}
}

func TestCopyNode(t *testing.T) {
	keyPair := testKeyPair(t)
	original := testDataNode(t, keyPair, nil)
	if err := original.Sign(keyPair); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	originalID1, _ := original.ID1()

	newParent := bytes.Repeat([]byte{0x33}, 32)
	dup, err := CopyNode(original, newParent, testCreationTime+5)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if err := dup.Sign(keyPair); err != nil {
		t.Fatalf("sign copy failed: %v", err)
	}
	id, err := dup.ID()
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	if !bytes.Equal(id, originalID1) {
		t.Fatalf("copy must expose the original id1 as its effective id")
	}
	if err := dup.Validate(false, 0); err != nil {
		t.Fatalf("copy validation failed: %v", err)
	}

	// Copying onto the same parent is rejected.
	if _, err := CopyNode(original, original.Props()[PropParentID].([]byte), testCreationTime+5); err == nil {
		t.Fatalf("copy onto the same parent must fail")
	}
	// A copy cannot pre-date the original.
	if _, err := CopyNode(original, newParent, testCreationTime-1); err == nil {
		t.Fatalf("copy pre-dating the original must fail")
	}
}

func TestEmbeddedSignatureGathering(t *testing.T) {
	keyPair := testKeyPair(t)
	inner := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropData] = []byte("inner")
	})
	if err := inner.StoreFlags(map[string]bool{FlagAllowEmbed: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := inner.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := inner.Sign(keyPair); err != nil {
		t.Fatalf("sign inner failed: %v", err)
	}

	outer := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropData] = []byte("outer")
	})
	if err := outer.SetSub(PropEmbedded, inner); err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if err := outer.Sign(keyPair); err != nil {
		t.Fatalf("sign outer failed: %v", err)
	}

	sigs, err := outer.ExtractSignatures()
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures across the embedding, got %d", len(sigs))
	}
	ok, err := outer.Verify(false)
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}
	if err := outer.Validate(true, 0); err != nil {
		t.Fatalf("deep validation failed: %v", err)
	}
}
