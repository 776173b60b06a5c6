package core

import (
	"bytes"
	"testing"
)

// testLicense builds an unsigned license issued by issuer over a node id
// toward target.
func testLicense(t *testing.T, issuer *KeyPair, refID, parentID, target []byte, mutate func(props map[string]any)) *Model {
	t.Helper()
	props := map[string]any{
		PropOwner:           issuer.PublicKey,
		PropCreationTime:    uint64(testCreationTime),
		PropParentID:        parentID,
		PropRefID:           refID,
		PropTargetPublicKey: target,
		PropExtensions:      uint64(2),
	}
	if mutate != nil {
		mutate(props)
	}
	license := NewModel(VariantLicenseNode, props)
	if err := license.StoreFlags(map[string]bool{FlagIsLeaf: true, FlagIsUnique: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := license.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	return license
}

func TestLicenseIntersection(t *testing.T) {
	issuer := testKeyPair(t)
	target := testKeyPair(t)

	node := testDataNode(t, issuer, func(props map[string]any) {
		delete(props, PropData)
		props[PropData] = []byte("licensed content")
	})
	if err := node.StoreFlags(map[string]bool{FlagIsPublic: false, FlagIsLicensed: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := node.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	nodeID, err := node.ID()
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	parentID := node.Props()[PropParentID].([]byte)

	license := testLicense(t, issuer, nodeID, parentID, target.PublicKey, nil)
	if err := license.Validate(false, 0); err != nil {
		t.Fatalf("license validation failed: %v", err)
	}

	licensing, err := license.GetLicensingHashes()
	if err != nil {
		t.Fatalf("licensing hashes failed: %v", err)
	}
	if len(licensing) != 4 {
		t.Fatalf("expected exactly 4 licensing hashes, got %d", len(licensing))
	}

	expected, err := node.GetLicenseHashes(false, issuer.PublicKey, target.PublicKey)
	if err != nil {
		t.Fatalf("license hashes failed: %v", err)
	}
	matches := 0
	for _, a := range licensing {
		for _, b := range expected {
			if bytes.Equal(a, b) {
				matches++
			}
		}
	}
	if matches != 1 {
		t.Fatalf("expected exactly one intersecting hash, got %d", matches)
	}

	// A different target empties the intersection.
	stranger := testKeyPair(t)
	wrong, err := node.GetLicenseHashes(false, issuer.PublicKey, stranger.PublicKey)
	if err != nil {
		t.Fatalf("license hashes failed: %v", err)
	}
	for _, a := range licensing {
		for _, b := range wrong {
			if bytes.Equal(a, b) {
				t.Fatalf("changed target must empty the intersection")
			}
		}
	}

	ok, err := LicensesNode(license, node, false, target.PublicKey)
	if err != nil || !ok {
		t.Fatalf("LicensesNode failed: ok=%v err=%v", ok, err)
	}
	ok, err = LicensesNode(license, node, false, stranger.PublicKey)
	if err != nil {
		t.Fatalf("LicensesNode errored: %v", err)
	}
	if ok {
		t.Fatalf("license must not reach a stranger")
	}
}

func TestLicenseJumpPeerHashes(t *testing.T) {
	issuer := testKeyPair(t)
	target := testKeyPair(t)
	jump := testKeyPair(t)
	refID := bytes.Repeat([]byte{0x01}, 32)
	parentID := bytes.Repeat([]byte{0x02}, 32)
	license := testLicense(t, issuer, refID, parentID, target.PublicKey, func(props map[string]any) {
		props[PropJumpPeerPublicKey] = jump.PublicKey
	})
	hashes, err := license.GetLicensingHashes()
	if err != nil {
		t.Fatalf("licensing hashes failed: %v", err)
	}
	if len(hashes) != 6 {
		t.Fatalf("expected 6 hashes with a jump peer, got %d", len(hashes))
	}
}

func TestLicenseValidation(t *testing.T) {
	issuer := testKeyPair(t)
	target := testKeyPair(t)
	refID := bytes.Repeat([]byte{0x01}, 32)
	parentID := bytes.Repeat([]byte{0x02}, 32)

	// A license that claims to be public is invalid.
	public := testLicense(t, issuer, refID, parentID, target.PublicKey, nil)
	if err := public.StoreFlags(map[string]bool{FlagIsPublic: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := public.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := public.Validate(false, 0); err == nil {
		t.Fatalf("public license must fail validation")
	}

	// Missing target key.
	missing := NewModel(VariantLicenseNode, map[string]any{
		PropOwner:        issuer.PublicKey,
		PropCreationTime: uint64(testCreationTime),
		PropParentID:     parentID,
		PropRefID:        refID,
	})
	if err := missing.StoreFlags(map[string]bool{FlagIsLeaf: true, FlagIsUnique: true}); err != nil {
		t.Fatalf("store flags failed: %v", err)
	}
	if _, err := missing.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := missing.Validate(false, 0); err == nil {
		t.Fatalf("license without target must fail validation")
	}
}

func TestExtendLicense(t *testing.T) {
	issuer := testKeyPair(t)
	middle := testKeyPair(t)
	leafTarget := testKeyPair(t)
	refID := bytes.Repeat([]byte{0x01}, 32)
	parentID := bytes.Repeat([]byte{0x02}, 32)

	root := testLicense(t, issuer, refID, parentID, middle.PublicKey, nil)
	if err := root.Sign(issuer); err != nil {
		t.Fatalf("sign root failed: %v", err)
	}

	ext, err := ExtendLicense(root, leafTarget.PublicKey, testCreationTime+10)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if !bytes.Equal(ext.Owner(), middle.PublicKey) {
		t.Fatalf("extension must be issued by the parent's target")
	}
	if ext.Props()[PropExtensions].(uint64) != 1 {
		t.Fatalf("extension must decrement extensions")
	}
	if err := ext.Sign(middle); err != nil {
		t.Fatalf("sign extension failed: %v", err)
	}
	if err := ext.Validate(true, 0); err != nil {
		t.Fatalf("extension validation failed: %v", err)
	}
	ok, err := ext.Verify(false)
	if err != nil || !ok {
		t.Fatalf("extension verify failed: ok=%v err=%v", ok, err)
	}

	// The stack's licensing hashes bind the ROOT issuer and the LEAF
	// issuer/target.
	hashes, err := ext.GetLicensingHashes()
	if err != nil {
		t.Fatalf("licensing hashes failed: %v", err)
	}
	if len(hashes) != 4 {
		t.Fatalf("expected 4 hashes, got %d", len(hashes))
	}

	// Exhausting extensions stops the chain.
	leaf, err := ExtendLicense(ext, testKeyPair(t).PublicKey, testCreationTime+20)
	if err != nil {
		t.Fatalf("second extension failed: %v", err)
	}
	if _, err := ExtendLicense(leaf, testKeyPair(t).PublicKey, testCreationTime+30); err == nil {
		t.Fatalf("extending past zero extensions must fail")
	}
}

func TestLicenseExtensionInvariants(t *testing.T) {
	issuer := testKeyPair(t)
	middle := testKeyPair(t)
	refID := bytes.Repeat([]byte{0x01}, 32)
	parentID := bytes.Repeat([]byte{0x02}, 32)
	root := testLicense(t, issuer, refID, parentID, middle.PublicKey, nil)

	// Pre-dating the parent license is rejected in deep validation.
	ext, err := ExtendLicense(root, testKeyPair(t).PublicKey, testCreationTime+10)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if err := ext.Set(PropCreationTime, uint64(testCreationTime-10)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := ext.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := ext.Validate(true, 0); err == nil {
		t.Fatalf("extension pre-dating its parent must fail deep validation")
	}

	// Retargeting the licensed node is rejected.
	moved, err := ExtendLicense(root, testKeyPair(t).PublicKey, testCreationTime+10)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if err := moved.Set(PropRefID, bytes.Repeat([]byte{0x09}, 32)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := moved.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := moved.Validate(true, 0); err == nil {
		t.Fatalf("extension over a different node must fail deep validation")
	}
}
