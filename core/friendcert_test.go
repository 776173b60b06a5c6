package core

import (
	"bytes"
	"testing"
)

// testFriendCertPair builds the two unsigned halves of a friend pairing.
func testFriendCertPair(t *testing.T, a, b *KeyPair, mutate func(propsA, propsB map[string]any)) (*Model, *Model) {
	t.Helper()
	shared := map[string]any{
		PropCreationTime:     uint64(testCreationTime),
		PropExpireTime:       uint64(testCreationTime + 3600_000),
		PropLicenseMaxExpire: uint64(testCreationTime + 7200_000),
		PropFriendCertLevel:  uint64(2),
	}
	propsA := map[string]any{PropOwner: a.PublicKey, PropFriendSalt: []byte("saltaaaa")}
	propsB := map[string]any{PropOwner: b.PublicKey, PropFriendSalt: []byte("saltbbbb")}
	for name, value := range shared {
		propsA[name] = value
		propsB[name] = value
	}
	if mutate != nil {
		mutate(propsA, propsB)
	}
	certA := NewModel(VariantFriendCert, propsA)
	certB := NewModel(VariantFriendCert, propsB)
	if _, err := certA.Pack(); err != nil {
		t.Fatalf("pack A failed: %v", err)
	}
	if _, err := certB.Pack(); err != nil {
		t.Fatalf("pack B failed: %v", err)
	}
	return certA, certB
}

func TestFriendConstraintsSymmetric(t *testing.T) {
	a := testKeyPair(t)
	b := testKeyPair(t)
	certA, certB := testFriendCertPair(t, a, b, nil)

	hashAB, err := certA.HashFriendConstraints(certB, nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hashBA, err := certB.HashFriendConstraints(certA, nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashAB != hashBA {
		t.Fatalf("the pair hash must be symmetric")
	}
}

func TestValidateFriendCertPair(t *testing.T) {
	a := testKeyPair(t)
	b := testKeyPair(t)
	certA, certB := testFriendCertPair(t, a, b, nil)

	pairHash, err := certA.HashFriendConstraints(certB, nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	for _, cert := range []*Model{certA, certB} {
		if err := cert.Set(PropCertConstraints, pairHash[:]); err != nil {
			t.Fatalf("set constraints failed: %v", err)
		}
		if _, err := cert.Pack(); err != nil {
			t.Fatalf("pack failed: %v", err)
		}
	}
	if err := ValidateFriendCertPair(certA, certB, nil); err != nil {
		t.Fatalf("pair validation failed: %v", err)
	}

	// Mismatched level tuple fails.
	badA, badB := testFriendCertPair(t, a, b, func(propsA, propsB map[string]any) {
		propsB[PropFriendCertLevel] = uint64(3)
	})
	if err := ValidateFriendCertPair(badA, badB, nil); err == nil {
		t.Fatalf("mismatched friend level must fail")
	}

	// Identical salts fail.
	sameA, sameB := testFriendCertPair(t, a, b, func(propsA, propsB map[string]any) {
		propsB[PropFriendSalt] = propsA[PropFriendSalt]
	})
	if err := ValidateFriendCertPair(sameA, sameB, nil); err == nil {
		t.Fatalf("identical salts must fail")
	}
}

func TestFriendConstraintsExtenderBinding(t *testing.T) {
	a := testKeyPair(t)
	b := testKeyPair(t)
	extender := testKeyPair(t)

	certA, certB := testFriendCertPair(t, a, b, nil)
	plain, err := certA.HashFriendConstraints(certB, extender.PublicKey)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	// With the flag set, the extender key participates.
	flaggedA, flaggedB := testFriendCertPair(t, a, b, nil)
	for _, cert := range []*Model{flaggedA, flaggedB} {
		if err := cert.StoreFlags(map[string]bool{FlagHashExtenderPublicKey: true}); err != nil {
			t.Fatalf("store flags failed: %v", err)
		}
		if _, err := cert.Pack(); err != nil {
			t.Fatalf("pack failed: %v", err)
		}
	}
	bound, err := flaggedA.HashFriendConstraints(flaggedB, extender.PublicKey)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if bytes.Equal(plain[:], bound[:]) {
		t.Fatalf("extender binding must change the pair hash")
	}

	other := testKeyPair(t)
	rebound, err := flaggedA.HashFriendConstraints(flaggedB, other.PublicKey)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if bound == rebound {
		t.Fatalf("a different extender must change the pair hash")
	}
}
