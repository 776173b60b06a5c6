package core

import (
	"bytes"
	"testing"
)

func TestEdwardsSignVerify(t *testing.T) {
	keyPair, err := GenKeyPair(KeyTypeEdwards)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	message := []byte{0x68, 0x65, 0x6c, 0x6c, 0x6f}

	length, err := SignatureLength(keyPair.PublicKey)
	if err != nil {
		t.Fatalf("signature length failed: %v", err)
	}
	if length != 64 {
		t.Fatalf("edwards signature length %d, want 64", length)
	}

	sig, err := Sign(message, keyPair)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature is %d bytes", len(sig))
	}
	ok, err := Verify(message, sig, keyPair.PublicKey)
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}

	flipped := append([]byte(nil), sig...)
	flipped[0] ^= 0x01
	ok, err = Verify(message, flipped, keyPair.PublicKey)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatalf("flipped signature must not verify")
	}
}

func TestEthereumSignVerify(t *testing.T) {
	keyPair, err := GenKeyPair(KeyTypeEthereum)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if len(keyPair.PublicKey) != EthereumAddressLength {
		t.Fatalf("address is %d bytes", len(keyPair.PublicKey))
	}
	message := []byte("signed message scheme")

	length, err := SignatureLength(keyPair.PublicKey)
	if err != nil {
		t.Fatalf("signature length failed: %v", err)
	}
	if length != 65 {
		t.Fatalf("ethereum signature length %d, want 65", length)
	}

	sig, err := Sign(message, keyPair)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature is %d bytes", len(sig))
	}
	ok, err := Verify(message, sig, keyPair.PublicKey)
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}

	// A different message recovers a different key.
	ok, err = Verify([]byte("other message"), sig, keyPair.PublicKey)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatalf("signature over wrong message must not verify")
	}

	// The 27/28 recovery offset form verifies too.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	ok, err = Verify(message, legacy, keyPair.PublicKey)
	if err != nil || !ok {
		t.Fatalf("legacy v offset rejected: ok=%v err=%v", ok, err)
	}
}

func TestDetectKeyType(t *testing.T) {
	if kt, err := DetectKeyType(make([]byte, 32)); err != nil || kt != KeyTypeEdwards {
		t.Fatalf("32-byte key: %v %v", kt, err)
	}
	if kt, err := DetectKeyType(make([]byte, 20)); err != nil || kt != KeyTypeEthereum {
		t.Fatalf("20-byte key: %v %v", kt, err)
	}
	if _, err := DetectKeyType(make([]byte, 33)); err == nil {
		t.Fatalf("33-byte key must be rejected")
	}
}

func TestKeyringDeterminism(t *testing.T) {
	const mnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"
	kr1, err := KeyringFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	kr2, err := KeyringFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	kp1, err := kr1.EdwardsKeyPair(0, 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	kp2, err := kr2.EdwardsKeyPair(0, 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(kp1.PublicKey, kp2.PublicKey) {
		t.Fatalf("derivation is not deterministic")
	}
	other, err := kr1.EdwardsKeyPair(0, 1)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(kp1.PublicKey, other.PublicKey) {
		t.Fatalf("distinct indices must derive distinct keys")
	}

	if _, err := KeyringFromMnemonic("not a valid mnemonic", ""); err == nil {
		t.Fatalf("invalid mnemonic must be rejected")
	}
}
