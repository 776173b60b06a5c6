package core

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func TestWorkThreshold(t *testing.T) {
	cases := []struct {
		bits uint64
		want string
	}{
		{4, "f"},
		{5, "1f"},
		{6, "3f"},
		{8, "ff"},
		{12, "fff"},
	}
	for _, c := range cases {
		if got := workThreshold(c.bits); got != c.want {
			t.Fatalf("threshold(%d) = %q, want %q", c.bits, got, c.want)
		}
	}
}

func TestSolveAndVerifyWork(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropDifficulty] = uint64(4)
	})
	if err := node.SolveWork(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	ok, err := node.VerifyWork()
	if err != nil || !ok {
		t.Fatalf("verify work failed: ok=%v err=%v", ok, err)
	}

	nonce := node.Props()[PropWorkNonce].([]byte)
	digest, err := node.workHash(nonce)
	if err != nil {
		t.Fatalf("work hash failed: %v", err)
	}
	if hex.EncodeToString(digest[:])[0] < 'f' {
		t.Fatalf("difficulty 4 demands a leading 'f' nibble, got %x", digest[:1])
	}

	// SolveWork returns the FIRST satisfying nonce, so decrementing it
	// yields one that cannot satisfy the threshold.
	counter := binary.BigEndian.Uint64(nonce)
	if counter > 0 {
		bad := make([]byte, len(nonce))
		binary.BigEndian.PutUint64(bad, counter-1)
		if err := node.Set(PropWorkNonce, bad); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if _, err := node.Pack(); err != nil {
			t.Fatalf("pack failed: %v", err)
		}
		ok, err = node.VerifyWork()
		if err != nil {
			t.Fatalf("verify errored: %v", err)
		}
		if ok {
			t.Fatalf("tampered nonce must not verify")
		}
	}
}

func TestValidateEnforcesWork(t *testing.T) {
	keyPair := testKeyPair(t)
	node := testDataNode(t, keyPair, func(props map[string]any) {
		props[PropDifficulty] = uint64(4)
	})
	if err := node.Validate(false, 0); err == nil {
		t.Fatalf("difficulty without nonce must fail validation")
	}
	if err := node.SolveWork(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if err := node.Validate(false, 0); err != nil {
		t.Fatalf("validate failed after solving: %v", err)
	}
}
