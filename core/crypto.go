package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"datamesh-network/pkg/utils"
)

// KeyType selects one of the two signature schemes carried by the model
// format. The scheme is auto-detectable from the public key length, so most
// call sites never pass it explicitly.
type KeyType uint8

const (
	// KeyTypeEdwards is the Edwards-curve scheme: 32-byte public key,
	// 64-byte detached signature over the raw message.
	KeyTypeEdwards KeyType = 0

	// KeyTypeEthereum is the secp256k1 signed-message scheme: the public
	// key is a 20-byte keccak address and the 65-byte r∥s∥v signature is
	// made over the prefixed keccak digest of the message.
	KeyTypeEthereum KeyType = 1
)

// Key and signature sizes per scheme.
const (
	EdwardsPublicKeyLength   = 32
	EdwardsSignatureLength   = 64
	EthereumAddressLength    = 20
	EthereumSignatureLength  = 65
	ethereumRecoveryIDOffset = 64
)

// KeyPair holds a public key and the matching secret. For the Edwards scheme
// PublicKey is the 32-byte curve point and SecretKey the 64-byte ed25519
// private key; for the Ethereum scheme PublicKey is the 20-byte address and
// SecretKey the 32-byte secp256k1 scalar.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
	Type      KeyType
}

// DetectKeyType infers the scheme from the public key length.
func DetectKeyType(publicKey []byte) (KeyType, error) {
	switch len(publicKey) {
	case EdwardsPublicKeyLength:
		return KeyTypeEdwards, nil
	case EthereumAddressLength:
		return KeyTypeEthereum, nil
	}
	return 0, utils.Wrap(ErrBadKeyLength, fmt.Sprintf("%d bytes", len(publicKey)))
}

// SignatureLength returns the signature size implied by the public key.
func SignatureLength(publicKey []byte) (int, error) {
	t, err := DetectKeyType(publicKey)
	if err != nil {
		return 0, err
	}
	if t == KeyTypeEdwards {
		return EdwardsSignatureLength, nil
	}
	return EthereumSignatureLength, nil
}

// GenKeyPair generates a fresh key pair for the given scheme.
func GenKeyPair(t KeyType) (*KeyPair, error) {
	switch t {
	case KeyTypeEdwards:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, utils.Wrap(err, "ed25519 keygen")
		}
		return &KeyPair{PublicKey: pub, SecretKey: priv, Type: KeyTypeEdwards}, nil
	case KeyTypeEthereum:
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, utils.Wrap(err, "secp256k1 keygen")
		}
		addr := ethcrypto.PubkeyToAddress(priv.PublicKey)
		return &KeyPair{
			PublicKey: addr.Bytes(),
			SecretKey: ethcrypto.FromECDSA(priv),
			Type:      KeyTypeEthereum,
		}, nil
	}
	return nil, utils.Wrap(ErrBadKeyLength, fmt.Sprintf("unknown key type %d", t))
}

// Sign produces a detached signature over message with the key pair's scheme.
func Sign(message []byte, keyPair *KeyPair) ([]byte, error) {
	switch keyPair.Type {
	case KeyTypeEdwards:
		if len(keyPair.SecretKey) != ed25519.PrivateKeySize {
			return nil, utils.Wrap(ErrBadKeyLength, "ed25519 secret key")
		}
		return ed25519.Sign(ed25519.PrivateKey(keyPair.SecretKey), message), nil
	case KeyTypeEthereum:
		priv, err := ethcrypto.ToECDSA(keyPair.SecretKey)
		if err != nil {
			return nil, utils.Wrap(err, "secp256k1 secret key")
		}
		sig, err := ethcrypto.Sign(signedMessageDigest(message), priv)
		if err != nil {
			return nil, utils.Wrap(err, "secp256k1 sign")
		}
		return sig, nil
	}
	return nil, utils.Wrap(ErrBadKeyLength, fmt.Sprintf("unknown key type %d", keyPair.Type))
}

// Verify checks a detached signature. The scheme is taken from the public
// key length, so a 20-byte key implies the signed-message scheme and a
// 32-byte key the Edwards scheme.
func Verify(message, signature, publicKey []byte) (bool, error) {
	t, err := DetectKeyType(publicKey)
	if err != nil {
		return false, err
	}
	switch t {
	case KeyTypeEdwards:
		if len(signature) != EdwardsSignatureLength {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
	case KeyTypeEthereum:
		return verifyEthereum(message, signature, publicKey)
	}
	return false, nil
}

// verifyEthereum recovers the signing key from the r∥s∥v signature and
// compares the last 20 bytes of its keccak against the stored address.
func verifyEthereum(message, signature, address []byte) (bool, error) {
	if len(signature) != EthereumSignatureLength {
		return false, nil
	}
	sig := make([]byte, EthereumSignatureLength)
	copy(sig, signature)
	// Wallets emit v as 27/28; recovery wants 0/1.
	if sig[ethereumRecoveryIDOffset] >= 27 {
		sig[ethereumRecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(signedMessageDigest(message), sig)
	if err != nil {
		return false, nil
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return bytes.Equal(recovered.Bytes(), address), nil
}

// signedMessageDigest hashes the message under the signed-message envelope:
// keccak256("\x19Ethereum Signed Message:\n" ∥ decimal(len(m)) ∥ m).
func signedMessageDigest(message []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d", len(message))
	h.Write(message)
	return h.Sum(nil)
}
