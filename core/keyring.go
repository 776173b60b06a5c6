package core

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Keyring derives the key pairs a peer signs with from a BIP-39 mnemonic.
// Derivation is SLIP-0010 style: HMAC-SHA512 from the master seed, hardened
// children only (ed25519 does not support unhardened derivation). The master
// material never leaves the struct; callers receive derived KeyPairs.
type Keyring struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

const (
	hardenedOffset uint32 = 0x80000000

	// SLIP-0010 master-key string for the Edwards curve.
	masterHMACKey = "ed25519 seed"
)

// NewRandomKeyring generates entropyBits (128/256) of RNG entropy and
// returns the keyring plus its recovery mnemonic. The caller must store the
// mnemonic securely or wipe it.
func NewRandomKeyring(entropyBits int) (*Keyring, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	kr, err := KeyringFromSeed(bip39.NewSeed(mnemonic, ""), log.StandardLogger())
	if err != nil {
		return nil, "", err
	}
	return kr, mnemonic, nil
}

// KeyringFromMnemonic imports an existing BIP-39 phrase.
func KeyringFromMnemonic(mnemonic, passphrase string) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic checksum")
	}
	return KeyringFromSeed(bip39.NewSeed(mnemonic, passphrase), log.StandardLogger())
}

// KeyringFromSeed initialises the master key material from a raw seed.
func KeyringFromSeed(seed []byte, lg *log.Logger) (*Keyring, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}
	I := hmacSHA512([]byte(masterHMACKey), seed)
	kr := &Keyring{
		seed:        seed,
		masterKey:   I[:32],
		masterChain: I[32:],
		logger:      lg,
	}
	lg.Debugf("keyring: master key initialised (%d bytes seed)", len(seed))
	return kr, nil
}

// derivePrivate returns key material and chain code for a hardened index.
func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("non-hardened derivation not supported for ed25519")
	}
	// Data = 0x00 || parentKey || index(be)
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)

	I := hmacSHA512(parentChain, data)
	return I[:32], I[32:], nil
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// deriveSeed walks m / account' / index' and returns the 32-byte child seed.
func (kr *Keyring) deriveSeed(account, index uint32) ([]byte, error) {
	k1, c1, err := derivePrivate(kr.masterKey, kr.masterChain, account|hardenedOffset)
	if err != nil {
		return nil, err
	}
	k2, _, err := derivePrivate(k1, c1, index|hardenedOffset)
	if err != nil {
		return nil, err
	}
	return k2, nil
}

// EdwardsKeyPair derives the Edwards-scheme key pair at m/account'/index'.
func (kr *Keyring) EdwardsKeyPair(account, index uint32) (*KeyPair, error) {
	seed, err := kr.deriveSeed(account, index)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		PublicKey: priv.Public().(ed25519.PublicKey),
		SecretKey: priv,
		Type:      KeyTypeEdwards,
	}, nil
}

// EthereumKeyPair derives the signed-message-scheme key pair at
// m/account'/index'. The derived child seed doubles as the secp256k1 scalar;
// out-of-range scalars step to the next index.
func (kr *Keyring) EthereumKeyPair(account, index uint32) (*KeyPair, error) {
	for attempt := 0; attempt < 16; attempt++ {
		seed, err := kr.deriveSeed(account, index+uint32(attempt))
		if err != nil {
			return nil, err
		}
		priv, err := ethcrypto.ToECDSA(seed)
		if err != nil {
			continue
		}
		addr := ethcrypto.PubkeyToAddress(priv.PublicKey)
		return &KeyPair{
			PublicKey: addr.Bytes(),
			SecretKey: ethcrypto.FromECDSA(priv),
			Type:      KeyTypeEthereum,
		}, nil
	}
	return nil, errors.New("no valid secp256k1 scalar in derivation window")
}

// ImportKeyPairHex rebuilds a key pair from hex-encoded secret material.
// A 64-char hex secret is interpreted per keyType.
func ImportKeyPairHex(secretHex string, keyType KeyType) (*KeyPair, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("secret hex: %w", err)
	}
	switch keyType {
	case KeyTypeEdwards:
		if len(secret) != ed25519.SeedSize && len(secret) != ed25519.PrivateKeySize {
			return nil, ErrBadKeyLength
		}
		var priv ed25519.PrivateKey
		if len(secret) == ed25519.SeedSize {
			priv = ed25519.NewKeyFromSeed(secret)
		} else {
			priv = ed25519.PrivateKey(secret)
		}
		return &KeyPair{
			PublicKey: priv.Public().(ed25519.PublicKey),
			SecretKey: priv,
			Type:      KeyTypeEdwards,
		}, nil
	case KeyTypeEthereum:
		priv, err := ethcrypto.ToECDSA(secret)
		if err != nil {
			return nil, fmt.Errorf("secp256k1 secret: %w", err)
		}
		addr := ethcrypto.PubkeyToAddress(priv.PublicKey)
		return &KeyPair{
			PublicKey: addr.Bytes(),
			SecretKey: ethcrypto.FromECDSA(priv),
			Type:      KeyTypeEthereum,
		}, nil
	}
	return nil, ErrBadKeyLength
}
