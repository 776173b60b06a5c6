package services

import (
	core "datamesh-network/core"
)

// KeyService wraps core keyring and model operations used by the HTTP API.
type KeyService struct{}

func NewService() *KeyService { return &KeyService{} }

func (ks *KeyService) CreateKeyring(bits int) (*core.Keyring, string, error) {
	return core.NewRandomKeyring(bits)
}

func (ks *KeyService) ImportKeyring(mnemonic, passphrase string) (*core.Keyring, error) {
	return core.KeyringFromMnemonic(mnemonic, passphrase)
}

func (ks *KeyService) Sign(message []byte, secretHex string, keyType core.KeyType) ([]byte, []byte, error) {
	keyPair, err := core.ImportKeyPairHex(secretHex, keyType)
	if err != nil {
		return nil, nil, err
	}
	sig, err := core.Sign(message, keyPair)
	if err != nil {
		return nil, nil, err
	}
	return sig, keyPair.PublicKey, nil
}

func (ks *KeyService) Verify(message, signature, publicKey []byte) (bool, error) {
	return core.Verify(message, signature, publicKey)
}

func (ks *KeyService) Inspect(image []byte) (*core.Model, error) {
	return core.LoadModel(image)
}
