package controllers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	core "datamesh-network/core"
	"datamesh-network/keyserver/services"
)

// KeyController provides HTTP handlers for key and model operations.
type KeyController struct {
	svc *services.KeyService
}

func NewKeyController(svc *services.KeyService) *KeyController {
	return &KeyController{svc: svc}
}

func (kc *KeyController) Create(w http.ResponseWriter, r *http.Request) {
	bitsStr := r.URL.Query().Get("bits")
	bits, _ := strconv.Atoi(bitsStr)
	if bits == 0 {
		bits = 128
	}
	keyring, mnemonic, err := kc.svc.CreateKeyring(bits)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	edwards, err := keyring.EdwardsKeyPair(0, 0)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"mnemonic":  mnemonic,
		"publicKey": hex.EncodeToString(edwards.PublicKey),
	})
}

func (kc *KeyController) Import(w http.ResponseWriter, r *http.Request) {
	var req struct{ Mnemonic, Passphrase string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	keyring, err := kc.svc.ImportKeyring(req.Mnemonic, req.Passphrase)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	edwards, err := keyring.EdwardsKeyPair(0, 0)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"publicKey": hex.EncodeToString(edwards.PublicKey),
	})
}

func (kc *KeyController) Sign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageHex string
		SecretHex  string
		KeyType    uint8
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	message, err := hex.DecodeString(req.MessageHex)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sig, publicKey, err := kc.svc.Sign(message, req.SecretHex, core.KeyType(req.KeyType))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"signature": hex.EncodeToString(sig),
		"publicKey": hex.EncodeToString(publicKey),
	})
}

func (kc *KeyController) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageHex   string
		SignatureHex string
		PublicKeyHex string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	message, err1 := hex.DecodeString(req.MessageHex)
	signature, err2 := hex.DecodeString(req.SignatureHex)
	publicKey, err3 := hex.DecodeString(req.PublicKeyHex)
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "bad hex input", 400)
		return
	}
	ok, err := kc.svc.Verify(message, signature, publicKey)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"valid": ok})
}

func (kc *KeyController) Inspect(w http.ResponseWriter, r *http.Request) {
	var req struct{ ImageHex string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	image, err := hex.DecodeString(req.ImageHex)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	model, err := kc.svc.Inspect(image)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id1, err := model.ID1()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	verified, _ := model.Verify(true)
	json.NewEncoder(w).Encode(map[string]any{
		"variant":      model.Variant().Name,
		"modelType":    hex.EncodeToString(model.ModelType()),
		"owner":        hex.EncodeToString(model.Owner()),
		"id1":          hex.EncodeToString(id1),
		"creationTime": model.CreationTime(),
		"expireTime":   model.ExpireTime(),
		"flags":        model.LoadFlags(),
		"verified":     verified,
	})
}
