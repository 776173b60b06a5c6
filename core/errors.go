package core

import "errors"

// Error kinds surfaced by the core. Codec, crypto and validation errors are
// returned synchronously by the operation that hit them; transport and
// protocol errors travel through response-handle events.
var (
	// Codec errors.
	ErrRequiredMissing    = errors.New("required field missing")
	ErrIndexOutOfRange    = errors.New("field index out of range")
	ErrTypeMismatch       = errors.New("field type mismatch")
	ErrLengthExceedsMax   = errors.New("field length exceeds maximum")
	ErrStaticMismatch     = errors.New("static field mismatch")
	ErrIndexNotIncreasing = errors.New("field index not increasing")
	ErrUnknownFieldType   = errors.New("unknown field type")
	ErrTruncated          = errors.New("packed data truncated")
	ErrFieldNotFound      = errors.New("field not found")

	// Validation errors (semantic model invariants).
	ErrValidation = errors.New("model validation failed")

	// Crypto errors.
	ErrBadKeyLength    = errors.New("unsupported public key length")
	ErrBadSignature    = errors.New("signature verification failed")
	ErrRecoveryFailed  = errors.New("public key recovery failed")
	ErrNoSignatureSlot = errors.New("no free signature slot")

	// Peer / protocol errors.
	ErrPermissionDenied = errors.New("permission denied")
	ErrTransportClosed  = errors.New("transport closed")
	ErrTimeout          = errors.New("request timed out")
	ErrCancelled        = errors.New("cancelled")
	ErrMalformed        = errors.New("malformed message")
	ErrHandshake        = errors.New("handshake mismatch")
)
