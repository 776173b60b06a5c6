package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"datamesh-network/pkg/utils"
)

// PeerProps is the post-handshake identity a transport hands to the peer
// client. The handshake itself (key exchange, session crypto) is a
// collaborator; the core only consumes its output and enforces the
// compatibility rules below.
type PeerProps struct {
	// Version is major.minor.patch, each a u16 BE (6 bytes on the wire).
	Version [3]uint16

	// SerializeFormat is the body serialisation both sides must support.
	SerializeFormat uint16

	// Clock is the peer's wall clock in milliseconds at handshake time.
	Clock int64

	// HandshakedPublicKey is the cryptographically verified remote key.
	HandshakedPublicKey []byte

	// AuthCert optionally authorises HandshakedPublicKey on behalf of
	// AuthCertPublicKey.
	AuthCert          []byte
	AuthCertPublicKey []byte

	AppVersion   string
	Region       string
	Jurisdiction string
}

var peerPropsSchema = Schema{
	"version":             {Index: 0, Type: FieldBytes6, Required: true},
	"serializeFormat":     {Index: 1, Type: FieldUInt16BE, Required: true},
	"clock":               {Index: 2, Type: FieldUInt48BE, Required: true},
	"handshakedPublicKey": {Index: 3, Type: FieldBytes, Required: true, MaxSize: EdwardsPublicKeyLength},
	"authCert":            {Index: 4, Type: FieldSchema},
	"authCertPublicKey":   {Index: 5, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"appVersion":          {Index: 6, Type: FieldString, MaxSize: 64},
	"region":              {Index: 7, Type: FieldString, MaxSize: 32},
	"jurisdiction":        {Index: 8, Type: FieldString, MaxSize: 32},
}

// EncodePeerProps packs peer props for the wire.
func EncodePeerProps(p *PeerProps) ([]byte, error) {
	version := make([]byte, 6)
	binary.BigEndian.PutUint16(version[0:2], p.Version[0])
	binary.BigEndian.PutUint16(version[2:4], p.Version[1])
	binary.BigEndian.PutUint16(version[4:6], p.Version[2])
	props := map[string]any{
		"version":             version,
		"serializeFormat":     uint64(p.SerializeFormat),
		"clock":               uint64(p.Clock),
		"handshakedPublicKey": p.HandshakedPublicKey,
	}
	setIf(props, "authCert", p.AuthCert != nil, p.AuthCert)
	setIf(props, "authCertPublicKey", p.AuthCertPublicKey != nil, p.AuthCertPublicKey)
	setIf(props, "appVersion", p.AppVersion != "", p.AppVersion)
	setIf(props, "region", p.Region != "", p.Region)
	setIf(props, "jurisdiction", p.Jurisdiction != "", p.Jurisdiction)
	return Pack(peerPropsSchema, props, MaxSignedIndex)
}

// DecodePeerProps parses peer props off the wire.
func DecodePeerProps(data []byte) (*PeerProps, error) {
	props, err := Unpack(data, peerPropsSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	version := propBytes(props, "version")
	p := &PeerProps{
		SerializeFormat:     uint16(propUint(props, "serializeFormat")),
		Clock:               int64(propUint(props, "clock")),
		HandshakedPublicKey: propBytes(props, "handshakedPublicKey"),
		AuthCert:            propBytes(props, "authCert"),
		AuthCertPublicKey:   propBytes(props, "authCertPublicKey"),
		AppVersion:          propString(props, "appVersion"),
		Region:              propString(props, "region"),
		Jurisdiction:        propString(props, "jurisdiction"),
	}
	p.Version[0] = binary.BigEndian.Uint16(version[0:2])
	p.Version[1] = binary.BigEndian.Uint16(version[2:4])
	p.Version[2] = binary.BigEndian.Uint16(version[4:6])
	return p, nil
}

// ValidatePeerProps enforces the compatibility rules against the remote
// side: the remote version must be at least the local one in major.minor,
// the clocks must agree within maxClockSkew (when positive), and the remote
// serialize format must be one the local side supports.
func ValidatePeerProps(local, remote *PeerProps, maxClockSkew time.Duration, supportedFormats []uint16) error {
	if remote.Version[0] < local.Version[0] ||
		(remote.Version[0] == local.Version[0] && remote.Version[1] < local.Version[1]) {
		return utils.Wrap(ErrHandshake, fmt.Sprintf("remote version %d.%d below local %d.%d",
			remote.Version[0], remote.Version[1], local.Version[0], local.Version[1]))
	}
	if maxClockSkew > 0 {
		skew := local.Clock - remote.Clock
		if skew < 0 {
			skew = -skew
		}
		if skew > maxClockSkew.Milliseconds() {
			return utils.Wrap(ErrHandshake, fmt.Sprintf("clock skew %dms exceeds %dms", skew, maxClockSkew.Milliseconds()))
		}
	}
	for _, format := range supportedFormats {
		if format == remote.SerializeFormat {
			return nil
		}
	}
	return utils.Wrap(ErrHandshake, fmt.Sprintf("unsupported serialize format %d", remote.SerializeFormat))
}

// ValidateAuthCert checks the auth cert carried in remote props: it must be
// a valid auth cert whose targets include the handshaked key, owned by the
// claimed auth key.
func ValidateAuthCert(remote *PeerProps, now int64) error {
	if remote.AuthCert == nil {
		return nil
	}
	cert, err := LoadModel(remote.AuthCert)
	if err != nil {
		return utils.Wrap(err, "auth cert")
	}
	if !cert.IsSubtypeOf(TypeAuthCertBase) {
		return utils.Wrap(ErrHandshake, "handshake cert is not an auth cert")
	}
	if err := cert.Validate(true, now); err != nil {
		return utils.Wrap(err, "auth cert")
	}
	ok, err := cert.Verify(false)
	if err != nil {
		return err
	}
	if !ok {
		return utils.Wrap(ErrHandshake, "auth cert signature")
	}
	for _, target := range cert.TargetPublicKeys() {
		if bytes.Equal(target, remote.HandshakedPublicKey) {
			if remote.AuthCertPublicKey != nil && !bytes.Equal(cert.Owner(), remote.AuthCertPublicKey) {
				return utils.Wrap(ErrHandshake, "auth cert owner mismatch")
			}
			return nil
		}
	}
	return utils.Wrap(ErrHandshake, "auth cert does not target the handshaked key")
}

// ExchangePeerProps swaps props over an established connection: each side
// writes its own length-prefixed props, then reads the remote's.
func ExchangePeerProps(conn net.Conn, local *PeerProps) (*PeerProps, error) {
	encoded, err := EncodePeerProps(local)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(encoded)))
	if _, err := conn.Write(append(header, encoded...)); err != nil {
		return nil, utils.Wrap(err, "write peer props")
	}
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, utils.Wrap(err, "read peer props length")
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxConnFrame {
		return nil, utils.Wrap(ErrMalformed, "peer props too large")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, utils.Wrap(err, "read peer props")
	}
	return DecodePeerProps(body)
}
