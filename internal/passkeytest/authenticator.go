// ABOUTME: Software passkey authenticator for tests
// ABOUTME: Produces attestation objects and signed assertions the way a browser authenticator would

// Package passkeytest provides a deterministic software authenticator that
// speaks the WebAuthn wire formats. It holds a real ES256 or Ed25519 key so
// ceremonies can be exercised end to end without a browser.
package passkeytest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Authenticator flag bits.
const (
	FlagUserPresent   byte = 0x01
	FlagUserVerified  byte = 0x04
	FlagAttestedData  byte = 0x40
	DefaultFlags           = FlagUserPresent | FlagUserVerified
	credentialIDBytes      = 16
)

// Authenticator is a software passkey bound to one relying party. Exported
// fields may be changed between calls to produce malformed or hostile
// responses.
type Authenticator struct {
	RPID         string
	Origin       string
	CredentialID []byte
	Algorithm    webauthncose.COSEAlgorithmIdentifier
	SignCount    uint32
	Flags        byte
	// CounterStep is added to SignCount before every assertion. Zero models
	// an authenticator that does not implement a counter.
	CounterStep uint32

	signer crypto.Signer
}

// New returns an ES256 authenticator with a random credential id.
func New(rpID, origin string) *Authenticator {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return newAuthenticator(rpID, origin, key, webauthncose.AlgES256)
}

// NewEd25519 returns an EdDSA authenticator with a random credential id.
func NewEd25519(rpID, origin string) *Authenticator {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return newAuthenticator(rpID, origin, key, webauthncose.AlgEdDSA)
}

func newAuthenticator(rpID, origin string, signer crypto.Signer, alg webauthncose.COSEAlgorithmIdentifier) *Authenticator {
	id := make([]byte, credentialIDBytes)
	if _, err := rand.Read(id); err != nil {
		panic(err)
	}
	return &Authenticator{
		RPID:         rpID,
		Origin:       origin,
		CredentialID: id,
		Algorithm:    alg,
		Flags:        DefaultFlags,
		CounterStep:  1,
		signer:       signer,
	}
}

// Clone returns an authenticator sharing the same key and credential id,
// modelling a copied credential.
func (a *Authenticator) Clone() *Authenticator {
	c := *a
	c.CredentialID = append([]byte(nil), a.CredentialID...)
	return &c
}

// COSEKey returns the public key in COSE_Key form.
func (a *Authenticator) COSEKey() []byte {
	var key map[int]any
	switch pub := a.signer.Public().(type) {
	case *ecdsa.PublicKey:
		x := make([]byte, 32)
		y := make([]byte, 32)
		pub.X.FillBytes(x)
		pub.Y.FillBytes(y)
		key = map[int]any{1: 2, 3: int(a.Algorithm), -1: 1, -2: x, -3: y}
	case ed25519.PublicKey:
		key = map[int]any{1: 1, 3: int(a.Algorithm), -1: 6, -2: []byte(pub)}
	default:
		panic("unsupported key type")
	}
	b, err := cbor.Marshal(key)
	if err != nil {
		panic(err)
	}
	return b
}

// ClientData returns clientDataJSON for the given ceremony and challenge.
func (a *Authenticator) ClientData(ceremony protocol.CeremonyType, challenge []byte) []byte {
	b, err := json.Marshal(protocol.CollectedClientData{
		Type:      ceremony,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    a.Origin,
	})
	if err != nil {
		panic(err)
	}
	return b
}

// AuthData builds authenticator data. When attested is true the credential
// id and public key are appended and the attested-data flag is set.
func (a *Authenticator) AuthData(attested bool) []byte {
	rpHash := sha256.Sum256([]byte(a.RPID))
	flags := a.Flags
	if attested {
		flags |= FlagAttestedData
	}

	buf := make([]byte, 0, 128)
	buf = append(buf, rpHash[:]...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, a.SignCount)
	if attested {
		buf = append(buf, make([]byte, 16)...) // AAGUID
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.CredentialID)))
		buf = append(buf, a.CredentialID...)
		buf = append(buf, a.COSEKey()...)
	}
	return buf
}

// Registration is the raw output of a create() call.
type Registration struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
}

// Register answers a registration challenge with "none" attestation.
func (a *Authenticator) Register(challenge []byte) *Registration {
	obj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": a.AuthData(true),
	})
	if err != nil {
		panic(err)
	}
	return &Registration{
		CredentialID:      append([]byte(nil), a.CredentialID...),
		ClientDataJSON:    a.ClientData(protocol.CreateCeremony, challenge),
		AttestationObject: obj,
	}
}

// Login is the raw output of a get() call.
type Login struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// Login answers an authentication challenge, advancing the counter by
// CounterStep first.
func (a *Authenticator) Login(challenge, userHandle []byte) *Login {
	a.SignCount += a.CounterStep
	clientData := a.ClientData(protocol.AssertCeremony, challenge)
	authData := a.AuthData(false)
	return &Login{
		CredentialID:      append([]byte(nil), a.CredentialID...),
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		Signature:         a.Sign(authData, clientData),
		UserHandle:        userHandle,
	}
}

// Sign signs authData || SHA-256(clientDataJSON).
func (a *Authenticator) Sign(authData, clientDataJSON []byte) []byte {
	clientHash := sha256.Sum256(clientDataJSON)
	msg := append(append([]byte(nil), authData...), clientHash[:]...)

	switch k := a.signer.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, k, digest[:])
		if err != nil {
			panic(err)
		}
		return sig
	case ed25519.PrivateKey:
		return ed25519.Sign(k, msg)
	default:
		panic("unsupported key type")
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// CreationResponseJSON encodes r as a PublicKeyCredential from
// navigator.credentials.create().
func (r *Registration) CreationResponseJSON() json.RawMessage {
	b, err := json.Marshal(map[string]any{
		"id":    b64(r.CredentialID),
		"rawId": b64(r.CredentialID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(r.ClientDataJSON),
			"attestationObject": b64(r.AttestationObject),
			"transports":        []string{"internal"},
		},
		"clientExtensionResults": map[string]any{},
	})
	if err != nil {
		panic(err)
	}
	return b
}

// AssertionResponseJSON encodes l as a PublicKeyCredential from
// navigator.credentials.get().
func (l *Login) AssertionResponseJSON() json.RawMessage {
	response := map[string]any{
		"clientDataJSON":    b64(l.ClientDataJSON),
		"authenticatorData": b64(l.AuthenticatorData),
		"signature":         b64(l.Signature),
	}
	if len(l.UserHandle) > 0 {
		response["userHandle"] = b64(l.UserHandle)
	}
	b, err := json.Marshal(map[string]any{
		"id":                     b64(l.CredentialID),
		"rawId":                  b64(l.CredentialID),
		"type":                   "public-key",
		"response":               response,
		"clientExtensionResults": map[string]any{},
	})
	if err != nil {
		panic(err)
	}
	return b
}
