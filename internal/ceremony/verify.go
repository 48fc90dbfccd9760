// ABOUTME: Parsing and verification helpers for WebAuthn client data, authenticator data and COSE keys
// ABOUTME: Parse failures are InvalidInput; semantic mismatches are CeremonyFailed

package ceremony

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// cborDecMode rejects duplicate map keys and deep nesting in
// authenticator-supplied CBOR.
var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ceremony: invalid CBOR decode options: %v", err))
	}
	return dm
}()

// attestationObject is the CBOR map returned by navigator.credentials.create().
type attestationObject struct {
	Format       string         `cbor:"fmt"`
	AttStatement map[string]any `cbor:"attStmt"`
	AuthData     []byte         `cbor:"authData"`
}

// coseKeyHeader holds the COSE_Key members every key type carries.
type coseKeyHeader struct {
	KeyType   int64 `cbor:"1,keyasint"`
	Algorithm int64 `cbor:"3,keyasint"`
}

func parseClientData(raw []byte) (*protocol.CollectedClientData, error) {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("%w: client data is not JSON: %v", ErrInvalidInput, err)
	}
	if cd.Type == "" || cd.Challenge == "" || cd.Origin == "" {
		return nil, fmt.Errorf("%w: client data missing type, challenge or origin", ErrInvalidInput)
	}
	return &cd, nil
}

func parseAuthData(raw []byte) (*protocol.AuthenticatorData, error) {
	var ad protocol.AuthenticatorData
	if err := ad.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: authenticator data: %v", ErrInvalidInput, err)
	}
	return &ad, nil
}

func parseAttestationObject(raw []byte) (*attestationObject, error) {
	var obj attestationObject
	if err := cborDecMode.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: attestation object: %v", ErrInvalidInput, err)
	}
	if obj.Format == "" || len(obj.AuthData) == 0 {
		return nil, fmt.Errorf("%w: attestation object missing fmt or authData", ErrInvalidInput)
	}
	return &obj, nil
}

func parseCOSEHeader(raw []byte) (*coseKeyHeader, error) {
	var h coseKeyHeader
	if err := cborDecMode.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: credential public key: %v", ErrInvalidInput, err)
	}
	return &h, nil
}

// decodeChallenge accepts base64url with or without padding.
func decodeChallenge(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// checkClientData verifies ceremony type, challenge and origin.
func (e *Engine) checkClientData(cd *protocol.CollectedClientData, ceremony protocol.CeremonyType, nonce []byte) error {
	if cd.Type != ceremony {
		return fmt.Errorf("%w: client data type %q, want %q", ErrCeremonyFailed, cd.Type, ceremony)
	}
	signed, err := decodeChallenge(cd.Challenge)
	if err != nil || subtle.ConstantTimeCompare(signed, nonce) != 1 {
		return fmt.Errorf("%w: challenge mismatch", ErrCeremonyFailed)
	}
	if _, ok := e.origins[strings.TrimSuffix(cd.Origin, "/")]; !ok {
		return fmt.Errorf("%w: origin %q not allowed", ErrCeremonyFailed, cd.Origin)
	}
	return nil
}

// checkAuthData verifies the relying party hash and user presence.
func (e *Engine) checkAuthData(ad *protocol.AuthenticatorData) error {
	if subtle.ConstantTimeCompare(ad.RPIDHash, e.rpIDHash[:]) != 1 {
		return fmt.Errorf("%w: relying party id hash mismatch", ErrCeremonyFailed)
	}
	if !ad.Flags.UserPresent() {
		return fmt.Errorf("%w: user not present", ErrCeremonyFailed)
	}
	return nil
}

func algorithmSupported(alg int64) bool {
	return slices.Contains(SupportedAlgorithms, webauthncose.COSEAlgorithmIdentifier(alg))
}

// verifyAssertionSignature checks sig over authData || SHA-256(clientDataJSON).
func verifyAssertionSignature(coseKey, authData, clientDataJSON, sig []byte) error {
	key, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return fmt.Errorf("parsing stored public key: %w", err)
	}

	clientHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(clientHash))
	signed = append(signed, authData...)
	signed = append(signed, clientHash[:]...)

	ok, err := webauthncose.VerifySignature(key, signed, sig)
	if err != nil || !ok {
		return ErrSignatureInvalid
	}
	return nil
}
