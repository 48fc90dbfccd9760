// ABOUTME: Error kinds returned by registration and authentication ceremonies
// ABOUTME: Each failure class is a distinct sentinel so callers and auditors can tell them apart

package ceremony

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed ceremony payloads. No
	// challenge is consumed when this is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidIdentity is returned for empty, oversized or unprintable
	// identity names.
	ErrInvalidIdentity = fmt.Errorf("%w: invalid identity", ErrInvalidInput)

	// ErrCeremonyFailed covers unknown, reused or expired challenges and
	// mismatched challenge, origin or relying party.
	ErrCeremonyFailed = errors.New("ceremony failed")

	// ErrSignatureInvalid is returned when an assertion signature does not
	// verify against the stored public key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrPossibleCloneDetected is returned when an assertion's signature
	// counter does not advance past the stored counter.
	ErrPossibleCloneDetected = errors.New("possible cloned authenticator")

	// ErrCredentialAlreadyRegistered is returned when enrolling a credential
	// id that is already bound to an identity.
	ErrCredentialAlreadyRegistered = errors.New("credential already registered")

	// ErrUnknownIdentity is returned when authentication begins for an
	// identity with no credentials.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrIdentityClaimed is returned when registering a name that already
	// belongs to someone else without a session for it.
	ErrIdentityClaimed = errors.New("identity already claimed")
)
