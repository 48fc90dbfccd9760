// ABOUTME: Registration ceremony binding an identity to a new passkey credential
// ABOUTME: First enrollment creates the identity; later enrollments require a session for it

package ceremony

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/store"
)

// RegistrationOptions is returned by BeginRegistration. PublicKey is passed
// to navigator.credentials.create() unchanged.
type RegistrationOptions struct {
	Challenge []byte
	Identity  string
	ExpiresAt time.Time
	PublicKey *protocol.CredentialCreation
}

// Attestation is a client's answer to a registration challenge.
type Attestation struct {
	// Challenge is the nonce the client claims to be answering.
	Challenge []byte
	// CredentialID is the rawId reported by the client. Optional; when set it
	// must equal the id inside the attestation.
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
	Transports        []string
}

// RegistrationResult describes an enrolled credential.
type RegistrationResult struct {
	Identity    string
	Credential  *store.Credential
	NewIdentity bool
}

// BeginRegistration starts enrolling a credential for identity. A new
// identity needs no session; adding a credential to an existing identity
// requires a live session for that identity.
func (e *Engine) BeginRegistration(ctx context.Context, identity string, session *store.Session) (*RegistrationOptions, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	binding := ledger.Binding{Identity: identity}
	var exclude []protocol.CredentialDescriptor

	existing, err := e.creds.GetIdentity(ctx, identity)
	switch {
	case err == nil:
		if session == nil || session.Identity != identity || session.Expired(e.now()) {
			return nil, ErrIdentityClaimed
		}
		binding.SessionID = session.ID
		binding.UserHandle = existing.Handle

		creds, err := e.creds.GetCredentialsByIdentity(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("looking up credentials: %w", err)
		}
		exclude = descriptors(creds)
	case errors.Is(err, store.ErrNotFound):
		handle := make([]byte, userHandleSize)
		if _, err := rand.Read(handle); err != nil {
			return nil, fmt.Errorf("generating user handle: %w", err)
		}
		binding.UserHandle = handle
	default:
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	ch, err := e.ledger.Begin(ctx, store.PurposeRegistration, binding)
	if err != nil {
		return nil, err
	}

	params := make([]protocol.CredentialParameter, 0, len(SupportedAlgorithms))
	for _, alg := range SupportedAlgorithms {
		params = append(params, protocol.CredentialParameter{
			Type:      protocol.PublicKeyCredentialType,
			Algorithm: alg,
		})
	}

	creation := &protocol.CredentialCreation{
		Response: protocol.PublicKeyCredentialCreationOptions{
			RelyingParty: protocol.RelyingPartyEntity{
				CredentialEntity: protocol.CredentialEntity{Name: e.rpDisplayName},
				ID:               e.rpID,
			},
			User: protocol.UserEntity{
				CredentialEntity: protocol.CredentialEntity{Name: identity},
				DisplayName:      identity,
				ID:               protocol.URLEncodedBase64(binding.UserHandle),
			},
			Challenge:             protocol.URLEncodedBase64(ch.Nonce),
			Parameters:            params,
			Timeout:               e.timeoutMillis(),
			CredentialExcludeList: exclude,
			AuthenticatorSelection: protocol.AuthenticatorSelection{
				ResidentKey:      protocol.ResidentKeyRequirementPreferred,
				UserVerification: protocol.VerificationPreferred,
			},
			Attestation: protocol.PreferNoAttestation,
		},
	}

	e.logger.Debug("registration started", "identity", identity, "additional", binding.SessionID != "")
	return &RegistrationOptions{
		Challenge: ch.Nonce,
		Identity:  identity,
		ExpiresAt: ch.ExpiresAt,
		PublicKey: creation,
	}, nil
}

// CompleteRegistration verifies an attestation against the challenge it
// answers and enrolls the credential. The challenge is consumed whatever
// the outcome once the payload is well formed.
func (e *Engine) CompleteRegistration(ctx context.Context, att *Attestation) (*RegistrationResult, error) {
	if att == nil || len(att.Challenge) == 0 || len(att.ClientDataJSON) == 0 || len(att.AttestationObject) == 0 {
		return nil, fmt.Errorf("%w: challenge, clientDataJSON and attestationObject are required", ErrInvalidInput)
	}

	// Shape checks come first so malformed requests don't burn a challenge.
	cd, err := parseClientData(att.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	obj, err := parseAttestationObject(att.AttestationObject)
	if err != nil {
		return nil, err
	}
	ad, err := parseAuthData(obj.AuthData)
	if err != nil {
		return nil, err
	}
	if !ad.Flags.HasAttestedCredentialData() || len(ad.AttData.CredentialID) == 0 || len(ad.AttData.CredentialPublicKey) == 0 {
		return nil, fmt.Errorf("%w: attestation carries no credential", ErrInvalidInput)
	}
	if len(att.CredentialID) > 0 && !bytes.Equal(att.CredentialID, ad.AttData.CredentialID) {
		return nil, fmt.Errorf("%w: credential id does not match attested credential", ErrInvalidInput)
	}
	keyHeader, err := parseCOSEHeader(ad.AttData.CredentialPublicKey)
	if err != nil {
		return nil, err
	}

	t := newTracker(e.logger, "registration", att.Challenge)

	ch, err := e.ledger.Consume(ctx, att.Challenge)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrExpired) {
			return nil, t.reject(fmt.Errorf("%w: %w", ErrCeremonyFailed, err))
		}
		return nil, t.reject(err)
	}
	t.verifying()

	if ch.Purpose != store.PurposeRegistration {
		return nil, t.reject(fmt.Errorf("%w: challenge was issued for %s", ErrCeremonyFailed, ch.Purpose))
	}
	if err := e.checkClientData(cd, protocol.CreateCeremony, ch.Nonce); err != nil {
		return nil, t.reject(err, "identity", ch.Identity)
	}
	if err := e.checkAuthData(ad); err != nil {
		return nil, t.reject(err, "identity", ch.Identity)
	}
	if !algorithmSupported(keyHeader.Algorithm) {
		return nil, t.reject(fmt.Errorf("%w: unsupported algorithm %d", ErrCeremonyFailed, keyHeader.Algorithm))
	}
	if _, err := webauthncose.ParsePublicKey(ad.AttData.CredentialPublicKey); err != nil {
		return nil, t.reject(fmt.Errorf("%w: unusable public key: %v", ErrCeremonyFailed, err))
	}

	now := e.now().UTC()
	cred := &store.Credential{
		Identity:        ch.Identity,
		CredentialID:    bytes.Clone(ad.AttData.CredentialID),
		PublicKey:       bytes.Clone(ad.AttData.CredentialPublicKey),
		Algorithm:       keyHeader.Algorithm,
		AttestationType: obj.Format,
		Transports:      att.Transports,
		SignCount:       ad.Counter,
		CreatedAt:       now,
	}

	newIdentity := ch.SessionID == ""
	if newIdentity {
		err = e.creds.RegisterIdentity(ctx, &store.Identity{
			Name:      ch.Identity,
			Handle:    ch.UserHandle,
			CreatedAt: now,
		}, cred)
	} else {
		err = e.creds.EnrollCredential(ctx, cred)
	}
	switch {
	case errors.Is(err, store.ErrCredentialExists):
		return nil, t.reject(ErrCredentialAlreadyRegistered, "identity", ch.Identity)
	case errors.Is(err, store.ErrIdentityExists):
		return nil, t.reject(ErrIdentityClaimed, "identity", ch.Identity)
	case errors.Is(err, store.ErrNotFound):
		return nil, t.reject(fmt.Errorf("%w: identity no longer exists", ErrCeremonyFailed))
	case err != nil:
		return nil, t.reject(fmt.Errorf("enrolling credential: %w", err))
	}

	action := store.AuditEnrollCredential
	if newIdentity {
		action = store.AuditRegisterIdentity
	}
	e.recordAudit(ctx, &store.AuditEntry{
		Actor:      ch.Identity,
		Action:     action,
		TargetType: "credential",
		TargetID:   base64.RawURLEncoding.EncodeToString(cred.CredentialID),
		Detail:     map[string]any{"algorithm": cred.Algorithm, "attestation": cred.AttestationType},
	})
	t.complete("identity", ch.Identity, "new_identity", newIdentity)

	return &RegistrationResult{
		Identity:    ch.Identity,
		Credential:  cred,
		NewIdentity: newIdentity,
	}, nil
}

func descriptors(creds []*store.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		d := protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: protocol.URLEncodedBase64(c.CredentialID),
		}
		for _, tr := range c.Transports {
			d.Transport = append(d.Transport, protocol.AuthenticatorTransport(tr))
		}
		out = append(out, d)
	}
	return out
}
