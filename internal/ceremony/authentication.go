// ABOUTME: Authentication ceremony proving possession of an enrolled passkey
// ABOUTME: Verifies signature, challenge, origin and counter before a session is issued

package ceremony

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/store"
)

// AuthenticationOptions is returned by BeginAuthentication. PublicKey is
// passed to navigator.credentials.get() unchanged.
type AuthenticationOptions struct {
	Challenge     []byte
	Identity      string
	CredentialIDs [][]byte
	ExpiresAt     time.Time
	PublicKey     *protocol.CredentialAssertion
}

// Assertion is a client's answer to an authentication challenge.
type Assertion struct {
	// Challenge is the nonce the client claims to be answering.
	Challenge         []byte
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// AuthenticationResult carries the session established by a successful
// authentication.
type AuthenticationResult struct {
	Identity     string
	CredentialID []byte
	SignCount    uint32
	Session      *store.Session
}

// BeginAuthentication issues a challenge listing the identity's credentials.
// Unknown identities get ErrUnknownIdentity, or a decoy challenge when the
// engine conceals them.
func (e *Engine) BeginAuthentication(ctx context.Context, identity string) (*AuthenticationOptions, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	creds, err := e.creds.GetCredentialsByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("looking up credentials: %w", err)
	}

	allowed := descriptors(creds)
	if len(creds) == 0 {
		if !e.conceal {
			return nil, ErrUnknownIdentity
		}
		allowed = []protocol.CredentialDescriptor{{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: protocol.URLEncodedBase64(e.decoyCredentialID(identity)),
		}}
	}

	ch, err := e.ledger.Begin(ctx, store.PurposeAuthentication, ledger.Binding{Identity: identity})
	if err != nil {
		return nil, err
	}

	ids := make([][]byte, 0, len(allowed))
	for _, d := range allowed {
		ids = append(ids, []byte(d.CredentialID))
	}

	assertion := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          protocol.URLEncodedBase64(ch.Nonce),
			Timeout:            e.timeoutMillis(),
			RelyingPartyID:     e.rpID,
			AllowedCredentials: allowed,
			UserVerification:   protocol.VerificationPreferred,
		},
	}

	e.logger.Debug("authentication started", "identity", identity, "credentials", len(creds))
	return &AuthenticationOptions{
		Challenge:     ch.Nonce,
		Identity:      identity,
		CredentialIDs: ids,
		ExpiresAt:     ch.ExpiresAt,
		PublicKey:     assertion,
	}, nil
}

// CompleteAuthentication verifies an assertion and, when every check
// passes, establishes a session. No session is created on any failure.
func (e *Engine) CompleteAuthentication(ctx context.Context, as *Assertion) (*AuthenticationResult, error) {
	if as == nil || len(as.Challenge) == 0 || len(as.CredentialID) == 0 || len(as.ClientDataJSON) == 0 ||
		len(as.AuthenticatorData) == 0 || len(as.Signature) == 0 {
		return nil, fmt.Errorf("%w: challenge, credential id, clientDataJSON, authenticatorData and signature are required", ErrInvalidInput)
	}

	cd, err := parseClientData(as.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	ad, err := parseAuthData(as.AuthenticatorData)
	if err != nil {
		return nil, err
	}

	t := newTracker(e.logger, "authentication", as.Challenge)
	credRef := base64.RawURLEncoding.EncodeToString(as.CredentialID)

	ch, err := e.ledger.Consume(ctx, as.Challenge)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrExpired) {
			return nil, t.reject(fmt.Errorf("%w: %w", ErrCeremonyFailed, err))
		}
		return nil, t.reject(err)
	}
	t.verifying()

	if ch.Purpose != store.PurposeAuthentication {
		return nil, t.reject(fmt.Errorf("%w: challenge was issued for %s", ErrCeremonyFailed, ch.Purpose))
	}

	cred, err := e.creds.GetCredentialByCredentialID(ctx, as.CredentialID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, t.reject(fmt.Errorf("%w: credential not enrolled", ErrCeremonyFailed), "identity", ch.Identity)
	}
	if err != nil {
		return nil, t.reject(fmt.Errorf("looking up credential: %w", err))
	}
	if cred.Identity != ch.Identity {
		return nil, t.reject(fmt.Errorf("%w: credential not offered for this challenge", ErrCeremonyFailed), "identity", ch.Identity)
	}

	if err := verifyAssertionSignature(cred.PublicKey, as.AuthenticatorData, as.ClientDataJSON, as.Signature); err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			e.logger.Warn("assertion signature invalid", "identity", cred.Identity, "credential", credRef)
			e.recordAudit(ctx, &store.AuditEntry{
				Actor:      cred.Identity,
				Action:     store.AuditSignatureInvalid,
				TargetType: "credential",
				TargetID:   credRef,
			})
		}
		return nil, t.reject(err, "identity", cred.Identity)
	}

	if err := e.checkClientData(cd, protocol.AssertCeremony, ch.Nonce); err != nil {
		return nil, t.reject(err, "identity", cred.Identity)
	}
	if err := e.checkAuthData(ad); err != nil {
		return nil, t.reject(err, "identity", cred.Identity)
	}

	if len(as.UserHandle) > 0 {
		id, err := e.creds.GetIdentity(ctx, cred.Identity)
		if err != nil {
			return nil, t.reject(fmt.Errorf("looking up identity: %w", err))
		}
		if !bytes.Equal(id.Handle, as.UserHandle) {
			return nil, t.reject(fmt.Errorf("%w: user handle mismatch", ErrCeremonyFailed), "identity", cred.Identity)
		}
	}

	err = e.creds.RecordCredentialUse(ctx, cred.CredentialID, ad.Counter, e.now().UTC())
	if errors.Is(err, store.ErrStaleSignCount) {
		e.logger.Warn("signature counter did not advance",
			"identity", cred.Identity,
			"credential", credRef,
			"stored", cred.SignCount,
			"asserted", ad.Counter,
		)
		e.recordAudit(ctx, &store.AuditEntry{
			Actor:      cred.Identity,
			Action:     store.AuditCloneDetected,
			TargetType: "credential",
			TargetID:   credRef,
			Detail:     map[string]any{"stored": cred.SignCount, "asserted": ad.Counter},
		})
		return nil, t.reject(ErrPossibleCloneDetected, "identity", cred.Identity)
	}
	if err != nil {
		return nil, t.reject(fmt.Errorf("recording credential use: %w", err))
	}

	sess, err := e.sessions.Establish(ctx, cred.Identity, cred.CredentialID)
	if err != nil {
		return nil, t.reject(fmt.Errorf("establishing session: %w", err))
	}

	e.recordAudit(ctx, &store.AuditEntry{
		Actor:      cred.Identity,
		Action:     store.AuditAuthenticate,
		TargetType: "credential",
		TargetID:   credRef,
	})
	t.complete("identity", cred.Identity)

	return &AuthenticationResult{
		Identity:     cred.Identity,
		CredentialID: cred.CredentialID,
		SignCount:    ad.Counter,
		Session:      sess,
	}, nil
}
