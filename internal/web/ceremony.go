// ABOUTME: HTTP handlers for passkey registration, login, logout and session lookup
// ABOUTME: Parses browser PublicKeyCredential JSON and hands typed records to the ceremony engine

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/store"
)

type beginRequest struct {
	Identity string `json:"identity"`
}

type finishRequest struct {
	Challenge protocol.URLEncodedBase64 `json:"challenge"`
	Response  json.RawMessage           `json:"response"`
}

type cancelRequest struct {
	Challenge protocol.URLEncodedBase64 `json:"challenge"`
}

type registerBeginResponse struct {
	Challenge protocol.URLEncodedBase64    `json:"challenge"`
	ExpiresAt time.Time                    `json:"expiresAt"`
	Options   *protocol.CredentialCreation `json:"options"`
}

type loginBeginResponse struct {
	Challenge protocol.URLEncodedBase64     `json:"challenge"`
	ExpiresAt time.Time                     `json:"expiresAt"`
	Options   *protocol.CredentialAssertion `json:"options"`
}

type sessionResponse struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token,omitempty"`
}

// currentSession returns the caller's live session or nil.
func (s *Server) currentSession(r *http.Request) *store.Session {
	token := sessionToken(r)
	if token == "" {
		return nil
	}
	sess, err := s.access.CurrentSession(r.Context(), token)
	if err != nil {
		return nil
	}
	return sess
}

// handleRegisterBegin handles POST /api/register/begin. A session cookie is
// needed only to add a passkey to an existing identity.
func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := decodeJSON(w, r, maxCeremonyBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	opts, err := s.engine.BeginRegistration(r.Context(), req.Identity, s.currentSession(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, registerBeginResponse{
		Challenge: opts.Challenge,
		ExpiresAt: opts.ExpiresAt,
		Options:   opts.PublicKey,
	})
}

// handleRegisterFinish handles POST /api/register/finish.
func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := decodeJSON(w, r, maxCeremonyBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		s.logger.Debug("failed to parse registration response", "error", err)
		s.writeError(w, fmt.Errorf("%w: %v", ceremony.ErrInvalidInput, err))
		return
	}

	raw := parsed.Raw
	result, err := s.engine.CompleteRegistration(r.Context(), &ceremony.Attestation{
		Challenge:         req.Challenge,
		CredentialID:      raw.RawID,
		ClientDataJSON:    raw.AttestationResponse.ClientDataJSON,
		AttestationObject: raw.AttestationResponse.AttestationObject,
		Transports:        raw.AttestationResponse.Transports,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"identity":    result.Identity,
		"newIdentity": result.NewIdentity,
	})
}

// handleLoginBegin handles POST /api/login/begin.
func (s *Server) handleLoginBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := decodeJSON(w, r, maxCeremonyBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	opts, err := s.engine.BeginAuthentication(r.Context(), req.Identity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, loginBeginResponse{
		Challenge: opts.Challenge,
		ExpiresAt: opts.ExpiresAt,
		Options:   opts.PublicKey,
	})
}

// handleLoginFinish handles POST /api/login/finish. On success the session
// token is set as a cookie and returned in the body for non-browser clients.
func (s *Server) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := decodeJSON(w, r, maxCeremonyBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		s.logger.Debug("failed to parse login response", "error", err)
		s.writeError(w, fmt.Errorf("%w: %v", ceremony.ErrInvalidInput, err))
		return
	}

	raw := parsed.Raw
	result, err := s.engine.CompleteAuthentication(r.Context(), &ceremony.Assertion{
		Challenge:         req.Challenge,
		CredentialID:      raw.RawID,
		ClientDataJSON:    raw.AssertionResponse.ClientDataJSON,
		AuthenticatorData: raw.AssertionResponse.AuthenticatorData,
		Signature:         raw.AssertionResponse.Signature,
		UserHandle:        raw.AssertionResponse.UserHandle,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    result.Session.Token,
		Path:     "/",
		Expires:  result.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, sessionResponse{
		Identity:  result.Identity,
		ExpiresAt: result.Session.ExpiresAt,
		Token:     result.Session.Token,
	})
}

// handleCancel handles POST /api/ceremony/cancel. It reports success whether
// or not the challenge was still outstanding.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, maxCeremonyBody, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Cancel(r.Context(), req.Challenge); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout handles POST /api/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.access.Logout(r.Context(), sessionToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleSession handles GET /api/session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.access.CurrentSession(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Identity: sess.Identity, ExpiresAt: sess.ExpiresAt})
}
