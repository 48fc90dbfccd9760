// ABOUTME: Maps domain errors to HTTP statuses and stable error codes
// ABOUTME: Every error kind gets a distinct code so clients can tell them apart

package web

import (
	"errors"
	"net/http"

	"github.com/2389/coven-locker/internal/access"
	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/vault"
)

var errInvalidBody = errors.New("invalid request body")

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds is checked in order; the first match wins.
var errorKinds = []errorKind{
	{errInvalidBody, http.StatusBadRequest, "invalid_input"},
	{ceremony.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{vault.ErrInvalidContainerID, http.StatusBadRequest, "invalid_input"},
	{vault.ErrInvalidScope, http.StatusBadRequest, "invalid_input"},
	{ceremony.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid"},
	{ceremony.ErrPossibleCloneDetected, http.StatusForbidden, "possible_clone_detected"},
	{ceremony.ErrCeremonyFailed, http.StatusUnauthorized, "ceremony_failed"},
	{ceremony.ErrCredentialAlreadyRegistered, http.StatusConflict, "credential_already_registered"},
	{ceremony.ErrIdentityClaimed, http.StatusConflict, "identity_claimed"},
	{ceremony.ErrUnknownIdentity, http.StatusNotFound, "unknown_identity"},
	{vault.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{access.ErrSessionInvalid, http.StatusUnauthorized, "unauthenticated"},
	{access.ErrSessionExpired, http.StatusUnauthorized, "unauthenticated"},
	{vault.ErrForbidden, http.StatusForbidden, "forbidden"},
	{vault.ErrNotFound, http.StatusNotFound, "not_found"},
	{vault.ErrIntegrityViolation, http.StatusInternalServerError, "integrity_violation"},
}

// writeError writes {"error": code} for err. Unrecognised errors are logged
// and reported as internal.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			s.writeJSON(w, k.status, map[string]string{"error": k.code})
			return
		}
	}
	s.logger.Error("request failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
}
