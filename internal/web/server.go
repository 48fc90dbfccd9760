// ABOUTME: HTTP transport for passkey ceremonies, session management and container reads
// ABOUTME: JSON API on a method-pattern ServeMux plus the viewer page and QR downloads

package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-locker/internal/access"
	"github.com/2389/coven-locker/internal/auth"
	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/vault"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "locker_session"

const (
	maxCeremonyBody = 64 << 10
	maxContentBody  = 1 << 20
)

// Config holds transport settings.
type Config struct {
	// BaseURL is the public URL embedded in QR labels.
	BaseURL string
	// SecureCookies marks the session cookie Secure; set when served over TLS.
	SecureCookies bool
}

// Server serves the locker HTTP API.
type Server struct {
	engine   *ceremony.Engine
	access   *access.Gateway
	vault    *vault.Vault
	verifier auth.TokenVerifier
	cfg      Config
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	logger   *slog.Logger
}

// New returns a server. A nil verifier disables the authoring routes.
func New(engine *ceremony.Engine, gw *access.Gateway, v *vault.Vault, verifier auth.TokenVerifier, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		access:   gw,
		vault:    v,
		verifier: verifier,
		cfg:      cfg,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:   bluemonday.UGCPolicy(),
		logger:   logger.With("component", "web"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/register/begin", s.handleRegisterBegin)
	mux.HandleFunc("POST /api/register/finish", s.handleRegisterFinish)
	mux.HandleFunc("POST /api/login/begin", s.handleLoginBegin)
	mux.HandleFunc("POST /api/login/finish", s.handleLoginFinish)
	mux.HandleFunc("POST /api/ceremony/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session", s.handleSession)

	mux.HandleFunc("GET /api/containers/{id}", s.handleReadContainer)
	mux.HandleFunc("GET /containers/{id}/qr.png", s.handleQR)
	mux.HandleFunc("GET /view", s.handleView)

	if s.verifier != nil {
		authoring := func(h http.HandlerFunc) http.Handler {
			return auth.HTTPAuthMiddleware(s.verifier)(auth.RequireRole(auth.RoleAdmin, auth.RoleAuthor)(h))
		}
		mux.Handle("GET /api/admin/containers", authoring(s.handleListContainers))
		mux.Handle("PUT /api/admin/containers/{id}", authoring(s.handlePutContainer))
		mux.Handle("DELETE /api/admin/containers/{id}", authoring(s.handleDeleteContainer))
	}

	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionToken returns the bearer token or the session cookie value.
func sessionToken(r *http.Request) string {
	if token, errMsg := auth.BearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields and
// trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
