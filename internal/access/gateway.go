// ABOUTME: Access gateway issuing bearer sessions after authentication and authorizing vault reads
// ABOUTME: Tokens are 256-bit random values; only their SHA-256 is persisted

package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-locker/internal/store"
	"github.com/2389/coven-locker/internal/vault"
)

// TokenSize is the number of random bytes in a session token.
const TokenSize = 32

// DefaultSessionTTL is used when New is given a zero ttl.
const DefaultSessionTTL = 12 * time.Hour

// DefaultSweepInterval is used when no positive sweep interval is set.
const DefaultSweepInterval = 10 * time.Minute

var (
	// ErrSessionInvalid is returned for malformed or unknown tokens.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionExpired is returned for tokens whose session has expired.
	ErrSessionExpired = errors.New("session expired")
)

// ContentReader opens a container for a session.
type ContentReader interface {
	Get(ctx context.Context, id string, session *store.Session) ([]byte, error)
}

// Gateway owns session issuance and authorized reads.
type Gateway struct {
	sessions      store.SessionStore
	content       ContentReader
	audit         store.AuditStore
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces time.Now for issuance and expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithAuditStore records logouts to audit.
func WithAuditStore(audit store.AuditStore) Option {
	return func(g *Gateway) { g.audit = audit }
}

// WithSweepInterval sets how often expired sessions are purged by Start.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gateway) { g.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New returns a gateway issuing sessions valid for ttl.
func New(sessions store.SessionStore, content ContentReader, ttl time.Duration, opts ...Option) (*Gateway, error) {
	if sessions == nil || content == nil {
		return nil, errors.New("session store and content reader are required")
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	g := &Gateway{
		sessions:      sessions,
		content:       content,
		ttl:           ttl,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default().With("component", "access"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sweepInterval <= 0 {
		g.sweepInterval = DefaultSweepInterval
	}
	return g, nil
}

// TTL returns the session lifetime.
func (g *Gateway) TTL() time.Duration {
	return g.ttl
}

// HashToken returns the session id for a bearer token, or false when the
// token is not a well-formed session token.
func HashToken(token string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != TokenSize {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), true
}

// Establish creates a session for identity. The returned session carries
// the bearer token; it is not recoverable afterwards.
func (g *Gateway) Establish(ctx context.Context, identity string, credentialID []byte) (*store.Session, error) {
	raw := make([]byte, TokenSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	id, _ := HashToken(token)

	now := g.now().UTC()
	s := &store.Session{
		ID:           id,
		Token:        token,
		Identity:     identity,
		CredentialID: credentialID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.ttl),
	}
	if err := g.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	g.logger.Info("session established", "identity", identity, "expires_at", s.ExpiresAt)
	return s, nil
}

// CurrentSession resolves a bearer token. Expired sessions are deleted when
// they are seen.
func (g *Gateway) CurrentSession(ctx context.Context, token string) (*store.Session, error) {
	id, ok := HashToken(token)
	if !ok {
		return nil, ErrSessionInvalid
	}

	s, err := g.sessions.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if s.Expired(g.now()) {
		if err := g.sessions.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("failed to delete expired session", "identity", s.Identity, "error", err)
		}
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Read returns the plaintext of containerID for the holder of token. Any
// session failure is reported as vault.ErrUnauthenticated.
func (g *Gateway) Read(ctx context.Context, token, containerID string) ([]byte, error) {
	s, err := g.CurrentSession(ctx, token)
	if errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSessionExpired) {
		return nil, fmt.Errorf("%w: %w", vault.ErrUnauthenticated, err)
	}
	if err != nil {
		return nil, err
	}
	return g.content.Get(ctx, containerID, s)
}

// Logout ends the session for token. Unknown tokens are not an error.
func (g *Gateway) Logout(ctx context.Context, token string) error {
	id, ok := HashToken(token)
	if !ok {
		return nil
	}
	s, err := g.sessions.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if err := g.sessions.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}

	if g.audit != nil {
		if err := g.audit.AppendAuditLog(ctx, &store.AuditEntry{
			Actor:      s.Identity,
			Action:     store.AuditLogout,
			TargetType: "session",
			TargetID:   id[:16],
		}); err != nil {
			g.logger.Error("failed to append audit log", "action", store.AuditLogout, "error", err)
		}
	}
	g.logger.Info("session ended", "identity", s.Identity)
	return nil
}

// Sweep deletes expired sessions.
func (g *Gateway) Sweep(ctx context.Context) (int64, error) {
	n, err := g.sessions.DeleteExpiredSessions(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	if n > 0 {
		g.logger.Debug("swept expired sessions", "count", n)
	}
	return n, nil
}

// Start runs the background sweep loop until ctx is cancelled or Close is
// called.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(g.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := g.Sweep(ctx); err != nil && ctx.Err() == nil {
					g.logger.Warn("session sweep failed", "error", err)
				}
			}
		}
	}(g.done)
}

// Close stops the sweep loop.
func (g *Gateway) Close() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
