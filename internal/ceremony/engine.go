// ABOUTME: Passkey ceremony engine coordinating the credential store and challenge ledger
// ABOUTME: Builds WebAuthn options on begin and verifies attestations and assertions on complete

package ceremony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/store"
)

// MaxIdentityLength bounds identity names in bytes.
const MaxIdentityLength = 64

// userHandleSize is the length of generated WebAuthn user handles.
const userHandleSize = 32

// SupportedAlgorithms lists the COSE algorithms accepted for new
// credentials, in order of preference.
var SupportedAlgorithms = []webauthncose.COSEAlgorithmIdentifier{
	webauthncose.AlgES256,
	webauthncose.AlgEdDSA,
	webauthncose.AlgRS256,
}

// SessionIssuer creates a session for an identity once authentication has
// completed.
type SessionIssuer interface {
	Establish(ctx context.Context, identity string, credentialID []byte) (*store.Session, error)
}

// Config holds relying party settings and the identity enumeration policy.
type Config struct {
	RPID          string
	RPDisplayName string
	Origins       []string

	// ConcealUnknownIdentities makes BeginAuthentication answer unknown
	// identities with a decoy challenge instead of ErrUnknownIdentity.
	ConcealUnknownIdentities bool
	// DecoyKey keys the decoy credential ids. Required when concealing.
	DecoyKey []byte
}

// Engine runs registration and authentication ceremonies.
type Engine struct {
	rpID          string
	rpDisplayName string
	rpIDHash      [32]byte
	origins       map[string]struct{}
	conceal       bool
	decoyKey      []byte

	creds    store.CredentialStore
	ledger   *ledger.Ledger
	sessions SessionIssuer
	audit    store.AuditStore
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for timestamps recorded by the engine.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAuditStore records security events to audit.
func WithAuditStore(audit store.AuditStore) Option {
	return func(e *Engine) { e.audit = audit }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New validates cfg and returns an engine.
func New(cfg Config, creds store.CredentialStore, l *ledger.Ledger, sessions SessionIssuer, opts ...Option) (*Engine, error) {
	if creds == nil || l == nil || sessions == nil {
		return nil, errors.New("credential store, ledger and session issuer are required")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "coven locker"
	}

	// webauthn.New accepts an empty relying party id, which would hash to a
	// value no authenticator ever signs.
	if strings.TrimSpace(cfg.RPID) == "" {
		return nil, errors.New("invalid relying party config: rp id is required")
	}
	w, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid relying party config: %w", err)
	}
	if cfg.ConcealUnknownIdentities && len(cfg.DecoyKey) < 16 {
		return nil, errors.New("decoy key of at least 16 bytes required to conceal unknown identities")
	}

	e := &Engine{
		rpID:          w.Config.RPID,
		rpDisplayName: w.Config.RPDisplayName,
		rpIDHash:      sha256.Sum256([]byte(w.Config.RPID)),
		origins:       make(map[string]struct{}, len(w.Config.RPOrigins)),
		conceal:       cfg.ConcealUnknownIdentities,
		decoyKey:      cfg.DecoyKey,
		creds:         creds,
		ledger:        l,
		sessions:      sessions,
		now:           time.Now,
		logger:        slog.Default().With("component", "ceremony"),
	}
	for _, o := range w.Config.RPOrigins {
		e.origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RPID returns the relying party identifier.
func (e *Engine) RPID() string {
	return e.rpID
}

// DeriveRelyingParty extracts the relying party id and acceptable origins
// from a public base URL. Empty or unparseable URLs yield localhost defaults.
func DeriveRelyingParty(baseURL string) (rpID string, origins []string) {
	rpID = "localhost"
	origins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, origins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Hostname() == "" {
		return rpID, origins
	}

	rpID = parsed.Hostname()
	origins = []string{parsed.Scheme + "://" + parsed.Host}
	if parsed.Hostname() == "localhost" {
		// Local development serves both schemes.
		if parsed.Scheme == "https" {
			origins = append(origins, "http://"+parsed.Host)
		} else {
			origins = append(origins, "https://"+parsed.Host)
		}
	}
	return rpID, origins
}

// ValidateIdentity checks an identity name: non-empty, at most
// MaxIdentityLength bytes of valid UTF-8, no control characters and no
// surrounding whitespace.
func ValidateIdentity(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	case len(name) > MaxIdentityLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxIdentityLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidIdentity)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidIdentity)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", ErrInvalidIdentity)
		}
	}
	return nil
}

// decoyCredentialID derives a stable fake credential id for an unknown
// identity, so repeated probes see the same allow list.
func (e *Engine) decoyCredentialID(identity string) []byte {
	mac := hmac.New(sha256.New, e.decoyKey)
	mac.Write([]byte("decoy-credential\x00"))
	mac.Write([]byte(identity))
	return mac.Sum(nil)[:16]
}

// Cancel abandons an in-flight ceremony by discarding its challenge. Unknown
// and already consumed challenges are ignored.
func (e *Engine) Cancel(ctx context.Context, challenge []byte) error {
	if len(challenge) != ledger.NonceSize {
		return fmt.Errorf("%w: challenge must be %d bytes", ErrInvalidInput, ledger.NonceSize)
	}
	if err := e.ledger.Cancel(ctx, challenge); err != nil {
		return fmt.Errorf("cancelling ceremony: %w", err)
	}
	e.logger.Debug("ceremony cancelled")
	return nil
}

func (e *Engine) timeoutMillis() int {
	return int(e.ledger.TTL() / time.Millisecond)
}

func (e *Engine) recordAudit(ctx context.Context, entry *store.AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendAuditLog(ctx, entry); err != nil {
		e.logger.Error("failed to append audit log", "action", entry.Action, "error", err)
	}
}
