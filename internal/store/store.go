// ABOUTME: Store interfaces and data types for coven-locker persistence
// ABOUTME: Defines identities, credentials, challenges, sessions and sealed containers

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrIdentityExists is returned when registering a name that is already taken
var ErrIdentityExists = errors.New("identity already exists")

// ErrCredentialExists is returned when a credential id is already enrolled
var ErrCredentialExists = errors.New("credential already exists")

// ErrStaleSignCount is returned when a reported signature counter does not
// advance past the stored one.
var ErrStaleSignCount = errors.New("signature counter did not advance")

// Challenge purposes.
const (
	PurposeRegistration   = "registration"
	PurposeAuthentication = "authentication"
)

// Identity is a named principal that owns one or more credentials.
type Identity struct {
	Name      string
	Handle    []byte // opaque WebAuthn user handle, never derived from Name
	CreatedAt time.Time
}

// Credential is a public key bound to an identity.
type Credential struct {
	ID              string // row id (UUID)
	Identity        string
	CredentialID    []byte // authenticator-issued id, globally unique
	PublicKey       []byte // COSE_Key encoding
	Algorithm       int64  // COSE algorithm identifier
	AttestationType string
	Transports      []string
	SignCount       uint32
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Challenge is an outstanding single-use ceremony nonce.
type Challenge struct {
	Nonce      []byte
	Purpose    string
	Identity   string
	SessionID  string // session that authorized an additional enrollment, if any
	UserHandle []byte // handle proposed to the authenticator for a new identity
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Session is the result of a completed authentication ceremony.
// ID is the SHA-256 of the bearer token; the token itself is never stored.
type Session struct {
	ID           string
	Token        string `json:"-"`
	Identity     string
	CredentialID []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Container is a sealed content record. Scope is an identity name, or empty
// when any authenticated identity may read it.
type Container struct {
	ID         string
	Scope      string
	Secret     []byte // per-container key derivation salt
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ContainerInfo is container metadata without key material or ciphertext.
type ContainerInfo struct {
	ID        string
	Scope     string
	Size      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CredentialStore holds identities and their credentials.
type CredentialStore interface {
	// RegisterIdentity atomically creates an identity with its first credential.
	RegisterIdentity(ctx context.Context, identity *Identity, cred *Credential) error
	// EnrollCredential adds a credential to an existing identity.
	EnrollCredential(ctx context.Context, cred *Credential) error
	GetIdentity(ctx context.Context, name string) (*Identity, error)
	// GetCredentialsByIdentity returns an empty slice for unknown identities.
	GetCredentialsByIdentity(ctx context.Context, identity string) ([]*Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)
	// RecordCredentialUse stores signCount only if it is strictly greater than
	// the stored counter; otherwise it returns ErrStaleSignCount.
	RecordCredentialUse(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error
}

// ChallengeStore persists outstanding challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c *Challenge) error
	// TakeChallenge removes and returns the challenge in one step.
	TakeChallenge(ctx context.Context, nonce []byte) (*Challenge, error)
	DeleteChallenge(ctx context.Context, nonce []byte) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore persists authenticated sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ContainerStore persists sealed containers.
type ContainerStore interface {
	// PutContainer inserts or replaces the container with the same ID.
	PutContainer(ctx context.Context, c *Container) error
	GetContainer(ctx context.Context, id string) (*Container, error)
	ListContainers(ctx context.Context) ([]*ContainerInfo, error)
	DeleteContainer(ctx context.Context, id string) error
}

// AuditStore records security-relevant events.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	CredentialStore
	ChallengeStore
	SessionStore
	ContainerStore
	AuditStore
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
