// ABOUTME: Content vault sealing containers with XChaCha20-Poly1305 under per-container keys
// ABOUTME: Reads are gated on an authenticated session and the container's identity scope

package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/store"
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = 32

const (
	secretSize    = 32
	formatVersion = 1
	keyInfo       = "coven-locker.container.v1"
)

var (
	ErrInvalidContainerID = errors.New("invalid container id")
	ErrInvalidScope       = errors.New("invalid container scope")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("container not found")
	ErrIntegrityViolation = errors.New("container integrity violation")
)

var containerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)

// ValidateContainerID reports whether id is usable as a container id. Ids
// are URL-safe so they can be embedded in viewer links unchanged.
func ValidateContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidContainerID, id)
	}
	return nil
}

// Vault seals and opens container content.
type Vault struct {
	containers store.ContainerStore
	audit      store.AuditStore
	masterKey  []byte
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock replaces time.Now for session expiry checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithAuditStore records integrity violations and writes to audit.
func WithAuditStore(audit store.AuditStore) Option {
	return func(v *Vault) { v.audit = audit }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// New returns a vault over containers. masterKey must be MasterKeySize bytes.
func New(containers store.ContainerStore, masterKey []byte, opts ...Option) (*Vault, error) {
	if containers == nil {
		return nil, errors.New("container store is required")
	}
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	v := &Vault{
		containers: containers,
		masterKey:  append([]byte(nil), masterKey...),
		now:        time.Now,
		logger:     slog.Default().With("component", "vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}

// DecodeMasterKey parses a master key written as standard base64 or hex.
func DecodeMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	return nil, fmt.Errorf("master key must be %d bytes encoded as base64 or hex", MasterKeySize)
}

// Put seals plaintext into the container id, replacing any previous
// content. An empty scope lets any authenticated identity read it.
func (v *Vault) Put(ctx context.Context, id string, plaintext []byte, scope string) (*store.ContainerInfo, error) {
	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}
	if scope != "" {
		if err := ceremony.ValidateIdentity(scope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating container secret: %w", err)
	}
	aead, err := v.cipher(secret, id)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, additionalData(id, scope))
	split := len(sealed) - aead.Overhead()

	now := v.now().UTC()
	c := &store.Container{
		ID:         id,
		Scope:      scope,
		Secret:     secret,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := v.containers.PutContainer(ctx, c); err != nil {
		return nil, fmt.Errorf("storing container: %w", err)
	}

	v.logger.Info("container sealed", "id", id, "scope", scope, "size", len(plaintext))
	v.recordAudit(ctx, &store.AuditEntry{
		Actor:      actorFrom(ctx),
		Action:     store.AuditPutContainer,
		TargetType: "container",
		TargetID:   id,
		Detail:     map[string]any{"scope": scope},
	})

	return &store.ContainerInfo{
		ID:        id,
		Scope:     scope,
		Size:      len(c.Ciphertext),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

// Get opens the container for the holder of session. Checks run in order:
// session, existence, scope, integrity.
func (v *Vault) Get(ctx context.Context, id string, session *store.Session) ([]byte, error) {
	if session == nil || session.Expired(v.now()) {
		return nil, ErrUnauthenticated
	}
	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}

	c, err := v.containers.GetContainer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading container: %w", err)
	}

	if c.Scope != "" && c.Scope != session.Identity {
		v.logger.Info("container read denied", "id", id, "identity", session.Identity)
		return nil, ErrForbidden
	}

	plaintext, err := v.open(c)
	if err != nil {
		v.logger.Warn("container failed authentication", "id", id, "identity", session.Identity, "error", err)
		v.recordAudit(ctx, &store.AuditEntry{
			Actor:      session.Identity,
			Action:     store.AuditIntegrityViolation,
			TargetType: "container",
			TargetID:   id,
		})
		return nil, ErrIntegrityViolation
	}
	return plaintext, nil
}

// Delete removes a container.
func (v *Vault) Delete(ctx context.Context, id string) error {
	if err := ValidateContainerID(id); err != nil {
		return err
	}
	err := v.containers.DeleteContainer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting container: %w", err)
	}
	v.recordAudit(ctx, &store.AuditEntry{
		Actor:      actorFrom(ctx),
		Action:     store.AuditDeleteContainer,
		TargetType: "container",
		TargetID:   id,
	})
	return nil
}

// List returns metadata for every container.
func (v *Vault) List(ctx context.Context) ([]*store.ContainerInfo, error) {
	infos, err := v.containers.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return infos, nil
}

func (v *Vault) open(c *store.Container) ([]byte, error) {
	aead, err := v.cipher(c.Secret, c.ID)
	if err != nil {
		return nil, err
	}
	if len(c.Nonce) != aead.NonceSize() || len(c.Tag) != aead.Overhead() {
		return nil, errors.New("malformed sealed record")
	}
	sealed := make([]byte, 0, len(c.Ciphertext)+len(c.Tag))
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.Tag...)
	return aead.Open(nil, c.Nonce, sealed, additionalData(c.ID, c.Scope))
}

// cipher derives the container key from the master key and the container's
// secret. The key never depends on the public id alone.
func (v *Vault) cipher(secret []byte, id string) (cipher.AEAD, error) {
	if len(secret) != secretSize {
		return nil, errors.New("malformed container secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, v.masterKey, secret, []byte(keyInfo+"\x00"+id))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving container key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// additionalData binds the format version, container id and scope to the
// ciphertext.
func additionalData(id, scope string) []byte {
	ad := make([]byte, 0, 1+2+len(id)+len(scope))
	ad = append(ad, formatVersion)
	ad = binary.BigEndian.AppendUint16(ad, uint16(len(id)))
	ad = append(ad, id...)
	ad = append(ad, scope...)
	return ad
}

type actorKey struct{}

// ActorContext attaches the name recorded as the actor of writes made with ctx.
func ActorContext(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "admin"
}

func (v *Vault) recordAudit(ctx context.Context, entry *store.AuditEntry) {
	if v.audit == nil {
		return
	}
	if err := v.audit.AppendAuditLog(ctx, entry); err != nil {
		v.logger.Error("failed to append audit log", "action", entry.Action, "error", err)
	}
}
