// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same atomicity guarantees

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.Mutex
	identities  map[string]*Identity   // keyed by name
	credentials map[string]*Credential // keyed by string(credential id)
	challenges  map[string]*Challenge  // keyed by string(nonce)
	sessions    map[string]*Session    // keyed by session ID
	containers  map[string]*Container  // keyed by container ID
	audit       []*AuditEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		identities:  make(map[string]*Identity),
		credentials: make(map[string]*Credential),
		challenges:  make(map[string]*Challenge),
		sessions:    make(map[string]*Session),
		containers:  make(map[string]*Container),
	}
}

// RegisterIdentity stores an identity and its first credential.
func (m *MockStore) RegisterIdentity(ctx context.Context, identity *Identity, cred *Credential) error {
	if cred.Identity != identity.Name {
		return fmt.Errorf("credential identity %q does not match %q", cred.Identity, identity.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[identity.Name]; ok {
		return ErrIdentityExists
	}
	if _, ok := m.credentials[string(cred.CredentialID)]; ok {
		return ErrCredentialExists
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	id := *identity
	m.identities[id.Name] = &id
	m.putCredentialLocked(cred)
	return nil
}

// EnrollCredential adds a credential to an existing identity.
func (m *MockStore) EnrollCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[cred.Identity]; !ok {
		return ErrNotFound
	}
	if _, ok := m.credentials[string(cred.CredentialID)]; ok {
		return ErrCredentialExists
	}
	m.putCredentialLocked(cred)
	return nil
}

func (m *MockStore) putCredentialLocked(cred *Credential) {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	c := copyCredential(cred)
	m.credentials[string(c.CredentialID)] = c
}

// GetIdentity retrieves an identity by name.
func (m *MockStore) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *id
	return &result, nil
}

// GetCredentialsByIdentity returns all credentials for an identity, oldest first.
func (m *MockStore) GetCredentialsByIdentity(ctx context.Context, identity string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds := []*Credential{}
	for _, c := range m.credentials {
		if c.Identity == identity {
			creds = append(creds, copyCredential(c))
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].ID < creds[j].ID
		}
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

// GetCredentialByCredentialID looks up a credential by its authenticator id.
func (m *MockStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[string(credentialID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(c), nil
}

// RecordCredentialUse advances the counter only when signCount is greater.
func (m *MockStore) RecordCredentialUse(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[string(credentialID)]
	if !ok {
		return ErrNotFound
	}
	if signCount <= c.SignCount {
		return ErrStaleSignCount
	}
	c.SignCount = signCount
	t := usedAt
	c.LastUsedAt = &t
	return nil
}

// PutChallenge stores an outstanding challenge.
func (m *MockStore) PutChallenge(ctx context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(c.Nonce)
	if _, ok := m.challenges[key]; ok {
		return fmt.Errorf("inserting challenge: duplicate nonce")
	}
	ch := *c
	ch.Nonce = bytes.Clone(c.Nonce)
	ch.UserHandle = bytes.Clone(c.UserHandle)
	m.challenges[key] = &ch
	return nil
}

// TakeChallenge removes and returns a challenge.
func (m *MockStore) TakeChallenge(ctx context.Context, nonce []byte) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[string(nonce)]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.challenges, string(nonce))
	return c, nil
}

// DeleteChallenge removes a challenge if present.
func (m *MockStore) DeleteChallenge(ctx context.Context, nonce []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, string(nonce))
	return nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (m *MockStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, c := range m.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(m.challenges, k)
			n++
		}
	}
	return n, nil
}

// CreateSession stores a new session without its token.
func (m *MockStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("inserting session: duplicate id")
	}
	sess := *s
	sess.Token = ""
	sess.CredentialID = bytes.Clone(s.CredentialID)
	m.sessions[sess.ID] = &sess
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

// PutContainer inserts or replaces a container.
func (m *MockStore) PutContainer(ctx context.Context, c *Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := copyContainer(c)
	if existing, ok := m.containers[c.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	m.containers[c.ID] = stored
	return nil
}

// GetContainer retrieves a container by ID.
func (m *MockStore) GetContainer(ctx context.Context, id string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContainer(c), nil
}

// ListContainers returns metadata for all containers ordered by ID.
func (m *MockStore) ListContainers(ctx context.Context) ([]*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := []*ContainerInfo{}
	for _, c := range m.containers {
		infos = append(infos, &ContainerInfo{
			ID:        c.ID,
			Scope:     c.Scope,
			Size:      len(c.Ciphertext),
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// DeleteContainer removes a container.
func (m *MockStore) DeleteContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[id]; !ok {
		return ErrNotFound
	}
	delete(m.containers, id)
	return nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	entry := *e
	m.audit = append(m.audit, &entry)
	return nil
}

// ListAuditLog returns entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := normalizeAuditLimit(filter.Limit)
	var result []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.audit[i]
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Action != nil && e.Action != *filter.Action {
			continue
		}
		if filter.Actor != nil && e.Actor != *filter.Actor {
			continue
		}
		entry := *e
		result = append(result, &entry)
	}
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyCredential(c *Credential) *Credential {
	result := *c
	result.CredentialID = bytes.Clone(c.CredentialID)
	result.PublicKey = bytes.Clone(c.PublicKey)
	if c.Transports != nil {
		result.Transports = append([]string(nil), c.Transports...)
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		result.LastUsedAt = &t
	}
	return &result
}

func copyContainer(c *Container) *Container {
	result := *c
	result.Secret = bytes.Clone(c.Secret)
	result.Nonce = bytes.Clone(c.Nonce)
	result.Ciphertext = bytes.Clone(c.Ciphertext)
	result.Tag = bytes.Clone(c.Tag)
	return &result
}
