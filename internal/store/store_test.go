package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// eachStore runs fn against both the SQLite and mock implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func testIdentity(name string) *Identity {
	return &Identity{Name: name, Handle: []byte("handle-" + name)}
}

func testCredential(identity string, id string) *Credential {
	return &Credential{
		Identity:        identity,
		CredentialID:    []byte(id),
		PublicKey:       []byte("cose-key-" + id),
		Algorithm:       -7,
		AttestationType: "none",
		Transports:      []string{"internal", "hybrid"},
	}
}

func TestStore_RegisterIdentity(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		cred := testCredential("alice", "cred-1")
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), cred))
		assert.NotEmpty(t, cred.ID)

		id, err := s.GetIdentity(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("handle-alice"), id.Handle)

		creds, err := s.GetCredentialsByIdentity(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, []byte("cred-1"), creds[0].CredentialID)
		assert.Equal(t, int64(-7), creds[0].Algorithm)
		assert.Equal(t, []string{"internal", "hybrid"}, creds[0].Transports)
		assert.Equal(t, uint32(0), creds[0].SignCount)
		assert.Nil(t, creds[0].LastUsedAt)
	})
}

func TestStore_RegisterIdentity_Conflicts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))

		err := s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-2"))
		assert.ErrorIs(t, err, ErrIdentityExists)

		// A duplicate credential id rolls back the identity insert.
		err = s.RegisterIdentity(ctx, testIdentity("bob"), testCredential("bob", "cred-1"))
		assert.ErrorIs(t, err, ErrCredentialExists)

		_, err = s.GetIdentity(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_EnrollCredential(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))

		require.NoError(t, s.EnrollCredential(ctx, testCredential("alice", "cred-2")))

		creds, err := s.GetCredentialsByIdentity(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, creds, 2)

		assert.ErrorIs(t, s.EnrollCredential(ctx, testCredential("alice", "cred-2")), ErrCredentialExists)
		assert.ErrorIs(t, s.EnrollCredential(ctx, testCredential("nobody", "cred-3")), ErrNotFound)
	})
}

func TestStore_GetCredentials_Unknown(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		creds, err := s.GetCredentialsByIdentity(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, creds)

		_, err = s.GetCredentialByCredentialID(ctx, []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RecordCredentialUse(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))
		now := time.Now().UTC()

		require.NoError(t, s.RecordCredentialUse(ctx, []byte("cred-1"), 5, now))

		tests := []struct {
			name  string
			count uint32
			want  error
		}{
			{"equal counter", 5, ErrStaleSignCount},
			{"lower counter", 4, ErrStaleSignCount},
			{"zero counter", 0, ErrStaleSignCount},
			{"higher counter", 9, nil},
		}
		for _, tt := range tests {
			err := s.RecordCredentialUse(ctx, []byte("cred-1"), tt.count, now)
			if tt.want == nil {
				assert.NoError(t, err, tt.name)
			} else {
				assert.ErrorIs(t, err, tt.want, tt.name)
			}
		}

		cred, err := s.GetCredentialByCredentialID(ctx, []byte("cred-1"))
		require.NoError(t, err)
		assert.Equal(t, uint32(9), cred.SignCount)
		require.NotNil(t, cred.LastUsedAt)

		assert.ErrorIs(t, s.RecordCredentialUse(ctx, []byte("missing"), 1, now), ErrNotFound)
	})
}

func TestStore_RecordCredentialUse_Concurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- s.RecordCredentialUse(ctx, []byte("cred-1"), 1, time.Now())
			}()
		}
		wg.Wait()
		close(results)

		var ok, stale int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrStaleSignCount):
				stale++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, workers-1, stale)
	})
}

func TestStore_TakeChallenge(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		c := &Challenge{
			Nonce:     []byte("nonce-1"),
			Purpose:   PurposeAuthentication,
			Identity:  "alice",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Minute),
		}
		require.NoError(t, s.PutChallenge(ctx, c))

		got, err := s.TakeChallenge(ctx, []byte("nonce-1"))
		require.NoError(t, err)
		assert.Equal(t, PurposeAuthentication, got.Purpose)
		assert.Equal(t, "alice", got.Identity)
		assert.True(t, got.ExpiresAt.Equal(c.ExpiresAt))

		_, err = s.TakeChallenge(ctx, []byte("nonce-1"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_TakeChallenge_Concurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, s.PutChallenge(ctx, &Challenge{
			Nonce: []byte("race"), Purpose: PurposeRegistration, Identity: "alice",
			IssuedAt: now, ExpiresAt: now.Add(time.Minute),
		}))

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		taken := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.TakeChallenge(ctx, []byte("race")); err == nil {
					mu.Lock()
					taken++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, taken)
	})
}

func TestStore_DeleteExpiredChallenges(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		for i, ttl := range []time.Duration{-time.Second, time.Minute, -time.Minute} {
			require.NoError(t, s.PutChallenge(ctx, &Challenge{
				Nonce: []byte(fmt.Sprintf("n-%d", i)), Purpose: PurposeRegistration, Identity: "alice",
				IssuedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(ttl),
			}))
		}

		n, err := s.DeleteExpiredChallenges(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.TakeChallenge(ctx, []byte("n-1"))
		assert.NoError(t, err)
	})
}

func TestStore_Sessions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))
		now := time.Now().UTC()

		live := &Session{ID: "live", Token: "secret", Identity: "alice", CredentialID: []byte("cred-1"),
			CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		dead := &Session{ID: "dead", Identity: "alice", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
		require.NoError(t, s.CreateSession(ctx, live))
		require.NoError(t, s.CreateSession(ctx, dead))

		got, err := s.GetSession(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Identity)
		assert.Empty(t, got.Token)
		assert.False(t, got.Expired(now))

		n, err := s.DeleteExpiredSessions(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetSession(ctx, "dead")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteSession(ctx, "live"))
		_, err = s.GetSession(ctx, "live")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Containers(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		c := &Container{ID: "box-1", Scope: "alice", Secret: []byte("s"), Nonce: []byte("n"),
			Ciphertext: []byte("cipher"), Tag: []byte("tag")}
		require.NoError(t, s.PutContainer(ctx, c))

		got, err := s.GetContainer(ctx, "box-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Scope)
		assert.Equal(t, []byte("cipher"), got.Ciphertext)
		created := got.CreatedAt

		replacement := &Container{ID: "box-1", Scope: "", Secret: []byte("s2"), Nonce: []byte("n2"),
			Ciphertext: []byte("cipher-2"), Tag: []byte("tag2"), UpdatedAt: time.Now().Add(time.Second)}
		require.NoError(t, s.PutContainer(ctx, replacement))

		got, err = s.GetContainer(ctx, "box-1")
		require.NoError(t, err)
		assert.Equal(t, "", got.Scope)
		assert.Equal(t, []byte("cipher-2"), got.Ciphertext)
		assert.True(t, got.CreatedAt.Equal(created))

		require.NoError(t, s.PutContainer(ctx, &Container{ID: "a-first", Secret: []byte("s"), Nonce: []byte("n"),
			Ciphertext: []byte("x"), Tag: []byte("t")}))
		infos, err := s.ListContainers(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "a-first", infos[0].ID)
		assert.Equal(t, len("cipher-2"), infos[1].Size)

		require.NoError(t, s.DeleteContainer(ctx, "box-1"))
		assert.ErrorIs(t, s.DeleteContainer(ctx, "box-1"), ErrNotFound)
		_, err = s.GetContainer(ctx, "box-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AuditLog(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor: "alice", Action: AuditAuthenticate, TargetType: "identity", TargetID: "alice",
			Timestamp: base,
		}))
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor: "alice", Action: AuditCloneDetected, TargetType: "credential", TargetID: "cred-1",
			Timestamp: base.Add(time.Second), Detail: map[string]any{"stored": float64(5), "asserted": float64(5)},
		}))

		all, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, AuditCloneDetected, all[0].Action)
		assert.NotEmpty(t, all[0].ID)
		assert.Equal(t, float64(5), all[0].Detail["stored"])

		action := AuditAuthenticate
		filtered, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, "alice", filtered[0].TargetID)
	})
}

func TestNewSQLiteStoreWithDriver_Unsupported(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterIdentity(ctx, testIdentity("alice"), testCredential("alice", "cred-1")))
	require.NoError(t, s.Close())

	// Schema creation and migrations are idempotent.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	creds, err := s.GetCredentialsByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}
