package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-locker/internal/store"
)

var testMasterKey = bytes.Repeat([]byte{0x42}, MasterKeySize)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestVault(t *testing.T, st store.Store) *Vault {
	t.Helper()
	v, err := New(st, testMasterKey, WithClock(func() time.Time { return testNow }), WithAuditStore(st))
	require.NoError(t, err)
	return v
}

func sessionFor(identity string) *store.Session {
	return &store.Session{ID: "s-" + identity, Identity: identity, ExpiresAt: testNow.Add(time.Hour)}
}

func TestNew_MasterKeyLength(t *testing.T) {
	_, err := New(store.NewMockStore(), []byte("short"))
	assert.Error(t, err)
	_, err = New(nil, testMasterKey)
	assert.Error(t, err)
}

func TestDecodeMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	got, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = DecodeMasterKey(" " + hex.EncodeToString(key) + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecodeMasterKey("c2hvcnQ=")
	assert.Error(t, err)
}

func TestValidateContainerID(t *testing.T) {
	valid := []string{"box-1", "A.b_c~d", strings.Repeat("x", 128)}
	for _, id := range valid {
		assert.NoError(t, ValidateContainerID(id), id)
	}
	invalid := []string{"", "has space", "slash/y", "q?x", "ünï", strings.Repeat("x", 129)}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateContainerID(id), ErrInvalidContainerID, id)
	}
}

func TestPutGet(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) store.Store
	}{
		{"mock", func(t *testing.T) store.Store { return store.NewMockStore() }},
		{"sqlite", func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "vault.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := tt.open(t)
			v := newTestVault(t, st)

			info, err := v.Put(ctx, "box-1", []byte("# Hello\nsecret notes"), "alice")
			require.NoError(t, err)
			assert.Equal(t, "box-1", info.ID)
			assert.Equal(t, "alice", info.Scope)

			got, err := v.Get(ctx, "box-1", sessionFor("alice"))
			require.NoError(t, err)
			assert.Equal(t, "# Hello\nsecret notes", string(got))

			// Nothing readable is persisted.
			raw, err := st.GetContainer(ctx, "box-1")
			require.NoError(t, err)
			assert.NotContains(t, string(raw.Ciphertext), "secret")
			assert.Len(t, raw.Nonce, 24)
			assert.Len(t, raw.Tag, 16)
			assert.Len(t, raw.Secret, secretSize)
		})
	}
}

func TestPut_EmptyPlaintextAndInvalidInput(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, store.NewMockStore())

	_, err := v.Put(ctx, "empty", nil, "")
	require.NoError(t, err)
	got, err := v.Get(ctx, "empty", sessionFor("anyone"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = v.Put(ctx, "bad id", []byte("x"), "")
	assert.ErrorIs(t, err, ErrInvalidContainerID)

	_, err = v.Put(ctx, "box", []byte("x"), " alice")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestPut_OverwriteRotatesKeyMaterial(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	v := newTestVault(t, st)

	_, err := v.Put(ctx, "box", []byte("same"), "")
	require.NoError(t, err)
	first, err := st.GetContainer(ctx, "box")
	require.NoError(t, err)

	_, err = v.Put(ctx, "box", []byte("same"), "")
	require.NoError(t, err)
	second, err := st.GetContainer(ctx, "box")
	require.NoError(t, err)

	assert.NotEqual(t, first.Secret, second.Secret)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestGet_CheckOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	v := newTestVault(t, st)

	_, err := v.Put(ctx, "box-1", []byte("for alice"), "alice")
	require.NoError(t, err)
	_, err = v.Put(ctx, "shared", []byte("for everyone"), "")
	require.NoError(t, err)

	expired := &store.Session{ID: "e", Identity: "alice", ExpiresAt: testNow}

	tests := []struct {
		name    string
		id      string
		session *store.Session
		wantErr error
		want    string
	}{
		{"no session on missing container", "nope", nil, ErrUnauthenticated, ""},
		{"expired session", "box-1", expired, ErrUnauthenticated, ""},
		{"missing container", "nope", sessionFor("bob"), ErrNotFound, ""},
		{"scope excludes identity", "box-1", sessionFor("bob"), ErrForbidden, ""},
		{"scope matches", "box-1", sessionFor("alice"), nil, "for alice"},
		{"unscoped", "shared", sessionFor("bob"), nil, "for everyone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Get(ctx, tt.id, tt.session)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestGet_IntegrityViolation(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(c *store.Container)
	}{
		{"ciphertext bit flip", func(c *store.Container) { c.Ciphertext[0] ^= 0x01 }},
		{"tag bit flip", func(c *store.Container) { c.Tag[3] ^= 0x80 }},
		{"scope widened", func(c *store.Container) { c.Scope = "" }},
		{"scope reassigned", func(c *store.Container) { c.Scope = "bob" }},
		{"secret replaced", func(c *store.Container) { c.Secret = bytes.Repeat([]byte{1}, secretSize) }},
		{"nonce truncated", func(c *store.Container) { c.Nonce = c.Nonce[:12] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMockStore()
			v := newTestVault(t, st)

			_, err := v.Put(ctx, "box-1", []byte("for alice"), "alice")
			require.NoError(t, err)

			c, err := st.GetContainer(ctx, "box-1")
			require.NoError(t, err)
			tt.tamper(c)
			require.NoError(t, st.PutContainer(ctx, c))

			reader := c.Scope
			if reader == "" {
				reader = "mallory"
			}
			_, err = v.Get(ctx, "box-1", sessionFor(reader))
			assert.ErrorIs(t, err, ErrIntegrityViolation)

			entries, err := st.ListAuditLog(ctx, store.AuditFilter{})
			require.NoError(t, err)
			var found bool
			for _, e := range entries {
				if e.Action == store.AuditIntegrityViolation && e.TargetID == "box-1" {
					found = true
				}
			}
			assert.True(t, found, "integrity violation audited")
		})
	}
}

func TestGet_RecordMovedToAnotherID(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	v := newTestVault(t, st)

	_, err := v.Put(ctx, "box-1", []byte("original"), "")
	require.NoError(t, err)
	c, err := st.GetContainer(ctx, "box-1")
	require.NoError(t, err)

	c.ID = "box-2"
	require.NoError(t, st.PutContainer(ctx, c))

	_, err = v.Get(ctx, "box-2", sessionFor("alice"))
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestGet_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	v := newTestVault(t, st)
	_, err := v.Put(ctx, "box", []byte("x"), "")
	require.NoError(t, err)

	other, err := New(st, bytes.Repeat([]byte{0x43}, MasterKeySize), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	_, err = other.Get(ctx, "box", sessionFor("alice"))
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestListDelete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	v := newTestVault(t, st)

	for _, id := range []string{"b", "a", "c"} {
		_, err := v.Put(ActorContext(ctx, "author"), id, []byte("content-"+id), "")
		require.NoError(t, err)
	}

	infos, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, len("content-a"), infos[0].Size)

	require.NoError(t, v.Delete(ctx, "b"))
	assert.ErrorIs(t, v.Delete(ctx, "b"), ErrNotFound)
	assert.ErrorIs(t, v.Delete(ctx, "no such"), ErrInvalidContainerID)

	_, err = v.Get(ctx, "b", sessionFor("alice"))
	assert.ErrorIs(t, err, ErrNotFound)

	action := store.AuditPutContainer
	entries, err := st.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "author", entries[0].Actor)
}
