package access

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/passkeytest"
	"github.com/2389/coven-locker/internal/store"
	"github.com/2389/coven-locker/internal/vault"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   store.Store
	vault   *vault.Vault
	gateway *Gateway
	clock   *testClock
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(st, key, vault.WithClock(clock.Now), vault.WithAuditStore(st))
	require.NoError(t, err)
	g, err := New(st, v, time.Hour, WithClock(clock.Now), WithAuditStore(st))
	require.NoError(t, err)
	return &fixture{store: st, vault: v, gateway: g, clock: clock}
}

func TestNew(t *testing.T) {
	st := store.NewMockStore()
	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(st, key)
	require.NoError(t, err)

	g, err := New(st, v, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, g.TTL())

	for _, d := range []time.Duration{0, -time.Second} {
		g, err := New(st, v, time.Hour, WithSweepInterval(d))
		require.NoError(t, err)
		assert.Equal(t, DefaultSweepInterval, g.sweepInterval)
		g.Start(context.Background())
		g.Close()
	}

	_, err = New(st, v, -time.Second)
	assert.Error(t, err)
	_, err = New(nil, v, time.Hour)
	assert.Error(t, err)
}

func TestEstablish(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	s, err := f.gateway.Establish(ctx, "alice", []byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Identity)
	assert.Equal(t, f.clock.Now().Add(time.Hour), s.ExpiresAt)

	id, ok := HashToken(s.Token)
	require.True(t, ok)
	assert.Equal(t, id, s.ID)
	assert.NotEqual(t, s.Token, s.ID)

	stored, err := f.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Token, "token is never persisted")

	other, err := f.gateway.Establish(ctx, "alice", []byte("cred"))
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, other.Token)
}

func TestHashToken(t *testing.T) {
	for _, token := range []string{"", "short", "!!!not-base64!!!", "YWJj"} {
		_, ok := HashToken(token)
		assert.False(t, ok, token)
	}
}

func TestCurrentSession(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	s, err := f.gateway.Establish(ctx, "alice", nil)
	require.NoError(t, err)

	got, err := f.gateway.CurrentSession(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Identity)

	_, err = f.gateway.CurrentSession(ctx, "garbage")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	unknown, err := newFixture(t, store.NewMockStore()).gateway.Establish(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = f.gateway.CurrentSession(ctx, unknown.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	f.clock.Advance(time.Hour)
	_, err = f.gateway.CurrentSession(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Expired sessions are removed on sight.
	_, err = f.store.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.gateway.CurrentSession(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestRead(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	_, err := f.vault.Put(ctx, "box-1", []byte("alice only"), "alice")
	require.NoError(t, err)

	alice, err := f.gateway.Establish(ctx, "alice", nil)
	require.NoError(t, err)
	bob, err := f.gateway.Establish(ctx, "bob", nil)
	require.NoError(t, err)

	got, err := f.gateway.Read(ctx, alice.Token, "box-1")
	require.NoError(t, err)
	assert.Equal(t, "alice only", string(got))

	_, err = f.gateway.Read(ctx, bob.Token, "box-1")
	assert.ErrorIs(t, err, vault.ErrForbidden)

	_, err = f.gateway.Read(ctx, "", "box-1")
	assert.ErrorIs(t, err, vault.ErrUnauthenticated)

	_, err = f.gateway.Read(ctx, alice.Token, "missing")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	f.clock.Advance(2 * time.Hour)
	_, err = f.gateway.Read(ctx, alice.Token, "box-1")
	assert.ErrorIs(t, err, vault.ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	s, err := f.gateway.Establish(ctx, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, f.gateway.Logout(ctx, s.Token))
	_, err = f.gateway.CurrentSession(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	// Repeated and malformed logouts are harmless.
	assert.NoError(t, f.gateway.Logout(ctx, s.Token))
	assert.NoError(t, f.gateway.Logout(ctx, "garbage"))

	action := store.AuditLogout
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	_, err := f.gateway.Establish(ctx, "alice", nil)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	live, err := f.gateway.Establish(ctx, "bob", nil)
	require.NoError(t, err)
	f.clock.Advance(45 * time.Minute)

	n, err := f.gateway.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.gateway.CurrentSession(ctx, live.Token)
	assert.NoError(t, err)
}

func TestStartClose(t *testing.T) {
	st := store.NewMockStore()
	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(st, key)
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now.Add(2 * time.Hour) }
	g, err := New(st, v, time.Hour, WithSweepInterval(5*time.Millisecond))
	require.NoError(t, err)

	s, err := g.Establish(context.Background(), "alice", nil)
	require.NoError(t, err)
	g.now = clock

	g.Start(context.Background())
	g.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, err := st.GetSession(context.Background(), s.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	g.Close()
	g.Close()
}

// Registers alice and bob with real passkeys, seals box-1 for alice and
// checks bob's authenticated session cannot open it.
func TestScenario_OutOfScopeRead(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "locker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := newFixture(t, st)
	l, err := ledger.New(st, 0, ledger.WithClock(f.clock.Now))
	require.NoError(t, err)
	engine, err := ceremony.New(ceremony.Config{
		RPID:    "locker.example.com",
		Origins: []string{"https://locker.example.com"},
	}, st, l, f.gateway, ceremony.WithClock(f.clock.Now))
	require.NoError(t, err)

	enroll := func(name string) *passkeytest.Authenticator {
		a := passkeytest.New("locker.example.com", "https://locker.example.com")
		opts, err := engine.BeginRegistration(ctx, name, nil)
		require.NoError(t, err)
		reg := a.Register(opts.Challenge)
		_, err = engine.CompleteRegistration(ctx, &ceremony.Attestation{
			Challenge:         opts.Challenge,
			CredentialID:      reg.CredentialID,
			ClientDataJSON:    reg.ClientDataJSON,
			AttestationObject: reg.AttestationObject,
		})
		require.NoError(t, err)
		return a
	}
	login := func(name string, a *passkeytest.Authenticator) *store.Session {
		opts, err := engine.BeginAuthentication(ctx, name)
		require.NoError(t, err)
		res := a.Login(opts.Challenge, nil)
		out, err := engine.CompleteAuthentication(ctx, &ceremony.Assertion{
			Challenge:         opts.Challenge,
			CredentialID:      res.CredentialID,
			ClientDataJSON:    res.ClientDataJSON,
			AuthenticatorData: res.AuthenticatorData,
			Signature:         res.Signature,
		})
		require.NoError(t, err)
		return out.Session
	}

	aliceKey := enroll("alice")
	bobKey := enroll("bob")

	_, err = f.vault.Put(ctx, "box-1", []byte("alice's notes"), "alice")
	require.NoError(t, err)

	bob := login("bob", bobKey)
	_, err = f.gateway.Read(ctx, bob.Token, "box-1")
	assert.ErrorIs(t, err, vault.ErrForbidden)

	alice := login("alice", aliceKey)
	got, err := f.gateway.Read(ctx, alice.Token, "box-1")
	require.NoError(t, err)
	assert.Equal(t, "alice's notes", string(got))

	// The session outlives neither its ttl nor a logout.
	require.NoError(t, f.gateway.Logout(ctx, alice.Token))
	_, err = f.gateway.Read(ctx, alice.Token, "box-1")
	assert.ErrorIs(t, err, vault.ErrUnauthenticated)
}
