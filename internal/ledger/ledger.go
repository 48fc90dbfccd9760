// ABOUTME: Challenge ledger issuing single-use, time-limited ceremony nonces
// ABOUTME: Consume removes the entry on every outcome and enforces expiry by timestamp

package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-locker/internal/store"
)

// NonceSize is the number of random bytes in every challenge nonce.
const NonceSize = 32

// TTL bounds accepted by New.
const (
	DefaultTTL = 90 * time.Second
	MinTTL     = 10 * time.Second
	MaxTTL     = 10 * time.Minute
)

var (
	// ErrNotFound is returned when a nonce is unknown or was already consumed.
	ErrNotFound = errors.New("challenge not found")
	// ErrExpired is returned when a nonce is consumed after its expiry.
	ErrExpired = errors.New("challenge expired")
)

// Ledger tracks outstanding ceremony challenges.
type Ledger struct {
	backend       store.ChallengeStore
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSweepInterval sets how often Start's background loop removes expired
// entries. Defaults to the TTL.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) { l.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over backend. A zero ttl selects DefaultTTL.
func New(backend store.ChallengeStore, ttl time.Duration, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return nil, fmt.Errorf("challenge ttl %s outside [%s, %s]", ttl, MinTTL, MaxTTL)
	}

	l := &Ledger{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = ttl
	}
	return l, nil
}

// TTL returns the lifetime of newly issued challenges.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Binding is what a challenge is bound to when it is issued.
type Binding struct {
	Identity   string
	SessionID  string // session that authorized the ceremony, if any
	UserHandle []byte // handle offered to the authenticator for a new identity
}

// Begin issues a new challenge for purpose, bound to b.
func (l *Ledger) Begin(ctx context.Context, purpose string, b Binding) (*store.Challenge, error) {
	if purpose != store.PurposeRegistration && purpose != store.PurposeAuthentication {
		return nil, fmt.Errorf("unknown challenge purpose %q", purpose)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := l.now()
	c := &store.Challenge{
		Nonce:      nonce,
		Purpose:    purpose,
		Identity:   b.Identity,
		SessionID:  b.SessionID,
		UserHandle: b.UserHandle,
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.ttl),
	}
	if err := l.backend.PutChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	l.logger.Debug("challenge issued", "purpose", purpose, "identity", b.Identity, "expires_at", c.ExpiresAt)
	return c, nil
}

// Consume removes the challenge and returns it. The entry is gone after this
// call whatever the result: ErrNotFound for unknown or reused nonces,
// ErrExpired when the clock has reached ExpiresAt.
func (l *Ledger) Consume(ctx context.Context, nonce []byte) (*store.Challenge, error) {
	if len(nonce) == 0 {
		return nil, ErrNotFound
	}

	c, err := l.backend.TakeChallenge(ctx, nonce)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking challenge: %w", err)
	}

	if !l.now().Before(c.ExpiresAt) {
		l.logger.Debug("challenge expired at consume", "purpose", c.Purpose, "identity", c.Identity)
		return nil, ErrExpired
	}
	return c, nil
}

// Cancel discards a challenge. Unknown nonces are ignored.
func (l *Ledger) Cancel(ctx context.Context, nonce []byte) error {
	return l.backend.DeleteChallenge(ctx, nonce)
}

// Sweep removes every expired challenge and returns how many were removed.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	n, err := l.backend.DeleteExpiredChallenges(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("sweeping challenges: %w", err)
	}
	if n > 0 {
		l.logger.Debug("swept expired challenges", "count", n)
	}
	return n, nil
}

// Start runs the background sweep loop until ctx is cancelled or Close is
// called. Calling Start twice is a no-op.
func (l *Ledger) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.sweepLoop(ctx, l.done)
}

// Close stops the sweep loop and waits for it to exit.
func (l *Ledger) Close() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *Ledger) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("challenge sweep failed", "error", err)
			}
		}
	}
}
