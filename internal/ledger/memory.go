// ABOUTME: In-process challenge backend, selected with webauthn.challenge_store: memory
// ABOUTME: A mutex-guarded map; take is a lookup and delete under one lock

package ledger

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-locker/internal/store"
)

// MemoryBackend keeps challenges in process memory. Challenges do not
// survive a restart, which only forces in-flight ceremonies to begin again.
type MemoryBackend struct {
	mu         sync.Mutex
	challenges map[string]*store.Challenge // keyed by string(nonce)
}

var _ store.ChallengeStore = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{challenges: make(map[string]*store.Challenge)}
}

// PutChallenge stores a challenge. Nonces must be unique.
func (b *MemoryBackend) PutChallenge(_ context.Context, c *store.Challenge) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := string(c.Nonce)
	if _, ok := b.challenges[key]; ok {
		return errors.New("duplicate challenge nonce")
	}
	stored := *c
	stored.Nonce = bytes.Clone(c.Nonce)
	stored.UserHandle = bytes.Clone(c.UserHandle)
	b.challenges[key] = &stored
	return nil
}

// TakeChallenge removes and returns a challenge.
func (b *MemoryBackend) TakeChallenge(_ context.Context, nonce []byte) (*store.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.challenges[string(nonce)]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(b.challenges, string(nonce))
	return c, nil
}

// DeleteChallenge removes a challenge if present.
func (b *MemoryBackend) DeleteChallenge(_ context.Context, nonce []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.challenges, string(nonce))
	return nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (b *MemoryBackend) DeleteExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for k, c := range b.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(b.challenges, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of outstanding challenges.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.challenges)
}
