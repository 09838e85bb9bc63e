package auth

import (
	"sync"
	"time"
)

const revocationSweepInterval = 5 * time.Minute

// TokenRevocationStore remembers revoked token IDs until the tokens would
// have expired on their own.
type TokenRevocationStore struct {
	mu      sync.RWMutex
	expires map[string]time.Time // jti -> token expiry
	done    chan struct{}
	once    sync.Once
}

// NewTokenRevocationStore starts a background sweep of expired entries.
func NewTokenRevocationStore() *TokenRevocationStore {
	s := &TokenRevocationStore{
		expires: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Revoke marks jti as revoked. A zero expiresAt keeps it for one hour.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	s.mu.Lock()
	s.expires[jti] = expiresAt
	s.mu.Unlock()
}

func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.expires[jti]
	return ok
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.expires)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *TokenRevocationStore) sweepLoop() {
	ticker := time.NewTicker(revocationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *TokenRevocationStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.expires {
		if now.After(exp) {
			delete(s.expires, jti)
		}
	}
}
