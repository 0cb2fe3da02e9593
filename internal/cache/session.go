package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/crypto"
)

// SessionKeys hands out per-user envelope keys with a fixed TTL.
type SessionKeys struct {
	cache Cache
	ttl   time.Duration
	now   func() time.Time
}

// Session is a cached envelope key and the moment it is replaced.
type Session struct {
	Key       []byte    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExpiresIn is the time left on the key at now, never negative.
func (s Session) ExpiresIn(now time.Time) time.Duration {
	if left := s.ExpiresAt.Sub(now); left > 0 {
		return left
	}
	return 0
}

// SessionOption configures SessionKeys.
type SessionOption func(*SessionKeys)

// WithSessionClock replaces time.Now.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionKeys) { s.now = now }
}

// NewSessionKeys stores session keys in c for ttl.
func NewSessionKeys(c Cache, ttl time.Duration, opts ...SessionOption) *SessionKeys {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &SessionKeys{cache: c, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionCacheKey(userID string) string {
	return "session:" + userID
}

// GetOrCreate returns the user's current session, creating one if none is
// cached. The read and the write are separate calls: two concurrent first
// requests may both create a key and the later write wins.
func (s *SessionKeys) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("session key requires a user id")
	}

	now := s.now()
	var cached Session
	found, err := s.cache.Get(ctx, sessionCacheKey(userID), &cached)
	if err != nil {
		return Session{}, err
	}
	if found && len(cached.Key) == crypto.SessionKeySize && cached.ExpiresAt.After(now) {
		return cached, nil
	}

	key, err := crypto.NewSessionKey()
	if err != nil {
		return Session{}, err
	}
	created := Session{Key: key, ExpiresAt: now.Add(s.ttl).UTC()}
	if err := s.cache.Set(ctx, sessionCacheKey(userID), created, s.ttl); err != nil {
		return Session{}, err
	}
	return created, nil
}

// Now is the clock the sessions are measured against.
func (s *SessionKeys) Now() time.Time {
	return s.now()
}
