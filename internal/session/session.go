// Package session implements the single-use session tokens handed to
// the betting UI: a token may be successfully claimed exactly once
// before its TTL elapses.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("session: token not found")
	ErrAlreadyUsed = errors.New("session: token already claimed")
	ErrExpired     = errors.New("session: token expired")
)

// Record is the state bound to one issued token.
type Record struct {
	Token     string
	UserID    string
	MarketID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store hands out and atomically claims single-use session tokens.
type Store interface {
	// Issue mints a fresh token for the given user and market.
	Issue(userID, marketID string) Record

	// Claim consumes a token. The first caller wins; later callers get
	// ErrAlreadyUsed, unknown tokens ErrNotFound, and tokens past their
	// TTL ErrExpired.
	Claim(token string) (Record, error)
}

type entry struct {
	record  Record
	claimed bool
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	nowFunc func() time.Time // injectable clock for testing
}

// NewMemoryStore creates a MemoryStore with the given token TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// Issue mints a token. Expired entries are swept opportunistically so
// the map does not grow unbounded.
func (s *MemoryStore) Issue(userID, marketID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for token, e := range s.entries {
		if now.After(e.record.ExpiresAt) {
			delete(s.entries, token)
		}
	}

	rec := Record{
		Token:     uuid.NewString(),
		UserID:    userID,
		MarketID:  marketID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.entries[rec.Token] = &entry{record: rec}
	return rec
}

// Claim atomically consumes a token.
func (s *MemoryStore) Claim(token string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	if s.nowFunc().After(e.record.ExpiresAt) {
		delete(s.entries, token)
		return Record{}, ErrExpired
	}
	if e.claimed {
		return Record{}, ErrAlreadyUsed
	}
	e.claimed = true
	return e.record, nil
}
