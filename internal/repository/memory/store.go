// Package memory is a process-local session store for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
)

// sweepEvery is how many writes pass between sweeps of dead entries.
const sweepEvery = 256

type entry[T any] struct {
	value    T
	deadline time.Time
}

type hitWindow struct {
	times  []time.Time
	window time.Duration
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]entry[model.OTPSession]
	tokens   map[string]entry[model.AdminToken]
	hits     map[string]*hitWindow
	writes   int
	now      func() time.Time
}

var (
	_ repository.SessionStore = (*Store)(nil)
	_ repository.RateLimiter  = (*Store)(nil)
)

func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock uses now for TTL eviction.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		sessions: make(map[string]entry[model.OTPSession]),
		tokens:   make(map[string]entry[model.AdminToken]),
		hits:     make(map[string]*hitWindow),
		now:      now,
	}
}

func (s *Store) CreateOTPSession(_ context.Context, sess *model.OTPSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = entry[model.OTPSession]{value: *sess, deadline: s.now().Add(ttl)}
	s.wrote()
	return nil
}

func (s *Store) GetOTPSession(_ context.Context, sessionID string) (*model.OTPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveSession(sessionID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	v := e.value
	return &v, nil
}

func (s *Store) UpdateOTPSession(_ context.Context, sessionID string, fn repository.UpdateFunc) (*model.OTPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveSession(sessionID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	v := e.value
	if fn(&v) {
		e.value = v
		s.sessions[sessionID] = e
	}
	return &v, nil
}

func (s *Store) DeleteOTPSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) SaveToken(_ context.Context, t *model.AdminToken, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenID] = entry[model.AdminToken]{value: *t, deadline: s.now().Add(ttl)}
	s.wrote()
	return nil
}

func (s *Store) GetToken(_ context.Context, tokenID string) (*model.AdminToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[tokenID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !s.now().Before(e.deadline) {
		delete(s.tokens, tokenID)
		return nil, repository.ErrNotFound
	}
	v := e.value
	return &v, nil
}

func (s *Store) DeleteToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenID)
	return nil
}

// Allow keeps a sliding window of hit times per key.
func (s *Store) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wrote()

	now := s.now()
	w, ok := s.hits[key]
	if !ok {
		w = &hitWindow{}
		s.hits[key] = w
	}
	w.window = window

	cutoff := now.Add(-window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		w.times = kept
		return false, len(kept), nil
	}
	w.times = append(kept, now)
	return true, len(w.times), nil
}

// Reset forgets every hit recorded for key.
func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hits, key)
	return nil
}

// wrote counts a write and sweeps every sweepEvery writes. Callers hold mu.
func (s *Store) wrote() {
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(s.now())
	}
}

// sweep drops expired sessions and tokens, and rate limit keys with no hit left in their window.
func (s *Store) sweep(now time.Time) {
	for id, e := range s.sessions {
		if !now.Before(e.deadline) {
			delete(s.sessions, id)
		}
	}
	for id, e := range s.tokens {
		if !now.Before(e.deadline) {
			delete(s.tokens, id)
		}
	}
	for key, w := range s.hits {
		if n := len(w.times); n == 0 || !w.times[n-1].After(now.Add(-w.window)) {
			delete(s.hits, key)
		}
	}
}

func (s *Store) liveSession(id string) (entry[model.OTPSession], bool) {
	e, ok := s.sessions[id]
	if !ok {
		return e, false
	}
	if !s.now().Before(e.deadline) {
		delete(s.sessions, id)
		return e, false
	}
	return e, true
}
