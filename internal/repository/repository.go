// Package repository defines the session store contract shared by the redis, scylla and memory backends.
package repository

import (
	"context"
	"errors"
	"time"

	"admin-auth-service/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the conditional update kept losing to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// UpdateFunc mutates s in place and reports whether the change should be written.
// It may run more than once when a concurrent writer wins the race, so it must not have side effects.
type UpdateFunc func(s *model.OTPSession) bool

type OTPSessionStore interface {
	CreateOTPSession(ctx context.Context, s *model.OTPSession, ttl time.Duration) error
	GetOTPSession(ctx context.Context, sessionID string) (*model.OTPSession, error)
	// UpdateOTPSession applies fn atomically against the current record and returns the
	// record as fn left it. A record that was not written is returned unchanged.
	UpdateOTPSession(ctx context.Context, sessionID string, fn UpdateFunc) (*model.OTPSession, error)
	DeleteOTPSession(ctx context.Context, sessionID string) error
}

type TokenStore interface {
	SaveToken(ctx context.Context, t *model.AdminToken, ttl time.Duration) error
	GetToken(ctx context.Context, tokenID string) (*model.AdminToken, error)
	// DeleteToken is idempotent: deleting an absent token is not an error.
	DeleteToken(ctx context.Context, tokenID string) error
}

// SessionStore is everything the auth services need from a backend.
type SessionStore interface {
	OTPSessionStore
	TokenStore
}

// RateLimiter counts events per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, count int, err error)
	Reset(ctx context.Context, key string) error
}
