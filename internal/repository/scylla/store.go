package scylla

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

const maxCASAttempts = 3

// query is the part of *gocql.Query the store uses.
type query interface {
	Exec() error
	Scan(dest ...interface{}) error
	MapScanCAS(dest map[string]interface{}) (bool, error)
}

type querier interface {
	Query(ctx context.Context, stmt string, values ...interface{}) query
}

type sessionQuerier struct {
	client *ScyllaClient
}

func (q sessionQuerier) Query(ctx context.Context, stmt string, values ...interface{}) query {
	return q.client.Query(ctx, stmt, values...)
}

// Store persists sessions and tokens in ScyllaDB. Conditional updates use
// lightweight transactions on the fields verification changes.
type Store struct {
	db  querier
	now func() time.Time
}

var _ repository.SessionStore = (*Store)(nil)

func NewStore(client *ScyllaClient) *Store {
	return &Store{db: sessionQuerier{client: client}, now: time.Now}
}

func (s *Store) CreateOTPSession(ctx context.Context, sess *model.OTPSession, ttl time.Duration) error {
	err := s.db.Query(ctx, insertOTPSession,
		sess.SessionID, sess.Code.Hash, sess.Code.Salt, sess.Code.PepperVersion, sess.Code.Algorithm,
		sess.CreatedAt, sess.ExpiresAt, sess.Attempts, sess.MaxAttempts, sess.Consumed, sess.ClientIP,
		ttlSeconds(ttl),
	).Exec()
	if err != nil {
		util.Error("Failed to create OTP session",
			zap.String("session_id", sess.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP session: %w", err)
	}
	return nil
}

func (s *Store) GetOTPSession(ctx context.Context, sessionID string) (*model.OTPSession, error) {
	sess := &model.OTPSession{}
	err := s.db.Query(ctx, selectOTPSession, sessionID).Scan(
		&sess.SessionID, &sess.Code.Hash, &sess.Code.Salt, &sess.Code.PepperVersion, &sess.Code.Algorithm,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.Attempts, &sess.MaxAttempts, &sess.Consumed, &sess.ClientIP,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get OTP session: %w", err)
	}
	return sess, nil
}

// UpdateOTPSession reads the row, applies fn and writes back only if attempts and
// consumed still hold the values that were read.
func (s *Store) UpdateOTPSession(ctx context.Context, sessionID string, fn repository.UpdateFunc) (*model.OTPSession, error) {
	for i := 0; i < maxCASAttempts; i++ {
		sess, err := s.GetOTPSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		prevAttempts, prevConsumed := sess.Attempts, sess.Consumed

		if !fn(sess) {
			return sess, nil
		}

		current := map[string]interface{}{}
		applied, err := s.db.Query(ctx, casUpdateOTPSession,
			ttlSeconds(sess.ExpiresAt.Sub(s.now())),
			sess.Attempts, sess.Consumed,
			sessionID, prevAttempts, prevConsumed,
		).MapScanCAS(current)
		if err != nil {
			util.Error("Failed to update OTP session",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to update OTP session: %w", err)
		}
		if applied {
			return sess, nil
		}

		util.Debug("OTP session update lost a race, retrying",
			zap.String("session_id", sessionID),
			zap.Int("attempt", i+1))
	}
	return nil, repository.ErrConflict
}

func (s *Store) DeleteOTPSession(ctx context.Context, sessionID string) error {
	if err := s.db.Query(ctx, deleteOTPSession, sessionID).Exec(); err != nil {
		return fmt.Errorf("failed to delete OTP session: %w", err)
	}
	return nil
}

func (s *Store) SaveToken(ctx context.Context, t *model.AdminToken, ttl time.Duration) error {
	err := s.db.Query(ctx, insertAdminToken,
		t.TokenID, t.TokenHash, t.UserID, t.SessionID, t.IssuedAt, t.ExpiresAt, ttlSeconds(ttl),
	).Exec()
	if err != nil {
		util.Error("Failed to store admin token",
			zap.String("token_id", t.TokenID),
			zap.Error(err))
		return fmt.Errorf("failed to store admin token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*model.AdminToken, error) {
	t := &model.AdminToken{}
	err := s.db.Query(ctx, selectAdminToken, tokenID).Scan(
		&t.TokenID, &t.TokenHash, &t.UserID, &t.SessionID, &t.IssuedAt, &t.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}
	return t, nil
}

func (s *Store) DeleteToken(ctx context.Context, tokenID string) error {
	if err := s.db.Query(ctx, deleteAdminToken, tokenID).Exec(); err != nil {
		return fmt.Errorf("failed to delete admin token: %w", err)
	}
	return nil
}

// ttlSeconds rounds d up to whole seconds; CQL rejects a TTL of zero.
func ttlSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
