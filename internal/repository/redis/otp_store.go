package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admin-auth-service/internal/client"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

const (
	otpSessionPrefix = "admin_otp:"
	tokenPrefix      = "admin_token:"

	// maxCASAttempts bounds how often a lost WATCH race is re-applied.
	maxCASAttempts = 3
)

// Store keeps OTP sessions and admin tokens as JSON values with native TTLs.
type Store struct {
	client *client.RedisClient
}

var _ repository.SessionStore = (*Store)(nil)

func NewStore(client *client.RedisClient) *Store {
	return &Store{client: client}
}

func (s *Store) CreateOTPSession(ctx context.Context, sess *model.OTPSession, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode OTP session: %w", err)
	}

	if err := s.client.Set(ctx, otpSessionPrefix+sess.SessionID, data, ttl); err != nil {
		util.Error("Failed to store OTP session",
			zap.String("session_id", sess.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to store OTP session: %w", err)
	}

	util.Debug("OTP session stored", zap.String("session_id", sess.SessionID), zap.Duration("ttl", ttl))
	return nil
}

func (s *Store) GetOTPSession(ctx context.Context, sessionID string) (*model.OTPSession, error) {
	raw, err := s.client.Get(ctx, otpSessionPrefix+sessionID)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get OTP session: %w", err)
	}
	return decodeSession(raw)
}

// UpdateOTPSession runs fn inside WATCH/MULTI so that two verifications of the same
// session can never both commit against the same prior state.
func (s *Store) UpdateOTPSession(ctx context.Context, sessionID string, fn repository.UpdateFunc) (*model.OTPSession, error) {
	key := otpSessionPrefix + sessionID
	var result *model.OTPSession

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return repository.ErrNotFound
			}
			return err
		}

		sess, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if !fn(sess) {
			result = sess
			return nil
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode OTP session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		if err == nil {
			result = sess
		}
		return err
	}

	for i := 0; i < maxCASAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, goredis.TxFailedErr):
			util.Debug("OTP session update lost a race, retrying",
				zap.String("session_id", sessionID),
				zap.Int("attempt", i+1))
			continue
		case errors.Is(err, repository.ErrNotFound):
			return nil, err
		default:
			util.Error("Failed to update OTP session",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to update OTP session: %w", err)
		}
	}

	return nil, repository.ErrConflict
}

func (s *Store) DeleteOTPSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, otpSessionPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to delete OTP session: %w", err)
	}
	return nil
}

func decodeSession(raw string) (*model.OTPSession, error) {
	var sess model.OTPSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode OTP session: %w", err)
	}
	return &sess, nil
}
