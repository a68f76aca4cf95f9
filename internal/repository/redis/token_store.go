package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

func (s *Store) SaveToken(ctx context.Context, t *model.AdminToken, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode admin token: %w", err)
	}

	if err := s.client.Set(ctx, tokenPrefix+t.TokenID, data, ttl); err != nil {
		util.Error("Failed to store admin token",
			zap.String("token_id", t.TokenID),
			zap.Error(err))
		return fmt.Errorf("failed to store admin token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*model.AdminToken, error) {
	raw, err := s.client.Get(ctx, tokenPrefix+tokenID)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}

	var t model.AdminToken
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("failed to decode admin token: %w", err)
	}
	return &t, nil
}

func (s *Store) DeleteToken(ctx context.Context, tokenID string) error {
	if err := s.client.Del(ctx, tokenPrefix+tokenID); err != nil {
		util.Error("Failed to delete admin token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to delete admin token: %w", err)
	}
	util.Debug("Admin token deleted", zap.String("token_id", tokenID))
	return nil
}
