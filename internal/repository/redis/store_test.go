package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/client"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.NewRedisClientFrom(rc)
}

func TestStore_OTPSessionRoundTrip(t *testing.T) {
	mr, rc := newTestClient(t)
	store := NewStore(rc)
	ctx := context.Background()

	sess := &model.OTPSession{
		SessionID:   "s1",
		Code:        model.CodeHash{Hash: "h", Salt: "s", PepperVersion: 1, Algorithm: "argon2id-v1"},
		ExpiresAt:   time.Now().Add(5 * time.Minute).UTC(),
		MaxAttempts: 5,
	}
	require.NoError(t, store.CreateOTPSession(ctx, sess, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("admin_otp:s1"))

	got, err := store.GetOTPSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "h", got.Code.Hash)

	updated, err := store.UpdateOTPSession(ctx, "s1", func(s *model.OTPSession) bool {
		s.Attempts++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, 5*time.Minute, mr.TTL("admin_otp:s1"), "update must keep the original TTL")

	mr.FastForward(5 * time.Minute)
	_, err = store.GetOTPSession(ctx, "s1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.UpdateOTPSession(ctx, "s1", func(*model.OTPSession) bool { return true })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_UpdateSkipsWriteWhenFnDeclines(t *testing.T) {
	_, rc := newTestClient(t)
	store := NewStore(rc)
	ctx := context.Background()

	require.NoError(t, store.CreateOTPSession(ctx, &model.OTPSession{SessionID: "s2"}, time.Minute))

	_, err := store.UpdateOTPSession(ctx, "s2", func(s *model.OTPSession) bool {
		s.Consumed = true
		return false
	})
	require.NoError(t, err)

	got, err := store.GetOTPSession(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, got.Consumed)
}

func TestStore_ConcurrentConsumeHasOneWinner(t *testing.T) {
	_, rc := newTestClient(t)
	store := NewStore(rc)
	ctx := context.Background()

	require.NoError(t, store.CreateOTPSession(ctx, &model.OTPSession{SessionID: "race"}, time.Minute))

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var claimed bool
			_, err := store.UpdateOTPSession(ctx, "race", func(s *model.OTPSession) bool {
				claimed = !s.Consumed
				s.Consumed = true
				return claimed
			})
			if err != nil {
				assert.True(t, errors.Is(err, repository.ErrConflict), "unexpected error: %v", err)
				return
			}
			if claimed {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
	got, err := store.GetOTPSession(ctx, "race")
	require.NoError(t, err)
	assert.True(t, got.Consumed)
}

func TestStore_Tokens(t *testing.T) {
	mr, rc := newTestClient(t)
	store := NewStore(rc)
	ctx := context.Background()

	tok := &model.AdminToken{TokenID: "01J0000000000000000000TEST", TokenHash: "abc", UserID: "admin"}
	require.NoError(t, store.SaveToken(ctx, tok, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("admin_token:"+tok.TokenID))

	got, err := store.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.TokenHash)

	require.NoError(t, store.DeleteToken(ctx, tok.TokenID))
	require.NoError(t, store.DeleteToken(ctx, tok.TokenID))
	_, err = store.GetToken(ctx, tok.TokenID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_UnavailableBackend(t *testing.T) {
	mr, rc := newTestClient(t)
	store := NewStore(rc)
	mr.Close()

	_, err := store.GetToken(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrNotFound)
}

func TestRateLimitCache_Allow(t *testing.T) {
	_, rc := newTestClient(t)
	limiter := NewRateLimitCache(rc)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, n, err := limiter.Allow(ctx, "send-otp:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	ok, n, err := limiter.Allow(ctx, "send-otp:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, n)

	ok, _, err = limiter.Allow(ctx, "send-otp:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Reset(ctx, "send-otp:10.0.0.1"))
	ok, _, err = limiter.Allow(ctx, "send-otp:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
