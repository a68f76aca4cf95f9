package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/repository/memory"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newTokenFixture(t *testing.T) (*TokenService, *memory.Store, *testClock, *recordingEmitter) {
	t.Helper()
	store := memory.NewStore()
	clock := newTestClock()
	events := &recordingEmitter{}
	svc, err := NewTokenService(store, events, TokenPolicy{
		TTL:        24 * time.Hour,
		Issuer:     "admin-auth-service",
		SigningKey: testSigningKey,
	}, WithTokenClock(clock.Now))
	require.NoError(t, err)
	return svc, store, clock, events
}

func TestNewTokenService_RejectsShortKey(t *testing.T) {
	_, err := NewTokenService(memory.NewStore(), nil, TokenPolicy{SigningKey: []byte("short")})
	assert.Error(t, err)
}

func TestTokenService_IssueAndAuthenticate(t *testing.T) {
	svc, store, clock, _ := newTokenFixture(t)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Raw)
	assert.Equal(t, clock.Now().Add(24*time.Hour), issued.Record.ExpiresAt)

	stored, err := store.GetToken(ctx, issued.Record.TokenID)
	require.NoError(t, err)
	assert.NotContains(t, stored.TokenHash, issued.Raw)
	assert.Len(t, stored.TokenHash, 64)

	user, err := svc.Authenticate(ctx, issued.Raw, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "admin", user.ID)
	assert.Equal(t, model.RoleAdmin, user.Role)
	assert.Equal(t, "s1", user.SessionID)
	assert.Equal(t, issued.Record.IssuedAt, user.LoginTime)
}

func TestTokenService_RejectsMissingAndGarbage(t *testing.T) {
	svc, _, _, events := newTokenFixture(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "", RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, events.types(), "a missing cookie is not a security event")

	_, err = svc.Authenticate(ctx, "not-a-jwt", RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.Authenticate(ctx, strings.Repeat("a", maxTokenLength+1), RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Contains(t, events.types(), model.EventAuthRejected)
}

func TestTokenService_RejectsTamperedToken(t *testing.T) {
	svc, _, _, _ := newTokenFixture(t)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	parts := strings.Split(issued.Raw, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = svc.Authenticate(ctx, tampered, RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenService_RejectsForeignKey(t *testing.T) {
	svc, store, clock, _ := newTokenFixture(t)
	ctx := context.Background()

	other, err := NewTokenService(store, nil, TokenPolicy{
		TTL:        time.Hour,
		Issuer:     "admin-auth-service",
		SigningKey: []byte("ffffffffffffffffffffffffffffffff"),
	}, WithTokenClock(clock.Now))
	require.NoError(t, err)

	forged, err := other.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, forged.Raw, RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenService_RejectsNoneAlgorithm(t *testing.T) {
	svc, store, clock, _ := newTokenFixture(t)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	claims := adminClaims{
		Role: model.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			ID:        issued.Record.TokenID,
			Issuer:    "admin-auth-service",
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, unsigned, RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = store.GetToken(ctx, issued.Record.TokenID)
	assert.NoError(t, err)
}

func TestTokenService_Expiry(t *testing.T) {
	svc, _, clock, _ := newTokenFixture(t)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	clock.Advance(24*time.Hour - time.Second)
	_, err = svc.Authenticate(ctx, issued.Raw, RequestMeta{})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = svc.Authenticate(ctx, issued.Raw, RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenService_RevokeIsIdempotent(t *testing.T) {
	svc, _, clock, events := newTokenFixture(t)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, issued.Raw, RequestMeta{}))
	_, err = svc.Authenticate(ctx, issued.Raw, RequestMeta{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, svc.Revoke(ctx, issued.Raw, RequestMeta{}))
	require.NoError(t, svc.Revoke(ctx, "", RequestMeta{}))
	assert.Contains(t, events.types(), model.EventLogout)

	// expired tokens can still be revoked
	expired, err := svc.IssueToken(ctx, "admin", "s2")
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	assert.NoError(t, svc.Revoke(ctx, expired.Raw, RequestMeta{}))

	assert.ErrorIs(t, svc.Revoke(ctx, "garbage", RequestMeta{}), ErrUnauthenticated)
}

type brokenTokenStore struct{}

func (brokenTokenStore) SaveToken(context.Context, *model.AdminToken, time.Duration) error {
	return nil
}

func (brokenTokenStore) GetToken(context.Context, string) (*model.AdminToken, error) {
	return nil, errors.New("i/o timeout")
}

func (brokenTokenStore) DeleteToken(context.Context, string) error {
	return errors.New("i/o timeout")
}

var _ repository.TokenStore = brokenTokenStore{}

func TestTokenService_StoreUnavailable(t *testing.T) {
	svc, err := NewTokenService(brokenTokenStore{}, nil, TokenPolicy{
		TTL:        time.Hour,
		Issuer:     "admin-auth-service",
		SigningKey: testSigningKey,
	})
	require.NoError(t, err)
	ctx := context.Background()

	issued, err := svc.IssueToken(ctx, "admin", "s1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, issued.Raw, RequestMeta{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrUnauthenticated)

	assert.ErrorIs(t, svc.Revoke(ctx, issued.Raw, RequestMeta{}), ErrStoreUnavailable)
}
