package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"admin-auth-service/internal/audit"
	"admin-auth-service/internal/metrics"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

const maxTokenLength = 4096

type TokenPolicy struct {
	TTL        time.Duration
	Issuer     string
	SigningKey []byte
}

// IssuedToken pairs the signed value, which only ever goes into the cookie, with its record.
type IssuedToken struct {
	Raw    string
	Record *model.AdminToken
}

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService mints, checks and revokes admin session tokens. A token is valid only
// while its signature checks out and its record is still in the store.
type TokenService struct {
	store  repository.TokenStore
	events audit.Emitter
	policy TokenPolicy
	now    func() time.Time
}

type TokenOption func(*TokenService)

// WithTokenClock replaces time.Now.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

func NewTokenService(store repository.TokenStore, events audit.Emitter, policy TokenPolicy, opts ...TokenOption) (*TokenService, error) {
	if len(policy.SigningKey) < 32 {
		return nil, errors.New("token signing key must be at least 32 bytes")
	}
	s := &TokenService{
		store:  store,
		events: events,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueToken mints a token for userID and stores its record for the session TTL.
func (s *TokenService) IssueToken(ctx context.Context, userID, sessionID string) (*IssuedToken, error) {
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.policy.TTL)
	tokenID := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	claims := adminClaims{
		Role: model.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        tokenID,
			Issuer:    s.policy.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.policy.SigningKey)
	if err != nil {
		return nil, internalError("sign token", err)
	}

	record := &model.AdminToken{
		TokenID:   tokenID,
		TokenHash: hashToken(raw),
		UserID:    userID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveToken(ctx, record, s.policy.TTL); err != nil {
		return nil, storeError("save token", err)
	}

	util.Info("Admin token issued",
		zap.String("token_id", tokenID),
		zap.String("user_id", userID),
		zap.Time("expires_at", expiresAt))

	return &IssuedToken{Raw: raw, Record: record}, nil
}

// Authenticate resolves raw to the admin it was issued to. Every way a token can be
// wrong yields ErrUnauthenticated; only store failures yield ErrStoreUnavailable.
func (s *TokenService) Authenticate(ctx context.Context, raw string, meta RequestMeta) (*model.AuthenticatedUser, error) {
	user, tokenID, err := s.authenticate(ctx, raw)

	kind := ErrorKind(err)
	metrics.RecordAuthentication(kind)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) && raw != "" {
			s.emit(model.EventAuthRejected, kind, "", tokenID, meta, err.Error())
		}
		return nil, err
	}
	return user, nil
}

func (s *TokenService) authenticate(ctx context.Context, raw string) (*model.AuthenticatedUser, string, error) {
	if raw == "" {
		return nil, "", fmt.Errorf("%w: no token", ErrUnauthenticated)
	}

	claims, err := s.parse(raw, true)
	if err != nil {
		return nil, "", err
	}

	record, err := s.store.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, claims.ID, fmt.Errorf("%w: token revoked or unknown", ErrUnauthenticated)
		}
		return nil, claims.ID, storeError("get token", err)
	}

	if subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(hashToken(raw))) != 1 {
		return nil, claims.ID, fmt.Errorf("%w: token hash mismatch", ErrUnauthenticated)
	}
	if record.IsExpiredAt(s.now()) {
		return nil, claims.ID, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	if record.UserID != claims.Subject {
		return nil, claims.ID, fmt.Errorf("%w: subject mismatch", ErrUnauthenticated)
	}

	return &model.AuthenticatedUser{
		ID:        record.UserID,
		Role:      model.RoleAdmin,
		LoginTime: record.IssuedAt,
		SessionID: record.SessionID,
	}, claims.ID, nil
}

// Revoke deletes the record behind raw. Expired tokens are still revocable; a token
// with a bad signature is rejected without touching the store.
func (s *TokenService) Revoke(ctx context.Context, raw string, meta RequestMeta) error {
	if raw == "" {
		return nil
	}

	claims, err := s.parse(raw, false)
	if err != nil {
		return err
	}

	if err := s.store.DeleteToken(ctx, claims.ID); err != nil {
		return storeError("delete token", err)
	}

	metrics.RecordLogout()
	s.emit(model.EventLogout, "success", claims.Subject, claims.ID, meta, "")
	util.Info("Admin token revoked", zap.String("token_id", claims.ID))
	return nil
}

func (s *TokenService) parse(raw string, validateClaims bool) (*adminClaims, error) {
	if len(raw) > maxTokenLength {
		return nil, fmt.Errorf("%w: token too long", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithIssuer(s.policy.Issuer), jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &adminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.policy.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.ID == "" || claims.Role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: missing admin claims", ErrUnauthenticated)
	}
	return claims, nil
}

func (s *TokenService) emit(eventType, outcome, userID, tokenID string, meta RequestMeta, details string) {
	if s.events == nil {
		return
	}
	s.events.Emit(model.SecurityEvent{
		EventType: eventType,
		Outcome:   outcome,
		UserID:    userID,
		TokenID:   tokenID,
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
		Details:   details,
		EventTime: s.now().UTC(),
	})
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
