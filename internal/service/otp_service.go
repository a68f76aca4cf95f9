package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"admin-auth-service/internal/audit"
	"admin-auth-service/internal/config"
	"admin-auth-service/internal/metrics"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

const maxSessionIDLength = 128

// CodeHasher hashes and checks OTP codes.
type CodeHasher interface {
	HashOTP(code string) (model.CodeHash, error)
	VerifyOTP(code string, stored model.CodeHash) (bool, error)
}

// RequestMeta carries caller details for rate limiting and audit.
type RequestMeta struct {
	RequestID string
	ClientIP  string
	UserAgent string
}

type OTPPolicy struct {
	TTL         time.Duration
	CodeLength  int
	MaxAttempts int
	Recipient   string
	UserID      string
	SendLimit   int
	SendWindow  time.Duration
}

// OTPPolicyFromConfig builds the policy from loaded configuration.
func OTPPolicyFromConfig(cfg *config.Config) OTPPolicy {
	p := OTPPolicy{
		TTL:         cfg.Auth.OTPTTL,
		CodeLength:  cfg.Auth.OTPLength,
		MaxAttempts: cfg.Auth.MaxOTPAttempts,
		Recipient:   cfg.Auth.AdminRecipient,
		UserID:      cfg.Auth.AdminUserID,
	}
	if cfg.RateLimit.Enabled {
		p.SendLimit = cfg.RateLimit.SendOTPLimit
		p.SendWindow = cfg.RateLimit.SendOTPWindow
	}
	return p
}

type SendOTPResult struct {
	SessionID string
	ExpiresAt time.Time
}

// OTPService issues and verifies one-time passcodes.
type OTPService struct {
	store    repository.OTPSessionStore
	hasher   CodeHasher
	delivery OTPDelivery
	limiter  repository.RateLimiter
	events   audit.Emitter
	policy   OTPPolicy
	now      func() time.Time
}

type OTPOption func(*OTPService)

// WithRateLimiter limits send-otp per client IP.
func WithRateLimiter(l repository.RateLimiter) OTPOption {
	return func(s *OTPService) { s.limiter = l }
}

// WithOTPClock replaces time.Now.
func WithOTPClock(now func() time.Time) OTPOption {
	return func(s *OTPService) { s.now = now }
}

func NewOTPService(
	store repository.OTPSessionStore,
	hasher CodeHasher,
	delivery OTPDelivery,
	events audit.Emitter,
	policy OTPPolicy,
	opts ...OTPOption,
) *OTPService {
	s := &OTPService{
		store:    store,
		hasher:   hasher,
		delivery: delivery,
		events:   events,
		policy:   policy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendOTP creates a session and sends its code through the delivery channel.
// The code is never part of the result.
func (s *OTPService) SendOTP(ctx context.Context, meta RequestMeta) (*SendOTPResult, error) {
	if err := s.checkSendLimit(ctx, meta); err != nil {
		return nil, err
	}

	code, err := generateCode(s.policy.CodeLength)
	if err != nil {
		return nil, internalError("generate code", err)
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, internalError("hash code", err)
	}

	now := s.now().UTC()
	sess := &model.OTPSession{
		SessionID:   uuid.NewString(),
		Code:        hashed,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.policy.TTL),
		Attempts:    0,
		MaxAttempts: s.policy.MaxAttempts,
		ClientIP:    meta.ClientIP,
	}

	if err := s.store.CreateOTPSession(ctx, sess, s.policy.TTL); err != nil {
		return nil, storeError("create otp session", err)
	}

	err = s.delivery.Deliver(ctx, OTPMessage{
		RequestID: meta.RequestID,
		SessionID: sess.SessionID,
		Recipient: s.policy.Recipient,
		Code:      code,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		util.Error("OTP delivery failed",
			zap.String("session_id", sess.SessionID),
			zap.String("channel", s.delivery.Channel()),
			zap.Error(err))
		if delErr := s.store.DeleteOTPSession(ctx, sess.SessionID); delErr != nil {
			util.Warn("failed to remove undeliverable OTP session",
				zap.String("session_id", sess.SessionID),
				zap.Error(delErr))
		}
		s.emit(model.EventDeliveryError, "failure", sess.SessionID, meta, s.delivery.Channel())
		return nil, internalError("deliver otp", err)
	}

	metrics.RecordOTPSent()
	s.emit(model.EventOTPSent, "success", sess.SessionID, meta, s.delivery.Channel())
	util.Info("OTP session created",
		zap.String("session_id", sess.SessionID),
		zap.Time("expires_at", sess.ExpiresAt))

	return &SendOTPResult{SessionID: sess.SessionID, ExpiresAt: sess.ExpiresAt}, nil
}

// VerifyOTP checks code against the session and consumes it on a match.
// The attempt increment and the consume are a single conditional update, so
// concurrent calls with the right code succeed at most once.
func (s *OTPService) VerifyOTP(ctx context.Context, sessionID, code string, meta RequestMeta) (*model.OTPSession, error) {
	sess, err := s.verify(ctx, sessionID, code)

	kind := ErrorKind(err)
	metrics.RecordVerification(kind)
	if err != nil {
		s.emit(model.EventOTPFailed, kind, sessionID, meta, "")
		util.Warn("OTP verification failed",
			zap.String("session_id", sessionID),
			zap.String("reason", kind))
		return nil, err
	}

	s.emit(model.EventOTPVerified, "success", sessionID, meta, "")
	s.resetSendLimit(ctx, meta)
	return sess, nil
}

func (s *OTPService) verify(ctx context.Context, sessionID, code string) (*model.OTPSession, error) {
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		return nil, ErrNotFound
	}

	current, err := s.store.GetOTPSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeError("get otp session", err)
	}

	now := s.now()
	if err := terminalState(current, now, s.policy.MaxAttempts); err != nil {
		return nil, err
	}

	// The stored hash never changes, so it is checked once outside the conditional update.
	match, err := s.hasher.VerifyOTP(code, current.Code)
	if err != nil {
		return nil, internalError("verify code", err)
	}

	// Every lost race means another caller committed an attempt, and a session
	// accepts at most maxAttempts commits, so this loop always reaches an outcome.
	retries := attemptLimit(current, s.policy.MaxAttempts) + 1
	for i := 0; ; i++ {
		var outcome error
		updated, err := s.store.UpdateOTPSession(ctx, sessionID, func(sess *model.OTPSession) bool {
			if outcome = terminalState(sess, now, s.policy.MaxAttempts); outcome != nil {
				return false
			}
			sess.Attempts++
			if !match {
				outcome = ErrInvalidCode
				return true
			}
			sess.Consumed = true
			return true
		})
		switch {
		case err == nil && outcome != nil:
			return nil, outcome
		case err == nil:
			return updated, nil
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrConflict):
			if i < retries {
				util.Debug("OTP session contended, retrying verification",
					zap.String("session_id", sessionID),
					zap.Int("retry", i+1))
				continue
			}
			return nil, ErrTooManyAttempts
		default:
			return nil, storeError("update otp session", err)
		}
	}
}

func attemptLimit(sess *model.OTPSession, defaultMax int) int {
	if sess.MaxAttempts > 0 {
		return sess.MaxAttempts
	}
	return defaultMax
}

// terminalState reports why sess can no longer be verified, if it cannot.
func terminalState(sess *model.OTPSession, now time.Time, defaultMax int) error {
	if sess.Consumed || sess.IsExpiredAt(now) {
		return ErrExpired
	}
	if sess.Attempts >= attemptLimit(sess, defaultMax) {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *OTPService) checkSendLimit(ctx context.Context, meta RequestMeta) error {
	if s.limiter == nil || s.policy.SendLimit <= 0 {
		return nil
	}
	allowed, count, err := s.limiter.Allow(ctx, sendLimitKey(meta), s.policy.SendLimit, s.policy.SendWindow)
	if err != nil {
		return storeError("rate limit", err)
	}
	if !allowed {
		metrics.RecordRateLimited()
		s.emit(model.EventRateLimited, "rejected", "", meta, fmt.Sprintf("count=%d", count))
		return ErrRateLimited
	}
	return nil
}

// resetSendLimit clears the caller's send-otp window once they have logged in.
func (s *OTPService) resetSendLimit(ctx context.Context, meta RequestMeta) {
	if s.limiter == nil || s.policy.SendLimit <= 0 {
		return
	}
	if err := s.limiter.Reset(ctx, sendLimitKey(meta)); err != nil {
		util.Warn("failed to reset send-otp rate limit",
			zap.String("client_ip", meta.ClientIP),
			zap.Error(err))
	}
}

func sendLimitKey(meta RequestMeta) string {
	return "send-otp:" + meta.ClientIP
}

func (s *OTPService) emit(eventType, outcome, sessionID string, meta RequestMeta, details string) {
	if s.events == nil {
		return
	}
	s.events.Emit(model.SecurityEvent{
		EventType: eventType,
		Outcome:   outcome,
		UserID:    s.policy.UserID,
		SessionID: sessionID,
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
		Details:   details,
		EventTime: s.now().UTC(),
	})
}

// generateCode returns a uniformly random numeric code of the given length.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}
