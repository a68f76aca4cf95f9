package model

import "time"

// RoleAdmin is the only role this service knows about.
const RoleAdmin = "admin"

// -------------------- OTP SESSION --------------------

// CodeHash is the stored form of an OTP code.
type CodeHash struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// OTPSession tracks one in-progress OTP challenge. It moves from pending to consumed
// or to invalid and never back.
type OTPSession struct {
	SessionID   string    `json:"session_id"`
	Code        CodeHash  `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Consumed    bool      `json:"consumed"`
	ClientIP    string    `json:"client_ip,omitempty"`
}

// IsExpiredAt reports whether the session is past its expiry at t.
func (s *OTPSession) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// AttemptsExhausted reports whether no verification attempts remain.
func (s *OTPSession) AttemptsExhausted() bool {
	return s.Attempts >= s.MaxAttempts
}

// -------------------- ADMIN TOKEN --------------------

// AdminToken is the server-side record of an issued session token, keyed by TokenID.
type AdminToken struct {
	TokenID   string    `json:"token_id"`
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *AdminToken) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// -------------------- AUTHENTICATED USER --------------------

// AuthenticatedUser is derived per request from a valid AdminToken and never persisted.
type AuthenticatedUser struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	LoginTime time.Time `json:"loginTime"`
	SessionID string    `json:"sessionId,omitempty"`
}

// -------------------- SECURITY EVENT --------------------

// Security event types
const (
	EventOTPSent       = "otp_sent"
	EventOTPVerified   = "otp_verified"
	EventOTPFailed     = "otp_failed"
	EventAuthRejected  = "auth_rejected"
	EventLogout        = "logout"
	EventRateLimited   = "rate_limited"
	EventDeliveryError = "delivery_failed"
)

// SecurityEvent is an audit record emitted for every authentication decision.
type SecurityEvent struct {
	EventID     string    `json:"event_id"`
	EventBucket int       `json:"event_bucket"`
	UserBucket  int       `json:"user_bucket"`
	EventType   string    `json:"event_type"`
	Outcome     string    `json:"outcome"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Details     string    `json:"details,omitempty"`
	EventTime   time.Time `json:"event_time"`
}
