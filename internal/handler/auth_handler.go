package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/service"
	"admin-auth-service/internal/util"
)

const (
	maxRequestBody = 4 << 10
	maxCodeLength  = 16
	maxSessionID   = 128

	msgInvalidCode = "Invalid or expired code"
	msgInternal    = "Internal server error"
)

type OTPManager interface {
	SendOTP(ctx context.Context, meta service.RequestMeta) (*service.SendOTPResult, error)
	VerifyOTP(ctx context.Context, sessionID, code string, meta service.RequestMeta) (*model.OTPSession, error)
}

type TokenManager interface {
	TokenAuthenticator
	IssueToken(ctx context.Context, userID, sessionID string) (*service.IssuedToken, error)
	Revoke(ctx context.Context, raw string, meta service.RequestMeta) error
}

// AuthHandler serves the OTP login flow under /auth.
type AuthHandler struct {
	otp         OTPManager
	tokens      TokenManager
	auth        *Authenticator
	cookies     CookiePolicy
	adminUserID string
	logger      *zap.Logger
}

// VerifyOTPRequest is the verify-otp body.
type VerifyOTPRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

func NewAuthHandler(otp OTPManager, tokens TokenManager, cookies CookiePolicy, adminUserID string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		otp:         otp,
		tokens:      tokens,
		auth:        NewAuthenticator(tokens, cookies, logger),
		cookies:     cookies,
		adminUserID: adminUserID,
		logger:      logger,
	}
}

// Authenticator exposes the auth gate built on the same token manager and cookie.
func (h *AuthHandler) Authenticator() *Authenticator {
	return h.auth
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/send-otp", h.SendOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Get("/status", h.Status)
		// logout answers every method so non-POST gets the JSON 405 body
		r.HandleFunc("/logout", h.Logout)
	})
}

// SendOTP handles POST /api/auth/send-otp
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	res, err := h.otp.SendOTP(r.Context(), requestMeta(r))
	if err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			respondWithError(h.logger, w, http.StatusTooManyRequests, err, "Too many requests, try again later")
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, err, "Failed to send code")
		return
	}

	expires := res.ExpiresAt
	respondWithJSON(h.logger, w, http.StatusOK, AuthResponse{
		Success:   true,
		Message:   "Verification code sent",
		SessionID: res.SessionID,
		Expires:   &expires,
	})
	h.logger.Debug("OTP sent via HTTP",
		util.String("session_id", res.SessionID),
		util.Duration("duration", time.Since(startTime)))
}

// VerifyOTP handles POST /api/auth/verify-otp. Every verification failure gets the
// same 401 body.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyOTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sessionID, okID := util.SanitizeToken(req.SessionID, maxSessionID)
	code, okCode := util.SanitizeToken(req.Code, maxCodeLength)
	if !okID || !okCode {
		respondWithError(h.logger, w, http.StatusBadRequest, nil, "sessionId and code are required")
		return
	}
	if !util.IsNumeric(code) {
		respondWithError(h.logger, w, http.StatusUnauthorized, service.ErrInvalidCode, msgInvalidCode)
		return
	}

	meta := requestMeta(r)
	if _, err := h.otp.VerifyOTP(ctx, sessionID, code, meta); err != nil {
		if service.IsOTPFailure(err) {
			respondWithError(h.logger, w, http.StatusUnauthorized, err, msgInvalidCode)
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, err, msgInternal)
		return
	}

	// The session is already consumed here, so a failure costs the admin this code.
	issued, err := h.tokens.IssueToken(ctx, h.adminUserID, sessionID)
	if err != nil {
		h.logger.Error("OTP accepted but session token could not be issued; a new code must be requested",
			util.String("session_id", sessionID),
			util.String("client_ip", meta.ClientIP),
			util.ErrorField(err))
		respondWithJSON(h.logger, w, http.StatusInternalServerError, errorResponse(msgInternal))
		return
	}

	http.SetCookie(w, h.cookies.session(issued.Raw))
	respondWithJSON(h.logger, w, http.StatusOK, AuthResponse{
		Success: true,
		Message: "Authentication successful",
		User: &model.AuthenticatedUser{
			ID:        issued.Record.UserID,
			Role:      model.RoleAdmin,
			LoginTime: issued.Record.IssuedAt,
			SessionID: sessionID,
		},
	})
	h.logger.Info("Admin logged in via HTTP",
		util.String("session_id", sessionID),
		util.String("client_ip", meta.ClientIP),
		util.Duration("duration", time.Since(startTime)))
}

// Status handles GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.AuthenticateRequest(r)
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			respondWithJSON(h.logger, w, http.StatusUnauthorized, AuthResponse{
				Success:       false,
				Authenticated: boolPtr(false),
				Message:       "Not authenticated",
			})
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, err, msgInternal)
		return
	}

	respondWithJSON(h.logger, w, http.StatusOK, AuthResponse{
		Success:       true,
		Authenticated: boolPtr(true),
		User:          user,
	})
}

// Logout handles POST /api/auth/logout. The cookie is cleared and the answer is the
// same whether or not there was anything to revoke.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respondWithJSON(h.logger, w, http.StatusMethodNotAllowed, errorResponse("Method not allowed"))
		return
	}

	if raw := h.cookies.read(r); raw != "" {
		if err := h.tokens.Revoke(r.Context(), raw, requestMeta(r)); err != nil {
			h.logger.Warn("Token revoke failed during logout",
				util.String("reason", service.ErrorKind(err)),
				util.ErrorField(err))
		}
	}

	http.SetCookie(w, h.cookies.cleared())
	respondWithJSON(h.logger, w, http.StatusOK, successResponse("Logged out successfully"))
}
