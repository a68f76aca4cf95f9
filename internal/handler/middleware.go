package handler

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"admin-auth-service/internal/metrics"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/service"
	"admin-auth-service/internal/util"
)

type contextKey string

const adminUserKey contextKey = "admin_user"

// TokenAuthenticator resolves a raw session token to its admin.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, raw string, meta service.RequestMeta) (*model.AuthenticatedUser, error)
}

// Authenticator turns the session cookie on a request into an admin identity.
type Authenticator struct {
	tokens  TokenAuthenticator
	cookies CookiePolicy
	logger  *zap.Logger
}

func NewAuthenticator(tokens TokenAuthenticator, cookies CookiePolicy, logger *zap.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, cookies: cookies, logger: logger}
}

// AuthenticateRequest returns service.ErrUnauthenticated when the request carries no
// usable token, and service.ErrStoreUnavailable when the token store cannot be reached.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*model.AuthenticatedUser, error) {
	return a.tokens.Authenticate(r.Context(), a.cookies.read(r), requestMeta(r))
}

// RequireAdminAuth authenticates r for a privileged handler. On rejection it has already
// written the response and the caller must return without side effects.
func (a *Authenticator) RequireAdminAuth(w http.ResponseWriter, r *http.Request) (*model.AuthenticatedUser, bool) {
	user, err := a.AuthenticateRequest(r)
	if err == nil {
		return user, true
	}

	if errors.Is(err, service.ErrUnauthenticated) {
		a.logger.Debug("Admin authentication rejected",
			util.String("path", r.URL.Path),
			util.String("reason", err.Error()))
		respondWithJSON(a.logger, w, http.StatusUnauthorized, errorResponse("Authentication required"))
		return nil, false
	}

	respondWithError(a.logger, w, http.StatusInternalServerError, err, "Internal server error")
	return nil, false
}

// RequireAdmin is the auth gate: next only runs for an authenticated admin, found
// afterwards with UserFromContext.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.RequireAdminAuth(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func WithUser(ctx context.Context, user *model.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, adminUserKey, user)
}

// UserFromContext returns the admin set by RequireAdmin.
func UserFromContext(ctx context.Context) (*model.AuthenticatedUser, bool) {
	user, ok := ctx.Value(adminUserKey).(*model.AuthenticatedUser)
	return user, ok && user != nil
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		RequestID: middleware.GetReqID(r.Context()),
		ClientIP:  util.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// trustedRealIP replaces RemoteAddr with the forwarded client address, but only when the
// connecting peer is one of the trusted proxies. Anyone else could forge the headers.
func trustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClientIP(r, trusted); ok {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClientIP walks X-Forwarded-For from the right, skipping trusted hops, so the
// result is the first address a trusted proxy saw rather than one the client wrote.
func forwardedClientIP(r *http.Request, trusted []netip.Prefix) (string, bool) {
	peer, ok := parseAddr(util.ClientIP(r))
	if !ok || !isTrusted(peer, trusted) {
		return "", false
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseAddr(strings.TrimSpace(hops[i]))
			if !ok {
				return "", false
			}
			if !isTrusted(addr, trusted) {
				return addr.String(), true
			}
		}
	}

	if addr, ok := parseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ok {
		return addr.String(), true
	}
	return "", false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"message":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware logs every request and records its latency. Routes are labelled by
// their chi pattern so metric cardinality stays bounded.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				elapsed := time.Since(start)
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", elapsed),
					util.String("user_agent", r.UserAgent()),
				)
				metrics.ObserveHTTP(r.Method, routePattern(r), ww.Status(), elapsed)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
