package handler

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serviceName = "admin-auth-service"

// HealthChecker reports the state of every backing client by name.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// RouterOptions configures NewRouter. Content, when set, is mounted at ContentMount
// behind the auth gate. Forwarding headers are ignored unless the peer is in TrustedProxies.
type RouterOptions struct {
	RequireHTTPS   bool
	AllowedOrigins []string
	TrustedProxies []netip.Prefix
	Content        http.Handler
	ContentMount   string
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(authHandler *AuthHandler, health HealthChecker, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(trustedRealIP(opts.TrustedProxies))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Service: serviceName}
		status := http.StatusOK
		if health != nil {
			resp.Checks = make(map[string]string)
			for name, err := range health.HealthCheck(r.Context()) {
				if err != nil {
					resp.Checks[name] = err.Error()
					resp.Status = "unhealthy"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		respondWithJSON(logger, w, status, resp)
	})

	router.Handle("/metrics", promhttp.Handler())

	// API routes
	router.Route("/api", func(r chi.Router) {
		authHandler.RegisterRoutes(r)
	})

	if opts.Content != nil {
		mount := opts.ContentMount
		if mount == "" {
			mount = "/api/admin"
		}
		gate := authHandler.Authenticator()
		router.Mount(mount, gate.RequireAdmin(opts.Content))
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusNotFound, errorResponse("Endpoint not found"))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusMethodNotAllowed, errorResponse("Method not allowed"))
	})

	return router
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
