package handler

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"admin-auth-service/internal/util"
)

const (
	HeaderAdminUser    = "X-Admin-User"
	HeaderAdminSession = "X-Admin-Session"
)

// NewContentProxy forwards authenticated admin requests to the content service.
// It must sit behind RequireAdmin: the admin identity is taken from the request
// context and the session cookie is not passed upstream.
func NewContentProxy(upstream string, cookieName string, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid content upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid content upstream url %q", upstream)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del(HeaderAdminUser)
			pr.Out.Header.Del(HeaderAdminSession)
			if user, ok := UserFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderAdminUser, user.ID)
				if user.SessionID != "" {
					pr.Out.Header.Set(HeaderAdminSession, user.SessionID)
				}
			}

			pr.Out.Header.Del("Cookie")
			for _, c := range pr.In.Cookies() {
				if c.Name != cookieName {
					pr.Out.AddCookie(c)
				}
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("Content upstream request failed",
				util.String("path", r.URL.Path),
				util.ErrorField(err))
			respondWithJSON(logger, w, http.StatusBadGateway, errorResponse("Upstream unavailable"))
		},
	}, nil
}
