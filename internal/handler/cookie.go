package handler

import (
	"net/http"
	"time"
)

// CookiePolicy describes the session cookie.
type CookiePolicy struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

func (p CookiePolicy) session(value string) *http.Cookie {
	return &http.Cookie{
		Name:     p.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(p.TTL / time.Second),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// cleared expires the cookie immediately. net/http writes MaxAge < 0 as "Max-Age=0".
func (p CookiePolicy) cleared() *http.Cookie {
	c := p.session("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (p CookiePolicy) read(r *http.Request) string {
	c, err := r.Cookie(p.Name)
	if err != nil {
		return ""
	}
	return c.Value
}
