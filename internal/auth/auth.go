package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
)

// CookieName is the session cookie set on login.
const CookieName = "token"

type ctxKey string

const authedKey ctxKey = "fastpan.authenticated"

// IsAuthenticated reports whether the request carrying ctx presented a valid
// session.
func IsAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(authedKey).(bool)
	return v
}

func WithAuthenticated(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, authedKey, ok)
}

// Middleware marks each request authenticated or anonymous. It never rejects;
// handlers decide what an anonymous caller may do.
func Middleware(sessions *Sessions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok := sessions.Valid(TokenFromRequest(r))
		next.ServeHTTP(w, r.WithContext(WithAuthenticated(r.Context(), ok)))
	})
}

// BasicMiddleware is for clients that only speak HTTP Basic (WebDAV). A
// valid session cookie is accepted too.
func BasicMiddleware(sessions *Sessions, realm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsAuthenticated(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok || !sessions.CheckBasic(u, p) {
			Challenge(w, realm)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthenticated(r.Context(), true)))
	})
}

// TokenFromRequest pulls a session token from the cookie or a Bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	const prefix = "Bearer "
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(v, prefix))
	}
	return ""
}

func Challenge(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
