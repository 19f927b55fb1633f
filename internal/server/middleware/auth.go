package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const identityKey ctxKey = iota

type caller struct {
	id            domain.Identity
	authenticated bool
}

// IdentityResolver maps bearer tokens to user IDs. With a JWT secret the
// token must be an HS256 JWT whose subject is the user; otherwise the static
// token table is consulted.
type IdentityResolver struct {
	secret []byte
	tokens map[string]string
}

// NewIdentityResolver creates a resolver. With neither a secret nor tokens
// every request is anonymous.
func NewIdentityResolver(jwtSecret string, tokens map[string]string) *IdentityResolver {
	r := &IdentityResolver{tokens: make(map[string]string, len(tokens))}
	if jwtSecret != "" {
		r.secret = []byte(jwtSecret)
	}
	for tok, user := range tokens {
		r.tokens[tok] = user
	}
	return r
}

// Enabled reports whether requests must carry a token.
func (r *IdentityResolver) Enabled() bool {
	return len(r.secret) > 0 || len(r.tokens) > 0
}

// Resolve returns the user ID for token.
func (r *IdentityResolver) Resolve(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("middleware: missing token: %w", domain.ErrUnauthorized)
	}
	if len(r.secret) > 0 {
		parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return r.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			return "", fmt.Errorf("middleware: jwt: %v: %w", err, domain.ErrUnauthorized)
		}
		sub, err := parsed.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", fmt.Errorf("middleware: jwt without subject: %w", domain.ErrUnauthorized)
		}
		return sub, nil
	}
	for tok, user := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", fmt.Errorf("middleware: unknown token: %w", domain.ErrUnauthorized)
}

// Auth attaches the caller's identity to the request context. Paths in
// public skip authentication but still carry the source IP; an entry ending
// in "/" matches the whole subtree.
func Auth(resolver *IdentityResolver, trustProxy bool, public ...string) func(http.Handler) http.Handler {
	isPublic := func(path string) bool {
		for _, p := range public {
			if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := caller{id: domain.Identity{SourceIP: ClientIP(r, trustProxy)}}
			if resolver.Enabled() && !isPublic(r.URL.Path) {
				user, err := resolver.Resolve(extractToken(r))
				if err != nil {
					writeUnauthorized(w, unauthorizedMessage(err))
					return
				}
				c.id.UserID = user
				c.authenticated = true
			} else {
				c.id.UserID = "anonymous"
			}
			noteUser(r.Context(), c.id.UserID)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, c)))
		})
	}
}

// IdentityFrom returns the identity Auth attached. authenticated is false
// when authentication is disabled.
func IdentityFrom(ctx context.Context) (id domain.Identity, authenticated bool) {
	c, _ := ctx.Value(identityKey).(caller)
	return c.id, c.authenticated
}

// WithIdentity returns ctx carrying id, for tests and internal callers.
func WithIdentity(ctx context.Context, id domain.Identity, authenticated bool) context.Context {
	return context.WithValue(ctx, identityKey, caller{id: id, authenticated: authenticated})
}

// Admin guards operator endpoints with a static token sent as
// X-Admin-Token. An empty token disables the endpoints.
func Admin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSONError(w, http.StatusForbidden, "admin endpoints disabled")
				return
			}
			got := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeUnauthorized(w, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, domain.ErrUnauthorized) && strings.Contains(err.Error(), "missing token") {
		return "missing authentication token"
	}
	return "invalid authentication token"
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	// Browsers cannot set headers on WebSocket upgrades.
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
