package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type identityCtxKey struct{}

// roleLevel ranks roles for RequireMinRole.
var roleLevel = map[string]int{
	RoleReadonly: 0,
	RoleOperator: 1,
	RoleAdmin:    2,
}

// Authenticator validates a raw PAT and resolves its Identity. Store
// satisfies this.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (Identity, error)
}

// RequireAuth extracts a Bearer token from the Authorization header,
// validates it against auther, and stashes the resolved Identity on the
// request context for downstream handlers and RequireMinRole.
func RequireAuth(auther Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			raw := bearerToken(req)
			if raw == "" {
				respondUnauthorized(w, "missing bearer token")
				return
			}
			id, err := auther.Authenticate(req.Context(), raw)
			if err != nil {
				respondUnauthorized(w, "invalid or revoked token")
				return
			}
			ctx := context.WithValue(req.Context(), identityCtxKey{}, id)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// RequireAuthRateLimited wraps RequireAuth with a per-remote-address cap
// on authentication attempts, applied ahead of PAT validation so an
// attacker cannot grind bcrypt comparisons.
func RequireAuthRateLimited(auther Authenticator, limiter *RateLimiter) func(http.Handler) http.Handler {
	inner := RequireAuth(auther)
	return func(next http.Handler) http.Handler {
		wrapped := inner(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			_ = limiter.Reset(req.Context(), req.RemoteAddr)
			next.ServeHTTP(w, req)
		}))
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := req.RemoteAddr
			allowed, err := limiter.Allow(req.Context(), key)
			if err != nil {
				respondUnauthorized(w, "rate limit check failed")
				return
			}
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many authentication attempts"})
				return
			}
			wrapped.ServeHTTP(w, req)
		})
	}
}

// RequireRole only admits requests whose Identity.Role exactly matches one
// of allowed.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		set[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id, ok := IdentityFromContext(req.Context())
			if !ok {
				respondUnauthorized(w, "missing identity")
				return
			}
			if _, ok := set[id.Role]; !ok {
				respondForbidden(w, "role not permitted")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// RequireMinRole admits requests whose role ranks at or above min in
// roleLevel, so an admin token satisfies an operator-level route.
func RequireMinRole(min string) func(http.Handler) http.Handler {
	minLevel := roleLevel[min]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id, ok := IdentityFromContext(req.Context())
			if !ok {
				respondUnauthorized(w, "missing identity")
				return
			}
			if roleLevel[id.Role] < minLevel {
				respondForbidden(w, "insufficient role")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// IdentityFromContext returns the Identity stashed by RequireAuth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func respondForbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
