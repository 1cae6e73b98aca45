package auth

import (
	"context"
	"net"
	"net/http"
)

// Principal is the authenticated operator attached to a request.
type Principal struct {
	User   User
	Claims *Claims
}

// contextKey is an unexported type for context keys.
type contextKey struct{}

var principalKey = contextKey{}

// Middleware validates the bearer access token on every request and injects
// the Principal. Requests without a valid token get 401.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			user, claims, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, Principal{User: user, Claims: claims})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin allows only admin principals through.
func RequireAdmin(next http.Handler) http.Handler {
	return requireCheck(next, func(p Principal) bool { return p.User.IsAdmin() })
}

// RequireUserManager allows admin and user_manager principals through.
func RequireUserManager(next http.Handler) http.Handler {
	return requireCheck(next, func(p Principal) bool { return p.User.CanManageUsers() })
}

func requireCheck(next http.Handler, allowed func(Principal) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if !allowed(p) {
			http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFrom extracts the authenticated principal from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ClientIP returns the remote host for rate-limiting purposes.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
