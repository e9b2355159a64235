// ABOUTME: HTTP middleware for bearer credentials and the administrator gate
// ABOUTME: Admin tokens are checked against a bcrypt hash; loopback callers get read-only access

package auth

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerCredential returns the bearer token of r, or "" when absent.
func BearerCredential(r *http.Request) string {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return ""
	}
	return token
}

// HTTPAuthMiddleware validates the bearer credential and adds the user's
// AuthContext to the request context.
func HTTPAuthMiddleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := v.Validate(token)
			if err != nil {
				http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{UserID: id.UserID, Method: id.Method}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// AdminGate checks administrator bearer tokens against a bcrypt hash.
// A gate with no hash configured never grants admin.
type AdminGate struct {
	hash []byte
}

// NewAdminGate creates a gate from a bcrypt hash. An empty hash disables admin access.
func NewAdminGate(bcryptHash string) *AdminGate {
	return &AdminGate{hash: []byte(bcryptHash)}
}

// HashAdminToken returns the bcrypt hash to store in configuration for token.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsAdmin reports whether r carries the administrator token.
func (g *AdminGate) IsAdmin(r *http.Request) bool {
	if g == nil || len(g.hash) == 0 {
		return false
	}
	token := BearerCredential(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

// OptionalAdmin attaches an admin AuthContext when the request carries the
// admin token and passes every request through.
func (g *AdminGate) OptionalAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.IsAdmin(r) {
			r = r.WithContext(WithAuth(r.Context(), &AuthContext{Method: "admin", Admin: true}))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests without the admin token.
func (g *AdminGate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.IsAdmin(r) {
			http.Error(w, `{"error":"admin token required"}`, http.StatusForbidden)
			return
		}
		r = r.WithContext(WithAuth(r.Context(), &AuthContext{Method: "admin", Admin: true}))
		next.ServeHTTP(w, r)
	})
}

// IsLoopback reports whether the request originated from the local host.
// Tunnel processes connect from loopback too, so forwarded requests are
// never treated as local.
func IsLoopback(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ForwardedFor returns the client address recorded by the nearest proxy,
// taken from the last X-Forwarded-For entry or the last Forwarded "for"
// parameter. It returns "" for requests that were not forwarded.
func ForwardedFor(r *http.Request) string {
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		parts := strings.Split(xff[len(xff)-1], ",")
		if addr := strings.TrimSpace(parts[len(parts)-1]); addr != "" {
			return addr
		}
	}
	if fwd := r.Header.Values("Forwarded"); len(fwd) > 0 {
		elems := strings.Split(fwd[len(fwd)-1], ",")
		for _, param := range strings.Split(elems[len(elems)-1], ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(name, "for") {
				return strings.Trim(value, `"`)
			}
		}
	}
	return ""
}
