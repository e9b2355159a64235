// ABOUTME: Tests for the HTTP credential middleware and the admin gate
// ABOUTME: Covers bearer extraction, bcrypt admin tokens, and loopback detection

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newTestValidator(t)
	key, err := v.IssueKey("u1")
	require.NoError(t, err)

	var seen *AuthContext
	handler := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "basic auth", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad key", header: "Bearer t2b_u1_deadbeef", want: http.StatusUnauthorized},
		{name: "valid key", header: "Bearer " + key, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "u1", seen.UserID)
				assert.False(t, seen.IsAdmin())
			}
		})
	}
}

func TestAdminGate(t *testing.T) {
	hash, err := HashAdminToken("s3cret-admin")
	require.NoError(t, err)
	gate := NewAdminGate(hash)

	handler := gate.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, FromContext(r.Context()).IsAdmin())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/tunnels/reverse/start", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", "Bearer s3cret-admin")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminGate_DisabledWithoutHash(t *testing.T) {
	gate := NewAdminGate("")
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer anything")
	assert.False(t, gate.IsAdmin(req))

	var nilGate *AdminGate
	assert.False(t, nilGate.IsAdmin(req))
}

func TestIsLoopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	assert.True(t, IsLoopback(req))

	req.RemoteAddr = "[::1]:54321"
	assert.True(t, IsLoopback(req))

	req.RemoteAddr = "203.0.113.9:443"
	assert.False(t, IsLoopback(req))

	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Forwarded-For", "198.51.100.2")
	assert.False(t, IsLoopback(req), "tunneled requests must not count as local")
}

func TestForwardedFor(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "not forwarded", want: ""},
		{name: "single hop", headers: map[string]string{"X-Forwarded-For": "198.51.100.2"}, want: "198.51.100.2"},
		{name: "nearest proxy wins", headers: map[string]string{"X-Forwarded-For": "10.9.9.9, 198.51.100.2"}, want: "198.51.100.2"},
		{name: "forwarded header", headers: map[string]string{"Forwarded": "for=192.0.2.60;proto=https"}, want: "192.0.2.60"},
		{name: "quoted forwarded", headers: map[string]string{"Forwarded": `for=10.0.0.1, For="[2001:db8::1]:4711"`}, want: "[2001:db8::1]:4711"},
		{name: "forwarded without for", headers: map[string]string{"Forwarded": "proto=https"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ForwardedFor(req))
		})
	}
}
