package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/savikov/accountd/internal/domain"
	"github.com/stretchr/testify/assert"
)

// stubResolver implements SessionResolver for testing.
type stubResolver struct {
	userID string
	role   domain.Role
	err    error
}

func (s *stubResolver) ResolveSession(_ context.Context, _ string) (string, domain.Role, error) {
	return s.userID, s.role, s.err
}

func okHandler(t *testing.T, wantUserID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantUserID, GetUserID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoCookie(t *testing.T) {
	handler := AuthMiddleware(&stubResolver{})(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_InvalidSession(t *testing.T) {
	resolver := &stubResolver{err: errors.New("session not found")}
	handler := AuthMiddleware(resolver)(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "bad-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ValidSession(t *testing.T) {
	resolver := &stubResolver{userID: "user-1", role: domain.RoleMember}
	handler := AuthMiddleware(resolver)(okHandler(t, "user-1"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		role     interface{}
		minRole  domain.Role
		wantCode int
	}{
		{"admin passes admin gate", domain.RoleAdmin, domain.RoleAdmin, http.StatusOK},
		{"member blocked from admin gate", domain.RoleMember, domain.RoleAdmin, http.StatusForbidden},
		{"member passes member gate", domain.RoleMember, domain.RoleMember, http.StatusOK},
		{"missing role is unauthorized", nil, domain.RoleAdmin, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(tt.minRole)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.role != nil {
				ctx := context.WithValue(req.Context(), RoleKey, tt.role)
				req = req.WithContext(ctx)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
