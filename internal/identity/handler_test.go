package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/savikov/accountd/internal/domain"
	"github.com/savikov/accountd/internal/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRouter wires the handler the same way the application does, minus
// rate limiting.
func newTestRouter(repo Repository) (http.Handler, *Service) {
	service := NewService(repo, time.Hour)
	handler := NewHandler(service, CookieSettings{Duration: time.Hour})

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(service))

			handler.RegisterProtectedRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				handler.RegisterAdminRoutes(r)
			})
		})
	})

	return r, service
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == httputil.SessionCookie {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestHandler_Register(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret","first_name":"Ada","last_name":"L"}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var result struct {
		Data struct {
			ID        string `json:"id"`
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
			Role      string `json:"role"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Data.ID)
	assert.Equal(t, "a@x.com", result.Data.Email)
	assert.Equal(t, "Ada", result.Data.FirstName)
	assert.Equal(t, "member", result.Data.Role)
	assert.NotContains(t, rec.Body.String(), "p1secret")
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestHandler_Register_InvalidJSON(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/users", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Register_MissingFields(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/users", `{"email":"a@x.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation error")
}

func TestHandler_Register_DuplicateEmail(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	body := `{"email":"a@x.com","password":"p1secret"}`
	rec := doRequest(t, router, http.MethodPost, "/api/v1/users", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/users", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Login_SetsSessionCookie(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"a@x.com","password":"p1secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	cookie := sessionCookieFrom(t, rec)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	var result struct {
		Data struct {
			User struct {
				Email string `json:"email"`
			} `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "a@x.com", result.Data.User.Email)
}

func TestHandler_Login_WrongPassword(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"a@x.com","password":"nope-nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_Me_RequiresSession(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/users/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_Me_ReturnsCurrentUser(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret","first_name":"Ada"}`)
	login := doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"a@x.com","password":"p1secret"}`)
	cookie := sessionCookieFrom(t, login)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/users/me", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data struct {
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "a@x.com", result.Data.Email)
	assert.Equal(t, "Ada", result.Data.FirstName)
}

func TestHandler_Logout_RevokesSession(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret"}`)
	login := doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"a@x.com","password":"p1secret"}`)
	cookie := sessionCookieFrom(t, login)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/users/sessions", "", cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The token no longer resolves.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/users/me", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Logout is idempotent.
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/users/sessions", "", cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_Logout_WithoutCookie(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/users/sessions", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_ListUsers_ForbiddenForMember(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret"}`)
	login := doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"a@x.com","password":"p1secret"}`)
	cookie := sessionCookieFrom(t, login)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/users", "", cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ListUsers_AsAdmin(t *testing.T) {
	repo := newMockRepository()
	router, service := newTestRouter(repo)

	_, err := service.EnsureAdmin(context.Background(), "root@x.com", "admin123")
	require.NoError(t, err)
	doRequest(t, router, http.MethodPost, "/api/v1/users",
		`{"email":"a@x.com","password":"p1secret"}`)

	login := doRequest(t, router, http.MethodPost, "/api/v1/users/sessions",
		`{"email":"root@x.com","password":"admin123"}`)
	cookie := sessionCookieFrom(t, login)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/users", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data []struct {
			Email string `json:"email"`
		} `json:"data"`
		Meta struct {
			Total  int `json:"total"`
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Meta.Total)
	assert.Len(t, result.Data, 2)
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestHandler_ListUsers_Unauthenticated(t *testing.T) {
	router, _ := newTestRouter(newMockRepository())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/users", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
