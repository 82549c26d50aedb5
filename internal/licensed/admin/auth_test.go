package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(t *testing.T, a *Authenticator) (http.Handler, *string) {
	t.Helper()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Actor(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("authorized"))
	})
	return a.Middleware(inner), &seen
}

func serve(h http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/licenses/generate", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminKey(t *testing.T) {
	h, actor := protected(t, &Authenticator{AdminKey: "secret-key"})

	assert.Equal(t, http.StatusUnauthorized, serve(h, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "X-Admin-Key", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Authorization", "Basic secret-key").Code)

	rec := serve(h, "X-Admin-Key", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ActorAdminKey, *actor)

	rec = serve(h, "Authorization", "Bearer secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthorizedBody(t *testing.T) {
	h, _ := protected(t, &Authenticator{AdminKey: "secret-key"})
	rec := serve(h, "X-Admin-Key", "nope")
	assert.JSONEq(t, `{"success":false,"error":"UNAUTHORIZED","message":"unauthorized"}`, rec.Body.String())
}

func TestBearerJWT(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	a := &Authenticator{JWTSecret: []byte("jwt-secret-for-tests"), Now: func() time.Time { return clock }}
	h, actor := protected(t, a)

	token, err := a.IssueToken("ops@example.test", time.Hour)
	require.NoError(t, err)

	rec := serve(h, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@example.test", *actor)

	// A JWT is only accepted as a bearer credential.
	assert.Equal(t, http.StatusUnauthorized, serve(h, "X-Admin-Key", token).Code)

	clock = now.Add(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Authorization", "Bearer "+token).Code)
}

func TestBearerJWTRejectsForeignTokens(t *testing.T) {
	secret := []byte("jwt-secret-for-tests")
	a := &Authenticator{JWTSecret: secret}
	h, _ := protected(t, a)

	other := &Authenticator{JWTSecret: []byte("another-secret")}
	foreign, err := other.IssueToken("x", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Authorization", "Bearer "+foreign).Code)

	claims := Claims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   "viewer@example.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Authorization", "Bearer "+viewer).Code)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, Subject: "a"},
	}).SignedString(secret)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Authorization", "Bearer "+noExpiry).Code)
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := (&Authenticator{}).IssueToken("a", time.Hour)
	assert.Error(t, err)
	a := &Authenticator{JWTSecret: []byte("s")}
	_, err = a.IssueToken(" ", time.Hour)
	assert.Error(t, err)
	_, err = a.IssueToken("a", 0)
	assert.Error(t, err)
}
