package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	// TokenIssuer is the issuer of admin bearer tokens.
	TokenIssuer = "licensed"
	// RoleAdmin is the only role accepted on the admin surface.
	RoleAdmin = "admin"

	// ActorAdminKey identifies requests authenticated with the static admin key.
	ActorAdminKey = "admin-key"
)

type actorKey struct{}

// Claims are the claims of an admin bearer token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator accepts the static admin key (X-Admin-Key or Bearer) and,
// when a JWT secret is configured, HS256 admin tokens.
type Authenticator struct {
	AdminKey  string
	JWTSecret []byte
	Now       func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// IssueToken signs an admin token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.JWTSecret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := a.now()
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// parseToken validates an admin token and returns its subject.
func (a *Authenticator) parseToken(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(
		raw,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.JWTSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid admin token")
	}
	if claims.Role != RoleAdmin {
		return "", fmt.Errorf("role %q is not allowed", claims.Role)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("admin token has no subject")
	}
	return claims.Subject, nil
}

// Authenticate returns the actor for r, or an error when no credential is valid.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	fromHeader := key != ""
	if !fromHeader {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if key == "" {
		return "", errors.New("missing credentials")
	}

	if a.AdminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.AdminKey)) == 1 {
		return ActorAdminKey, nil
	}
	if !fromHeader && len(a.JWTSecret) > 0 {
		return a.parseToken(key)
	}
	return "", errors.New("invalid credentials")
}

// Middleware rejects unauthenticated requests with 401 and stores the actor
// on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Authenticate(r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Admin request rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "UNAUTHORIZED",
				"message": "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor stores the authenticated admin identity on ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the authenticated admin identity, if any.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}
