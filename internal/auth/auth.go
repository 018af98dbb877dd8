// Package auth provides JWT bearer authentication and resolves the
// authenticated owner of a request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken    = errors.New("auth: invalid or expired JWT token")
	ErrUnauthenticated = errors.New("auth: no authenticated user")
)

// UserClaims holds the authenticated user information extracted from a JWT.
type UserClaims struct {
	OwnerID   string    `json:"owner_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service validates and issues HS256 tokens whose subject is the owner id.
type Service struct {
	jwtSecret []byte
	jwtTTL    time.Duration
	now       func() time.Time
}

// NewService creates a new auth service.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    24 * time.Hour,
		now:       time.Now,
	}
}

// IssueToken creates a signed JWT for ownerID, valid for the service TTL.
func (s *Service) IssueToken(ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", fmt.Errorf("auth: issue token: empty owner id")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ValidateJWT verifies an HS256 token and returns its claims. Tokens without
// a subject, issued-at or expiry are rejected.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*UserClaims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(*jwt.Token) (interface{}, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	return &UserClaims{
		OwnerID:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// --- JWT Middleware ---

type contextKey string

const userClaimsKey contextKey = "userClaims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects UserClaims into the request context.
// Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext extracts UserClaims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *UserClaims {
	claims, _ := ctx.Value(userClaimsKey).(*UserClaims)
	return claims
}

// RequireAuthenticatedUser returns the owner id placed in ctx by
// JWTMiddleware.
func (s *Service) RequireAuthenticatedUser(ctx context.Context) (string, error) {
	claims := ClaimsFromContext(ctx)
	if claims == nil || claims.OwnerID == "" {
		return "", ErrUnauthenticated
	}
	return claims.OwnerID, nil
}
