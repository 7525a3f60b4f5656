// Package web is a thin authenticated HTTP boundary: a JWT bearer
// token is validated and turned into a domain.Principal, which every
// submit/status/cancel/interactive handler receives from the request
// context. Uses a JWTManager/Claims shape; the cookie-based login UI
// (SetTokenCookie/RefreshToken/login endpoint) is dropped since this
// boundary issues no tokens of its own — tokens are expected to be
// minted by whatever identity provider the deployment already trusts.
package web

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/netresearch/jobbroker/core/domain"
)

// JWTManager validates bearer tokens and extracts a domain.Principal.
type JWTManager struct {
	secretKey []byte
}

// Claims is the expected JWT payload: a subject (the principal's user id)
// and a roles claim matched against Application.AllowedRoles.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewJWTManager validates secretKey's length and returns a ready manager.
// Generating a random key here (rather than refusing to start) is kept
// only for local/demo runs without a configured key; it is logged loudly
// because tokens signed with it will not survive a restart.
func NewJWTManager(secretKey string) (*JWTManager, error) {
	if secretKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate random jwt secret: %w", err)
		}
		secretKey = base64.StdEncoding.EncodeToString(key)
		fmt.Println("WARNING: using an auto-generated JWT secret key; set one explicitly for production")
	}
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("jwt secret key must be at least 32 characters long")
	}
	return &JWTManager{secretKey: []byte(secretKey)}, nil
}

// GenerateToken is used only by tests and local demo tooling to mint a
// token for a principal; production deployments mint tokens with their
// own identity provider using the same secret key.
func (jm *JWTManager) GenerateToken(userID string, roles []string, expiry time.Duration) (string, error) {
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "jobbroker",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jm.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken parses and verifies tokenString, rejecting anything not
// signed with HMAC (the only signing method this manager issues).
func (jm *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

type principalContextKey struct{}

// PrincipalFromContext returns the Principal a Middleware call attached to
// ctx, and whether one was present.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	return p, ok
}

// Middleware validates the request's bearer token and attaches the
// resulting Principal to the request context for downstream handlers.
func (jm *JWTManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := jm.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		principal := domain.Principal{UserID: claims.Subject, Roles: claims.Roles, Issuer: claims.Issuer}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
