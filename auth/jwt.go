// Package auth issues and validates the bearer tokens identifying ceremony
// callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// Claims carries the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	Role interfaces.Role `json:"role"`
}

// JWTManager handles JWT generation and validation.
type JWTManager struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
	now           func() time.Time
}

func NewJWTManager(secretKey string, issuer string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// Generate creates a signed token for userID with the given role.
func (m *JWTManager) Generate(userID string, role interfaces.Role) (string, error) {
	if userID == "" {
		return "", errors.New("empty user id")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   userID,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate parses tokenString and returns the caller it identifies.
func (m *JWTManager) Validate(tokenString string) (interfaces.Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return interfaces.Caller{}, fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return interfaces.Caller{}, fmt.Errorf("%w: invalid token claims", interfaces.ErrUnauthorized)
	}

	role := claims.Role
	if role == "" {
		role = interfaces.RoleParticipant
	}
	return interfaces.Caller{UserID: claims.Subject, Role: role}, nil
}

type callerKey struct{}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller interfaces.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached by Middleware.
func CallerFrom(ctx context.Context) (interfaces.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(interfaces.Caller)
	return caller, ok
}

// Middleware rejects requests without a valid bearer token and attaches the
// caller to the request context.
func (m *JWTManager) Middleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			caller, err := m.Validate(tokenString)
			if err != nil {
				log.Debug("rejected token", "err", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
