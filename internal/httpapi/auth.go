// Package httpapi is the thin HTTP contract layer of spec §6: a stdlib
// net/http.ServeMux that parses requests, calls into the internal/*
// controllers, and marshals their typed results and signals back onto the
// wire. Its own decisions are limited to request defaults, the top_k=0
// short-circuit, and mapping signals to HTTP status codes.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// serviceClaims is the minimal claim set for the static service-to-service
// bearer token that replaces teacher's GitHub OAuth end-user login —
// multi-tenant auth is an explicit spec non-goal (§1), but a
// service-to-service token still needs signing/verification.
type serviceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// MintServiceToken signs a bearer token HTTP clients present to this API,
// the way teacher's GenerateJWT signs an end-user session token.
func MintServiceToken(secret, service string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := serviceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

var errInvalidToken = errors.New("httpapi: invalid or expired service token")

func validateServiceToken(secret, tokenString string) error {
	claims := &serviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return errInvalidToken
	}
	return nil
}

type contextKey string

const serviceContextKey contextKey = "httpapi.service"

// RequireServiceToken is bearer-token middleware guarding every route under
// it. When enabled is false it is a no-op, matching teacher's
// "Authentication is DISABLED - running in open mode" escape hatch.
func RequireServiceToken(secret string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if err := validateServiceToken(secret, tokenString); err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceContextKey, true)))
		})
	}
}
