// Package auth identifies platform administrators from the bearer tokens
// issued by the account service. Login and refresh live in that service.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/proofroom/proofroom/internal/httputil"
)

type contextKey string

const userIDKey contextKey = "userID"

var (
	errNoHeader     = errors.New("authorization header required")
	errHeaderFormat = errors.New("invalid authorization header format")
	errInvalidToken = errors.New("invalid token")
	errTokenType    = errors.New("invalid token type")
	errNotAdmin     = errors.New("admin role required")
)

type Handler struct {
	jwtSecret string
}

func NewHandler(jwtSecret string) *Handler {
	return &Handler{jwtSecret: jwtSecret}
}

// Middleware rejects requests that do not carry a valid administrator token.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.adminFromRequest(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errNotAdmin) {
				status = http.StatusForbidden
			}
			httputil.WriteError(w, status, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalUser records an administrator in the context when one is present
// and otherwise lets the request through untouched.
func (h *Handler) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, err := h.adminFromRequest(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
		}
		next.ServeHTTP(w, r)
	})
}

func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

func (h *Handler) adminFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoHeader
	}

	tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", errHeaderFormat
	}

	claims, err := ValidateToken(h.jwtSecret, tokenStr)
	if err != nil {
		return "", errInvalidToken
	}
	if claims.TokenType != "access" {
		return "", errTokenType
	}
	if !claims.IsAdmin() {
		return "", errNotAdmin
	}
	return claims.UserID, nil
}
