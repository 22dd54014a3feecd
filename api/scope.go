package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/observability"
)

// WorkshopHeader carries the workshop id when no JWT secret is configured.
const WorkshopHeader = "X-Workshop-ID"

// WorkshopClaims is the token payload issued by the identity provider in
// front of the engine.
type WorkshopClaims struct {
	WorkshopID string `json:"workshop_id"`
	jwt.RegisteredClaims
}

// ScopeMiddleware resolves the workshop for every request and stores it with
// loyalty.WithWorkshop. With a secret, only an HS256 bearer token is
// accepted; without one the X-Workshop-ID header is trusted (development and
// deployments behind an authenticating proxy).
func ScopeMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ws string
			var err error
			if secret != "" {
				ws, err = workshopFromToken(r, []byte(secret))
			} else {
				ws = strings.TrimSpace(r.Header.Get(WorkshopHeader))
			}
			if err == nil && ws == "" {
				err = loyalty.ErrMissingScope
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Workshop scope required", err)
				return
			}

			ctx := loyalty.WithWorkshop(r.Context(), loyalty.WorkshopID(ws))
			ctx = observability.WithFields(ctx, observability.Field{Key: "workshop_id", Value: ws})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func workshopFromToken(r *http.Request, secret []byte) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", loyalty.ErrMissingScope
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", fmt.Errorf("%w: invalid Authorization header format", loyalty.ErrMissingScope)
	}

	var claims WorkshopClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: invalid token: %v", loyalty.ErrMissingScope, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", loyalty.ErrMissingScope)
	}
	if claims.WorkshopID == "" {
		return "", fmt.Errorf("%w: token has no workshop_id claim", loyalty.ErrMissingScope)
	}
	return claims.WorkshopID, nil
}

// IssueToken signs a workshop token. Used by tests and local tooling; the
// production identity provider issues its own.
func IssueToken(secret string, ws loyalty.WorkshopID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := WorkshopClaims{
		WorkshopID: string(ws),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
