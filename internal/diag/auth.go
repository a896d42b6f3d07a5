package diag

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is how long the operator token minted at startup remains valid.
// The server must be restarted (or the token regenerated) after expiry —
// there is no refresh endpoint in a single-operator local tool.
const tokenTTL = 24 * time.Hour

const tokenSubject = "diag-operator"

type claims struct {
	jwt.RegisteredClaims
}

// GenerateToken mints an HS256 bearer token for the local operator,
// signed with secret. Mirrors leebo-zerogo/internal/controller/api.go's
// GenerateToken(&user, secret) call shape, minus the User record: this
// server has exactly one caller role, so there's nothing to look up.
func GenerateToken(secret string) (token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(tokenTTL)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("diag: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// AuthMiddleware rejects any request without a valid "Authorization:
// Bearer <token>" header signed with secret. Adapted from
// leebo-zerogo/internal/controller/api.go's authHeader/Bearer-prefix
// handling, generalized from a session-lookup check to self-contained JWT
// verification (no server-side session store to consult here).
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "missing Authorization header"})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			c.AbortWithStatusJSON(401, gin.H{"error": "Authorization header must be a Bearer token"})
			return
		}

		parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(401, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}
