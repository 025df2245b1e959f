package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"hft-core/pkg/i18n"
)

const userContextKey = "UserID"

// UserClaims are the claims of tokens issued by the external login service.
type UserClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid && claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces bearer JWT auth. With an empty secret every request passes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respond(c, http.StatusUnauthorized, i18n.M().MissingAuthHeader, nil)
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respond(c, http.StatusUnauthorized, i18n.M().InvalidAuthHeader, nil)
			c.Abort()
			return
		}

		userID, err := parseToken(parts[1], secret)
		if err != nil {
			respond(c, http.StatusUnauthorized, i18n.M().InvalidToken, nil)
			c.Abort()
			return
		}

		c.Set(userContextKey, userID)
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// allowUser rejects requests acting on another user's data. Unauthenticated
// requests (no secret configured) are allowed.
func allowUser(c *gin.Context, userID string) bool {
	if current := CurrentUserID(c); current != "" && current != userID {
		respond(c, http.StatusForbidden, i18n.M().ForeignUser, nil)
		return false
	}
	return true
}
