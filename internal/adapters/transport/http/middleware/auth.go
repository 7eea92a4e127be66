package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/jwt"
	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

type Introspector interface {
	Introspect(ctx context.Context, accessToken string) (jwt.Claims, error)
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// RequireBearer rejects the request with 401 before any handler runs unless
// it carries a valid access token. The verified claims are stored on the
// gin context.
func RequireBearer(auth Introspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		claims, err := auth.Introspect(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) (jwt.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return jwt.Claims{}, false
	}
	claims, ok := v.(jwt.Claims)
	return claims, ok
}
