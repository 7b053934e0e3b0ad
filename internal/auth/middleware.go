package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware extracts scopes from a Bearer token into the request context.
// Requests without a token pass through with no scopes; individual tools
// decide what they require.
func Middleware(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			if claims, err := manager.Validate(token); err == nil {
				c.Request = c.Request.WithContext(WithScopes(c.Request.Context(), claims.Scopes))
			}
		}
		c.Next()
	}
}
