package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// RequireRole allows only callers whose token carries one of roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	denied := "requires role " + strings.Join(roles, " or ")
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextUserID); !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[c.GetString(ContextUserRole)]; !ok {
			response.Forbidden(c, denied)
			c.Abort()
			return
		}
		c.Next()
	}
}
