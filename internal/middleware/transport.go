package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// TransportSecretHeader carries the shared secret on media transport webhooks.
const TransportSecretHeader = "X-Transport-Secret"

// TransportSecret returns a middleware that admits requests carrying the shared secret.
func TransportSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(TransportSecretHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			response.Unauthorized(c, "invalid transport secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
