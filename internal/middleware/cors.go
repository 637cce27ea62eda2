package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is the set of browser origins allowed to call the API and open sockets.
// An empty set or "*" allows any origin.
type Origins map[string]bool

// ParseOrigins reads a comma-separated list such as "https://shop.example,https://studio.example".
func ParseOrigins(s string) Origins {
	m := make(Origins)
	for _, o := range strings.Split(strings.TrimSpace(s), ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			m[o] = true
		}
	}
	return m
}

// Any reports whether every origin is allowed.
func (o Origins) Any() bool {
	return len(o) == 0 || o["*"]
}

// Allows reports whether a request from origin may proceed. Requests without an
// Origin header come from non-browser clients and are allowed.
func (o Origins) Allows(origin string) bool {
	return origin == "" || o.Any() || o[origin]
}

// CORS sets cross-origin headers for the storefront and studio frontends.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := ParseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := ""
		switch {
		case origins.Any():
			allowOrigin = "*"
		case origin != "" && origins[origin]:
			allowOrigin = origin
			c.Header("Vary", "Origin")
		}
		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TransportSecretHeader)
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
