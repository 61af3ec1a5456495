package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chiefd/chiefd/internal/common/httpmw"
)

// corsMiddleware reflects CORS headers only for pages served from this
// machine. Requests without an Origin header (curl, the CLI) pass through
// untouched.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && httpmw.LocalOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
