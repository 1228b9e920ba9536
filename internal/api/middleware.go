package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// corsMiddleware allows browser clients (the admin console in particular) to
// call the API from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version, X-Session-Token, X-Account-ID, X-Test-Mode")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyMiddleware gates the /v1 routes on the configured key. An empty
// configured key leaves the proxy open.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader("x-api-key")
		if key == "" {
			key = c.GetHeader("Authorization")
			if len(key) > 7 && key[:7] == "Bearer " {
				key = key[7:]
			}
		}
		if key != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid x-api-key",
				},
			})
			return
		}
		c.Next()
	}
}

// sessionMiddleware gates the /v2 management routes on an admin session
// token. Until an admin exists the routes stay open so the console can run
// the first-time setup.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hasAdmin, err := s.db.HasAdmin()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !hasAdmin {
			c.Next()
			return
		}
		token := c.GetHeader("X-Session-Token")
		if token == "" || !s.db.ValidateSession(token, c.Request.UserAgent()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		c.Next()
	}
}
