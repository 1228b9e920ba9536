// Package logging provides the gin access-log and panic-recovery middleware,
// both writing through logrus so proxy traffic and application logs share one
// stream.
package logging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger logs one structured line per request. Health probes are
// demoted to debug so load-balancer polling does not drown the stream.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  status,
			"latency": time.Since(start).Truncate(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		if account := c.GetHeader("X-Account-ID"); account != "" {
			entry = entry.WithField("forced_account", account)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry = entry.WithField("errors", errs.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		case path == "/health":
			entry.Debug("request served")
		default:
			entry.Info("request served")
		}
	}
}

// GinLogrusRecovery converts handler panics into logged 500 responses.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
