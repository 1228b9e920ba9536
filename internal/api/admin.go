package api

import (
	"errors"
	"net/http"

	"github.com/amq2api/amq2api/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type adminCredentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleAdminStatus tells the console whether first-time setup is needed.
func (s *Server) handleAdminStatus(c *gin.Context) {
	hasAdmin, err := s.db.HasAdmin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"setup_required": !hasAdmin})
}

// handleAdminSetup creates the first admin. It refuses once one exists.
func (s *Server) handleAdminSetup(c *gin.Context) {
	hasAdmin, err := s.db.HasAdmin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if hasAdmin {
		c.JSON(http.StatusConflict, gin.H{"error": "setup already completed"})
		return
	}

	var creds adminCredentials
	if err = c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err = s.db.CreateAdmin(creds.Username, creds.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Infof("admin user %q created", creds.Username)

	token, err := s.db.Login(creds.Username, creds.Password, c.Request.UserAgent())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var creds adminCredentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.db.Login(creds.Username, creds.Password, c.Request.UserAgent())
	if err != nil {
		if errors.Is(err, store.ErrBadCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleAdminLogout(c *gin.Context) {
	token := c.GetHeader("X-Session-Token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session token"})
		return
	}
	if err := s.db.Logout(token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
