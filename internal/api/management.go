package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/amq2api/amq2api/internal/registry"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.ListModels(s.rc),
	})
}

// --- device-authorization onboarding ---

func (s *Server) handleAuthStart(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	_ = c.ShouldBindJSON(&req)

	auth, err := s.deviceFlow.Start(c.Request.Context(), req.Label)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, auth)
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	status, err := s.deviceFlow.Status(c.Param("authId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) handleAuthClaim(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	_ = c.ShouldBindJSON(&req)

	accountID, err := s.deviceFlow.Claim(c.Request.Context(), c.Param("authId"), req.Label)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	log.Infof("device authorization claimed as account %d", accountID)
	c.JSON(http.StatusOK, gin.H{"account_id": accountID})
}

// --- runtime config ---

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.rc.Snapshot())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var patch map[string]json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for key, value := range patch {
		if err := s.rc.Set(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, s.rc.Snapshot())
}

// --- usage and cache reporting ---

func (s *Server) handleUsage(c *gin.Context) {
	if c.Query("recent") != "" {
		limit, _ := strconv.Atoi(c.Query("recent"))
		rows, err := s.db.RecentUsage(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": rows})
		return
	}

	rows, err := s.db.UsageSummary(c.DefaultQuery("period", "day"), c.DefaultQuery("group_by", "model"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}
