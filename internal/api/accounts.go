package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// accountPayload is the writable subset of an account accepted by the
// create and update handlers.
type accountPayload struct {
	Label            string          `json:"label"`
	Kind             string          `json:"kind"`
	ClientID         string          `json:"client_id"`
	ClientSecret     string          `json:"client_secret"`
	RefreshToken     string          `json:"refresh_token"`
	AccessToken      string          `json:"access_token"`
	Other            json.RawMessage `json:"other"`
	Enabled          *bool           `json:"enabled"`
	Weight           *int            `json:"weight"`
	RateLimitPerHour *int            `json:"rate_limit_per_hour"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.db.ListAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var p accountPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch p.Kind {
	case store.KindAmazonQ, store.KindGemini, store.KindCustomAPI:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be amazonq, gemini or custom_api"})
		return
	}

	account := &store.Account{
		Label:            p.Label,
		Kind:             p.Kind,
		ClientID:         p.ClientID,
		ClientSecret:     p.ClientSecret,
		RefreshToken:     p.RefreshToken,
		AccessToken:      p.AccessToken,
		Enabled:          true,
		Weight:           50,
		RateLimitPerHour: 20,
	}
	if len(p.Other) > 0 {
		account.OtherJSON = string(p.Other)
	}
	if p.Enabled != nil {
		account.Enabled = *p.Enabled
	}
	if p.Weight != nil {
		account.Weight = *p.Weight
	}
	if p.RateLimitPerHour != nil {
		account.RateLimitPerHour = *p.RateLimitPerHour
	}

	if err := s.db.Create(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Infof("account %d (%s/%s) created", account.ID, account.Kind, account.Label)
	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	var p accountPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if p.Label != "" {
		account.Label = p.Label
	}
	if p.ClientID != "" {
		account.ClientID = p.ClientID
	}
	if p.ClientSecret != "" {
		account.ClientSecret = p.ClientSecret
	}
	if p.RefreshToken != "" {
		account.RefreshToken = p.RefreshToken
	}
	if p.AccessToken != "" {
		account.AccessToken = p.AccessToken
	}
	if len(p.Other) > 0 {
		account.OtherJSON = string(p.Other)
	}
	if p.Enabled != nil {
		account.Enabled = *p.Enabled
	}
	if p.Weight != nil {
		account.Weight = *p.Weight
	}
	if p.RateLimitPerHour != nil {
		account.RateLimitPerHour = *p.RateLimitPerHour
	}

	if err := s.db.Save(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	if err := s.db.Delete(account.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Infof("account %d deleted", account.ID)
	c.JSON(http.StatusOK, gin.H{"deleted": account.ID})
}

func (s *Server) handleRefreshAccount(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.tokens.Refresh(ctx, account); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	refreshed, err := s.db.Get(account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, refreshed)
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	accounts, err := s.db.ListAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	results := make(map[string]string)
	for i := range accounts {
		account := &accounts[i]
		if !account.Enabled || account.Kind == store.KindCustomAPI {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		err := s.tokens.Refresh(ctx, account)
		cancel()
		key := strconv.FormatInt(account.ID, 10)
		if err != nil {
			results[key] = err.Error()
			continue
		}
		results[key] = "ok"
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// handleTestAccount sends a tiny request through the dispatch pipeline,
// forced onto this account, and relays the stream back.
func (s *Server) handleTestAccount(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	body := []byte(`{"model":"claude-sonnet-4.5","max_tokens":32,"messages":[{"role":"user","content":"Reply with the single word: ok"}]}`)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Request.Header.Set("X-Account-ID", strconv.FormatInt(account.ID, 10))
	c.Request.Header.Set("X-Test-Mode", "true")
	s.router.HandleMessages(c, "")
}

func (s *Server) handleAccountStats(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	stats, err := s.db.CallStats(account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAccountQuota reports the gemini per-model quota snapshot stored on
// the account.
func (s *Server) handleAccountQuota(c *gin.Context) {
	account, ok := s.accountParam(c)
	if !ok {
		return
	}
	credits := account.Other("creditsInfo")
	if !credits.Exists() {
		c.JSON(http.StatusOK, gin.H{"models": gin.H{}})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(credits.Raw))
}

// accountParam loads the :id path parameter, writing the error response on
// failure.
func (s *Server) accountParam(c *gin.Context) (*store.Account, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account id"})
		return nil, false
	}
	account, err := s.db.Get(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apperr.ErrNoAccountAvailable) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return account, true
}
