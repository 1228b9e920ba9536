package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	log "github.com/sirupsen/logrus"
)

// refreshGemini exchanges the refresh token at Google's OAuth endpoint and
// stores the bearer plus its expiry in the metadata bag.
func (m *Manager) refreshGemini(ctx context.Context, account *store.Account) error {
	clientID, clientSecret := account.ClientID, account.ClientSecret
	if clientID == "" {
		clientID, clientSecret = m.geminiClientID, m.geminiClientSecret
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.RefreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		_ = m.store.UpdateTokens(account.ID, "", "", "failed_network")
		return fmt.Errorf("refresh request failed: %w: %v", apperr.ErrTokenRefreshFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(respBody), "invalid_grant") {
			_ = m.store.UpdateTokens(account.ID, "", "", "failed_invalid_grant")
			_ = m.store.Disable(account.ID, "INVALID_GRANT")
			log.Warnf("gemini account %d (%s) disabled: refresh token revoked", account.ID, account.Label)
			return fmt.Errorf("refresh token revoked: %w", apperr.ErrAccountSuspended)
		}
		_ = m.store.UpdateTokens(account.ID, "", "", fmt.Sprintf("failed_%d", resp.StatusCode))
		return fmt.Errorf("refresh returned status %d: %w", resp.StatusCode, apperr.ErrTokenRefreshFailed)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err = json.Unmarshal(respBody, &token); err != nil || token.AccessToken == "" {
		_ = m.store.UpdateTokens(account.ID, "", "", "failed_parse")
		return fmt.Errorf("refresh response malformed: %w", apperr.ErrTokenRefreshFailed)
	}

	expiresIn := token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiry := time.Now().Add(time.Duration(expiresIn) * time.Second)

	if err = m.store.UpdateTokens(account.ID, token.AccessToken, "", "success"); err != nil {
		return err
	}
	fresh, err := m.store.Get(account.ID)
	if err != nil {
		return err
	}
	fresh.SetOther("token_expires_at", expiry.Format(time.RFC3339))
	if err = m.store.Save(fresh); err != nil {
		return err
	}

	account.AccessToken = token.AccessToken
	account.OtherJSON = fresh.OtherJSON
	log.Debugf("refreshed gemini token for account %d, expires %s", account.ID, expiry.Format(time.RFC3339))
	return nil
}
