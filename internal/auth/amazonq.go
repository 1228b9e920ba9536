package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Header values mirroring the AWS SDK clients the OIDC endpoint expects.
const (
	awsUserAgent     = "aws-sdk-rust/1.3.2 os/macos lang/rust/1.78.0"
	awsAmzUserAgent  = "aws-sdk-rust/1.3.2 api/ssooidc/1.3.0 os/macos lang/rust/1.78.0"
	refreshGrantType = "refresh_token"
)

// refreshAmazonQ exchanges the refresh token at the AWS OIDC endpoint and
// persists the result. A 400 with invalid_grant disables the account.
func (m *Manager) refreshAmazonQ(ctx context.Context, account *store.Account) error {
	payload := map[string]string{
		"grantType":    refreshGrantType,
		"refreshToken": account.RefreshToken,
		"clientId":     account.ClientID,
		"clientSecret": account.ClientSecret,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.oidcTokenURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", awsUserAgent)
	req.Header.Set("X-Amz-User-Agent", awsAmzUserAgent)
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())

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
			log.Warnf("account %d (%s) disabled: refresh token revoked", account.ID, account.Label)
			return fmt.Errorf("refresh token revoked: %w", apperr.ErrAccountSuspended)
		}
		_ = m.store.UpdateTokens(account.ID, "", "", fmt.Sprintf("failed_%d", resp.StatusCode))
		return fmt.Errorf("refresh returned status %d: %w", resp.StatusCode, apperr.ErrTokenRefreshFailed)
	}

	var token struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
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

	if err = m.store.UpdateTokens(account.ID, token.AccessToken, token.RefreshToken, "success"); err != nil {
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
	if token.RefreshToken != "" {
		account.RefreshToken = token.RefreshToken
	}
	account.OtherJSON = fresh.OtherJSON
	log.Debugf("refreshed amazonq token for account %d, expires %s", account.ID, expiry.Format(time.RFC3339))
	return nil
}
