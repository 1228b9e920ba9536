package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amq2api/amq2api/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AWS builder-id device authorization endpoints and parameters.
const (
	oidcBaseURL     = "https://oidc.us-east-1.amazonaws.com"
	builderIDStart  = "https://view.awsapps.com/start"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	ssoScope        = "codewhisperer:completions codewhisperer:analysis codewhisperer:conversations"

	// claimTimeout bounds how long a claim call blocks waiting for the user.
	claimTimeout = 300 * time.Second
)

// DeviceAuth is one in-flight device-authorization attempt.
type DeviceAuth struct {
	AuthID                  string `json:"authId"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	UserCode                string `json:"userCode"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expiresIn"`

	clientID     string
	clientSecret string
	deviceCode   string
	createdAt    time.Time

	mu        sync.Mutex
	claimed   bool
	accountID int64
	err       error
}

// DeviceFlow runs the AWS OIDC device-authorization onboarding used to add
// amazonq accounts without pasting tokens by hand.
type DeviceFlow struct {
	store      *store.Store
	httpClient *http.Client
	baseURL    string

	mu      sync.Mutex
	pending map[string]*DeviceAuth
}

// NewDeviceFlow builds a DeviceFlow over the account store.
func NewDeviceFlow(s *store.Store) *DeviceFlow {
	return &DeviceFlow{
		store:      s,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    oidcBaseURL,
		pending:    make(map[string]*DeviceAuth),
	}
}

// Start registers an OIDC client and begins a device authorization. The
// returned DeviceAuth carries the URL and code the user must visit.
func (f *DeviceFlow) Start(ctx context.Context, label string) (*DeviceAuth, error) {
	clientID, clientSecret, err := f.registerClient(ctx)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     builderIDStart,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		DeviceCode              string `json:"deviceCode"`
		UserCode                string `json:"userCode"`
		VerificationURIComplete string `json:"verificationUriComplete"`
		Interval                int    `json:"interval"`
		ExpiresIn               int    `json:"expiresIn"`
	}
	if err = f.post(ctx, "/device_authorization", reqBody, &out); err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	auth := &DeviceAuth{
		AuthID:                  uuid.NewString(),
		VerificationURIComplete: out.VerificationURIComplete,
		UserCode:                out.UserCode,
		Interval:                max(out.Interval, 1),
		ExpiresIn:               out.ExpiresIn,
		clientID:                clientID,
		clientSecret:            clientSecret,
		deviceCode:              out.DeviceCode,
		createdAt:               time.Now(),
	}
	if label != "" {
		auth.AuthID = auth.AuthID + "-" + sanitizeLabel(label)
	}

	f.mu.Lock()
	f.pending[auth.AuthID] = auth
	f.mu.Unlock()
	return auth, nil
}

// Status reports whether the authorization is still pending, done or failed.
func (f *DeviceFlow) Status(authID string) (string, error) {
	f.mu.Lock()
	auth, ok := f.pending[authID]
	f.mu.Unlock()
	if !ok {
		return "", errors.New("unknown auth id")
	}
	auth.mu.Lock()
	defer auth.mu.Unlock()
	switch {
	case auth.err != nil:
		return "failed", auth.err
	case auth.claimed:
		return "authorized", nil
	default:
		return "pending", nil
	}
}

// Claim polls the token endpoint until the user authorizes, the flow
// expires, or claimTimeout elapses. On success a new amazonq account is
// created and its id returned.
func (f *DeviceFlow) Claim(ctx context.Context, authID, label string) (int64, error) {
	f.mu.Lock()
	auth, ok := f.pending[authID]
	f.mu.Unlock()
	if !ok {
		return 0, errors.New("unknown auth id")
	}

	auth.mu.Lock()
	if auth.claimed {
		id := auth.accountID
		auth.mu.Unlock()
		return id, nil
	}
	auth.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	interval := time.Duration(auth.Interval) * time.Second
	for {
		token, err := f.createToken(ctx, auth)
		if err == nil {
			accountID, errStore := f.storeAccount(auth, token, label)
			auth.mu.Lock()
			auth.claimed = true
			auth.accountID = accountID
			auth.err = errStore
			auth.mu.Unlock()
			return accountID, errStore
		}
		if errors.Is(err, errAuthorizationPending) || errors.Is(err, errSlowDown) {
			if errors.Is(err, errSlowDown) {
				interval += time.Second
			}
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("device authorization timed out: %w", ctx.Err())
			case <-time.After(interval):
			}
			continue
		}
		auth.mu.Lock()
		auth.err = err
		auth.mu.Unlock()
		return 0, err
	}
}

var (
	errAuthorizationPending = errors.New("authorization pending")
	errSlowDown             = errors.New("slow down")
)

type deviceToken struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (f *DeviceFlow) createToken(ctx context.Context, auth *DeviceAuth) (*deviceToken, error) {
	reqBody, err := json.Marshal(map[string]string{
		"clientId":     auth.clientID,
		"clientSecret": auth.clientSecret,
		"deviceCode":   auth.deviceCode,
		"grantType":    deviceGrantType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/token", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusOK {
		var token deviceToken
		if err = json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
			return nil, errors.New("token response malformed")
		}
		return &token, nil
	}
	switch {
	case strings.Contains(string(body), "authorization_pending"):
		return nil, errAuthorizationPending
	case strings.Contains(string(body), "slow_down"):
		return nil, errSlowDown
	case strings.Contains(string(body), "expired_token"):
		return nil, errors.New("device authorization expired")
	}
	return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
}

func (f *DeviceFlow) storeAccount(auth *DeviceAuth, token *deviceToken, label string) (int64, error) {
	if label == "" {
		label = "amazonq-" + time.Now().Format("20060102-150405")
	}
	expiry := time.Now().Add(time.Duration(max(token.ExpiresIn, 3600)) * time.Second)
	account := &store.Account{
		Label:        label,
		Kind:         store.KindAmazonQ,
		ClientID:     auth.clientID,
		ClientSecret: auth.clientSecret,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		Enabled:      true,
	}
	account.SetOther("token_expires_at", expiry.Format(time.RFC3339))
	if err := f.store.Create(account); err != nil {
		return 0, err
	}
	log.Infof("device authorization completed, account %d (%s) stored", account.ID, account.Label)
	return account.ID, nil
}

func (f *DeviceFlow) registerClient(ctx context.Context) (string, string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"clientName": "amq2api-" + uuid.NewString()[:8],
		"clientType": "public",
		"scopes":     strings.Split(ssoScope, " "),
	})
	if err != nil {
		return "", "", err
	}
	var out struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err = f.post(ctx, "/client/register", reqBody, &out); err != nil {
		return "", "", fmt.Errorf("client registration failed: %w", err)
	}
	return out.ClientID, out.ClientSecret, nil
}

func (f *DeviceFlow) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func sanitizeLabel(label string) string {
	var sb strings.Builder
	for _, r := range label {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
