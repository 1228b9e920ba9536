package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amq2api/amq2api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oidcMock serves the three device-authorization endpoints. tokenResponses
// is consumed one entry per /token call; the last entry repeats.
func oidcMock(t *testing.T, tokenResponses []func(w http.ResponseWriter)) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"clientId": "client-1", "clientSecret": "secret-1",
			})
		case "/device_authorization":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"deviceCode":              "dev-code",
				"userCode":                "ABCD-1234",
				"verificationUriComplete": "https://device.sso.example/?user_code=ABCD-1234",
				"interval":                1,
				"expiresIn":               600,
			})
		case "/token":
			n := int(atomic.AddInt32(&tokenCalls, 1)) - 1
			if n >= len(tokenResponses) {
				n = len(tokenResponses) - 1
			}
			tokenResponses[n](w)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func tokenPending(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"authorization_pending"}`))
}

func tokenSlowDown(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"slow_down"}`))
}

func tokenSuccess(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accessToken": "at-1", "refreshToken": "rt-1", "expiresIn": 7200,
	})
}

func TestDeviceFlowStart(t *testing.T) {
	srv, _ := oidcMock(t, []func(http.ResponseWriter){tokenPending})
	f := NewDeviceFlow(testStore(t))
	f.baseURL = srv.URL

	auth, err := f.Start(context.Background(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, auth.AuthID)
	assert.Equal(t, "ABCD-1234", auth.UserCode)
	assert.Equal(t, "https://device.sso.example/?user_code=ABCD-1234", auth.VerificationURIComplete)
	assert.Equal(t, 1, auth.Interval)
	assert.Equal(t, 600, auth.ExpiresIn)

	status, err := f.Status(auth.AuthID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
}

func TestDeviceFlowClaimPollsUntilAuthorized(t *testing.T) {
	srv, tokenCalls := oidcMock(t, []func(http.ResponseWriter){
		tokenPending, tokenSlowDown, tokenSuccess,
	})
	s := testStore(t)
	f := NewDeviceFlow(s)
	f.baseURL = srv.URL

	auth, err := f.Start(context.Background(), "team-a")
	require.NoError(t, err)

	accountID, err := f.Claim(context.Background(), auth.AuthID, "team-a")
	require.NoError(t, err)
	require.NotZero(t, accountID)
	assert.EqualValues(t, 3, atomic.LoadInt32(tokenCalls))

	status, err := f.Status(auth.AuthID)
	require.NoError(t, err)
	assert.Equal(t, "authorized", status)

	account, err := s.Get(accountID)
	require.NoError(t, err)
	assert.Equal(t, store.KindAmazonQ, account.Kind)
	assert.Equal(t, "team-a", account.Label)
	assert.Equal(t, "client-1", account.ClientID)
	assert.Equal(t, "secret-1", account.ClientSecret)
	assert.Equal(t, "at-1", account.AccessToken)
	assert.Equal(t, "rt-1", account.RefreshToken)
	assert.True(t, account.Enabled)

	expiry, err := time.Parse(time.RFC3339, account.Other("token_expires_at").String())
	require.NoError(t, err)
	assert.True(t, expiry.After(time.Now().Add(time.Hour)))

	// A repeated claim returns the stored account without polling again.
	again, err := f.Claim(context.Background(), auth.AuthID, "team-a")
	require.NoError(t, err)
	assert.Equal(t, accountID, again)
	assert.EqualValues(t, 3, atomic.LoadInt32(tokenCalls))
}

func TestDeviceFlowClaimExpiredAuthorization(t *testing.T) {
	srv, _ := oidcMock(t, []func(http.ResponseWriter){
		func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"expired_token"}`))
		},
	})
	s := testStore(t)
	f := NewDeviceFlow(s)
	f.baseURL = srv.URL

	auth, err := f.Start(context.Background(), "")
	require.NoError(t, err)

	_, err = f.Claim(context.Background(), auth.AuthID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	status, err := f.Status(auth.AuthID)
	require.Error(t, err)
	assert.Equal(t, "failed", status)

	accounts, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestDeviceFlowUnknownAuthID(t *testing.T) {
	f := NewDeviceFlow(testStore(t))

	_, err := f.Status("nope")
	assert.Error(t, err)

	_, err = f.Claim(context.Background(), "nope", "")
	assert.Error(t, err)
}
