package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	claims, err := json.Marshal(map[string]int64{"exp": exp.Unix()})
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + ".sig"
}

func TestJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := jwtExpiry(makeJWT(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = jwtExpiry("not-a-jwt")
	assert.False(t, ok)
}

func TestRefreshAmazonQSuccess(t *testing.T) {
	s := testStore(t)
	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		ClientID: "cid", ClientSecret: "csec", RefreshToken: "old-refresh",
	}
	require.NoError(t, s.Create(account))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grantType"])
		assert.Equal(t, "old-refresh", body["refreshToken"])
		assert.NotEmpty(t, r.Header.Get("Amz-Sdk-Invocation-Id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-access",
			"refreshToken": "new-refresh",
			"expiresIn":    1800,
		})
	}))
	defer upstream.Close()

	m := NewManager(s)
	m.oidcTokenURL = upstream.URL

	require.NoError(t, m.Refresh(context.Background(), account))

	loaded, err := s.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", loaded.AccessToken)
	assert.Equal(t, "new-refresh", loaded.RefreshToken)
	assert.Equal(t, "success", loaded.LastRefreshStatus)
	assert.NotEmpty(t, loaded.Other("token_expires_at").String())
}

func TestRefreshAmazonQInvalidGrantDisables(t *testing.T) {
	s := testStore(t)
	account := &store.Account{Label: "q", Kind: store.KindAmazonQ, Enabled: true, RefreshToken: "revoked"}
	require.NoError(t, s.Create(account))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer upstream.Close()

	m := NewManager(s)
	m.oidcTokenURL = upstream.URL

	err := m.Refresh(context.Background(), account)
	assert.ErrorIs(t, err, apperr.ErrAccountSuspended)

	loaded, errGet := s.Get(account.ID)
	require.NoError(t, errGet)
	assert.False(t, loaded.Enabled)
	assert.Equal(t, "INVALID_GRANT", loaded.Other("suspend_reason").String())
	assert.Equal(t, "failed_invalid_grant", loaded.LastRefreshStatus)
}

func TestRefreshGeminiStoresExpiry(t *testing.T) {
	s := testStore(t)
	account := &store.Account{Label: "g", Kind: store.KindGemini, Enabled: true, RefreshToken: "rt", ClientID: "cid"}
	require.NoError(t, s.Create(account))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt", r.Form.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "g-access", "expires_in": 3599})
	}))
	defer upstream.Close()

	m := NewManager(s)
	m.googleTokenURL = upstream.URL

	require.NoError(t, m.Refresh(context.Background(), account))

	loaded, err := s.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "g-access", loaded.AccessToken)
	exp, errParse := time.Parse(time.RFC3339, loaded.Other("token_expires_at").String())
	require.NoError(t, errParse)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)
}

func TestEnsureFreshSerializesConcurrentRefreshes(t *testing.T) {
	s := testStore(t)
	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: makeJWT(t, time.Now().Add(-time.Minute)),
	}
	require.NoError(t, s.Create(account))

	var refreshCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": makeJWT(t, time.Now().Add(time.Hour)),
			"expiresIn":   3600,
		})
	}))
	defer upstream.Close()

	m := NewManager(s)
	m.oidcTokenURL = upstream.URL

	const k = 8
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fresh, err := m.EnsureFresh(context.Background(), account)
			if err == nil && fresh.AccessToken == "" {
				err = fmt.Errorf("empty bearer after refresh")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.EqualValues(t, 1, refreshCalls.Load(), "concurrent stampede shares one refresh")
}

func TestEnsureFreshSkipsValidBearer(t *testing.T) {
	s := testStore(t)
	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: makeJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, s.Create(account))

	m := NewManager(s)
	m.oidcTokenURL = "http://127.0.0.1:1" // any call would fail

	fresh, err := m.EnsureFresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, account.AccessToken, fresh.AccessToken)
}

func TestCustomAPINeverRefreshes(t *testing.T) {
	s := testStore(t)
	account := &store.Account{Label: "c", Kind: store.KindCustomAPI, Enabled: true, ClientSecret: "sk-key"}
	require.NoError(t, s.Create(account))

	m := NewManager(s)
	fresh, err := m.EnsureFresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, account.ID, fresh.ID)
	require.NoError(t, m.Refresh(context.Background(), account))
}
