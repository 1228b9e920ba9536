package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/amq2api/amq2api/internal/auth"
	"github.com/amq2api/amq2api/internal/cache"
	"github.com/amq2api/amq2api/internal/config"
	"github.com/amq2api/amq2api/internal/distributor"
	"github.com/amq2api/amq2api/internal/router"
	"github.com/amq2api/amq2api/internal/session"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rc, err := store.NewConfigStore(db)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.Config{}
	}
	cacheMgr := cache.NewManager(time.Hour, 100)
	tokens := auth.NewManager(db)
	rt := router.New(cfg, db, rc, distributor.New(db), tokens, cacheMgr, session.NewBinder())
	return New(cfg, db, rc, rt, tokens, auth.NewDeviceFlow(db), cacheMgr), db
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthReportsAccountCounts(t *testing.T) {
	s, db := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "unhealthy", gjson.Get(w.Body.String(), "status").String())

	require.NoError(t, db.Create(&store.Account{Label: "a", Kind: store.KindAmazonQ, Enabled: true}))
	require.NoError(t, db.Create(&store.Account{Label: "b", Kind: store.KindGemini, Enabled: false}))

	w = doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", gjson.Get(w.Body.String(), "status").String())
	assert.EqualValues(t, 2, gjson.Get(w.Body.String(), "total_accounts").Int())
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "enabled_accounts").Int())
}

func TestAPIKeyGate(t *testing.T) {
	s, _ := newTestServer(t, &config.Config{APIKey: "secret"})

	w := doJSON(t, s, http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")

	w = doJSON(t, s, http.MethodGet, "/v1/models", nil, map[string]string{"x-api-key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list", gjson.Get(w.Body.String(), "object").String())

	w = doJSON(t, s, http.MethodGet, "/v1/models", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccountCRUD(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/v2/accounts", map[string]any{
		"label": "q1", "kind": "amazonq", "refresh_token": "rt",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := gjson.Get(w.Body.String(), "id").Int()
	require.NotZero(t, id)
	assert.EqualValues(t, 50, gjson.Get(w.Body.String(), "weight").Int())

	path := "/v2/accounts/" + gjson.Get(w.Body.String(), "id").Raw
	w = doJSON(t, s, http.MethodPatch, path, map[string]any{"weight": 80, "enabled": false}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 80, gjson.Get(w.Body.String(), "weight").Int())
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())

	w = doJSON(t, s, http.MethodGet, "/v2/accounts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "accounts").Array(), 1)

	w = doJSON(t, s, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAccountRejectsUnknownKind(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doJSON(t, s, http.MethodPost, "/v2/accounts", map[string]any{"label": "x", "kind": "mystery"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/v2/config", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "gemini_only_models").Raw, "claude-sonnet-4-5-thinking")

	w = doJSON(t, s, http.MethodPut, "/v2/config", map[string]any{
		"model_mapping": map[string]string{"claude-opus-4-5-thinking": "gemini-3-pro"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gemini-3-pro", gjson.Get(w.Body.String(), "model_mapping.claude-opus-4-5-thinking").String())

	w = doJSON(t, s, http.MethodPut, "/v2/config", map[string]any{"not_a_key": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminSetupThenSessionGate(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/api/admin/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "setup_required").Bool())

	// Management routes are open before setup.
	w = doJSON(t, s, http.MethodGet, "/v2/accounts", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/admin/setup", map[string]string{
		"username": "admin", "password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := gjson.Get(w.Body.String(), "token").String()
	require.NotEmpty(t, token)

	// Once an admin exists the gate closes.
	w = doJSON(t, s, http.MethodGet, "/v2/accounts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v2/accounts", nil, map[string]string{"X-Session-Token": token})
	assert.Equal(t, http.StatusOK, w.Code)

	// Second setup attempt is refused.
	w = doJSON(t, s, http.MethodPost, "/api/admin/setup", map[string]string{
		"username": "admin2", "password": "hunter2hunter2",
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Bad login is rejected, good login mints a fresh session.
	w = doJSON(t, s, http.MethodPost, "/api/admin/login", map[string]string{
		"username": "admin", "password": "wrong-password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/admin/login", map[string]string{
		"username": "admin", "password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Logout invalidates the first token.
	w = doJSON(t, s, http.MethodPost, "/api/admin/logout", nil, map[string]string{"X-Session-Token": token})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, s, http.MethodGet, "/v2/accounts", nil, map[string]string{"X-Session-Token": token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
