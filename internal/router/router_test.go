package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amq2api/amq2api/internal/auth"
	"github.com/amq2api/amq2api/internal/cache"
	"github.com/amq2api/amq2api/internal/config"
	"github.com/amq2api/amq2api/internal/distributor"
	"github.com/amq2api/amq2api/internal/session"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routerFixture struct {
	router *Router
	db     *store.Store
	dist   *distributor.Distributor
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rc, err := store.NewConfigStore(db)
	require.NoError(t, err)

	cfg := &config.Config{MaxInputTokens: 100000}
	dist := distributor.New(db)
	rt := New(cfg, db, rc, dist, auth.NewManager(db), cache.NewManager(time.Hour, 100), session.NewBinder())
	return &routerFixture{router: rt, db: db, dist: dist}
}

func (f *routerFixture) serve(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	f.router.HandleMessages(c, "")
	return w
}

func bearerJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	claims, err := json.Marshal(map[string]int64{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + ".sig"
}

func encodeFrame(t *testing.T, eventType, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue(eventType)},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":content-type", Value: eventstream.StringValue("application/json")},
		},
		Payload: []byte(payload),
	}
	require.NoError(t, enc.Encode(&buf, msg))
	return buf.Bytes()
}

const minimalBody = `{"model":"claude-sonnet-4.5","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`

func TestAmazonQStreaming(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AmazonCodeWhispererStreamingService.GenerateAssistantResponse", r.Header.Get("X-Amz-Target"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encodeFrame(t, "initial-response", `{"conversationId":"conv-1"}`))
		_, _ = w.Write(encodeFrame(t, "assistantResponseEvent", `{"content":"hel"}`))
		_, _ = w.Write(encodeFrame(t, "assistantResponseEvent", `{"content":"lo"}`))
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: bearerJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, f.db.Create(account))
	f.router.amazonqURL = upstream.URL

	w := f.serve(t, minimalBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, `"text":"hel"`)
	assert.Contains(t, body, `"text":"lo"`)
	assert.Contains(t, body, "event: message_stop")

	rows, err := f.db.RecentUsage(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.KindAmazonQ, rows[0].Channel)
	assert.Equal(t, account.ID, rows[0].AccountID)
}

func TestAmazonQSuspensionDisablesAccount(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"TEMPORARILY_SUSPENDED"}`))
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: bearerJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, f.db.Create(account))
	f.router.amazonqURL = upstream.URL

	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	reloaded, err := f.db.Get(account.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Enabled)
}

func TestAmazonQRateLimitCoolsDown(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"__type":"ThrottlingException"}`))
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: bearerJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, f.db.Create(account))
	f.router.amazonqURL = upstream.URL

	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, f.dist.IsInCooldown(account.ID))
}

func TestCustomOpenAIStreaming(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "custom", Kind: store.KindCustomAPI, Enabled: true,
		ClientSecret: "sk-test",
		OtherJSON:    `{"api_base":"` + upstream.URL + `","model":"gpt-4o"}`,
	}
	require.NoError(t, f.db.Create(account))

	w := f.serve(t, minimalBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"text":"hel"`)
	assert.Contains(t, body, `"text":"lo"`)
	assert.Contains(t, body, "event: message_stop")

	rows, err := f.db.RecentUsage(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gpt-4o", rows[0].Model)
	assert.Equal(t, 2, rows[0].OutputTokens)
}

func geminiAccount(t *testing.T, f *routerFixture) *store.Account {
	t.Helper()
	account := &store.Account{
		Label: "g", Kind: store.KindGemini, Enabled: true,
		AccessToken: "ya29.test",
		OtherJSON: `{"project":"p1","token_expires_at":"` +
			time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}`,
	}
	require.NoError(t, f.db.Create(account))
	return account
}

func TestGeminiQuotaExhaustedMarksModel(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "fetchAvailableModels") {
			_, _ = w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.0,"resetTime":"2026-08-25T00:00:00Z"}}}}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	account := geminiAccount(t, f)
	f.router.geminiEndpoint = upstream.URL

	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	reloaded, err := f.db.Get(account.ID)
	require.NoError(t, err)
	assert.False(t, f.db.ModelQuotaAvailable(reloaded, "claude-sonnet-4-5"))
}

func TestGeminiThrottledWithQuotaCoolsDown(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "fetchAvailableModels") {
			_, _ = w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.5}}}}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	account := geminiAccount(t, f)
	f.router.geminiEndpoint = upstream.URL

	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, f.dist.IsInCooldown(account.ID))

	reloaded, err := f.db.Get(account.ID)
	require.NoError(t, err)
	assert.True(t, f.db.ModelQuotaAvailable(reloaded, "claude-sonnet-4-5"))
}

func TestGeminiEmptyBodyYieldsCompleteSequence(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	geminiAccount(t, f)
	f.router.geminiEndpoint = upstream.URL

	w := f.serve(t, minimalBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, "event: content_block_start")
	assert.Contains(t, body, "event: message_stop")
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	f := newFixture(t)

	firstFrame := make(chan struct{})
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encodeFrame(t, "assistantResponseEvent", `{"content":"par"}`))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		close(firstFrame)
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		AccessToken: bearerJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, f.db.Create(account))
	f.router.amazonqURL = upstream.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(minimalBody))).WithContext(ctx)

	served := make(chan struct{})
	go func() {
		f.router.HandleMessages(c, "")
		close(served)
	}()

	// Disconnect the client once the stream is mid-flight.
	<-firstFrame
	cancel()

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
	select {
	case <-upstreamDone:
	case <-time.After(time.Second):
		t.Fatal("upstream request context was not cancelled")
	}

	// An aborted stream leaves no usage row behind.
	rows, err := f.db.RecentUsage(10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestForcedAccountHeader(t *testing.T) {
	f := newFixture(t)

	account := &store.Account{Label: "off", Kind: store.KindAmazonQ, Enabled: false}
	require.NoError(t, f.db.Create(account))

	w := f.serve(t, minimalBody, map[string]string{
		"X-Account-ID": strconv.FormatInt(account.ID, 10),
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimitedAccountStillPickedAsFallback(t *testing.T) {
	f := newFixture(t)

	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encodeFrame(t, "assistantResponseEvent", `{"content":"ok"}`))
	}))
	defer upstream.Close()

	account := &store.Account{
		Label: "q", Kind: store.KindAmazonQ, Enabled: true,
		RateLimitPerHour: 1,
		AccessToken:      bearerJWT(t, time.Now().Add(time.Hour)),
	}
	require.NoError(t, f.db.Create(account))
	require.NoError(t, f.db.RecordCall(account.ID, "claude-sonnet-4.5"))
	f.router.amazonqURL = upstream.URL

	// The hourly cap is exhausted, but with no other account the selection
	// falls back to the least penalized one instead of failing the request.
	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&upstreamCalls))
	assert.Contains(t, w.Body.String(), "event: message_stop")
}

func TestNoAccountsAvailable(t *testing.T) {
	f := newFixture(t)
	w := f.serve(t, minimalBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "overloaded_error")
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	w := f.serve(t, `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.serve(t, `{"model":"m"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.serve(t, `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request_error")
}
