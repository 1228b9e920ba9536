// Package router drives the request pipeline behind POST /v1/messages:
// channel selection, account selection, token freshness, prompt-cache
// accounting, provider dispatch with retry and account switching, and the
// final usage bookkeeping.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/auth"
	"github.com/amq2api/amq2api/internal/cache"
	"github.com/amq2api/amq2api/internal/config"
	"github.com/amq2api/amq2api/internal/distributor"
	"github.com/amq2api/amq2api/internal/registry"
	"github.com/amq2api/amq2api/internal/session"
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	log "github.com/sirupsen/logrus"
)

const (
	// maxAccountSwitches bounds how many alternate accounts one request may
	// try after permanent account failures.
	maxAccountSwitches = 3

	// maxRateLimitSwitches applies to the gemini channel, where a 429 with
	// remaining quota is retried on one other account.
	maxRateLimitSwitches = 1

	// upstreamTimeout bounds one upstream request, connect plus read.
	upstreamTimeout = 300 * time.Second
)

// Router owns the dispatch pipeline. One Router serves the whole process.
type Router struct {
	cfg    *config.Config
	db     *store.Store
	rc     *store.ConfigStore
	dist   *distributor.Distributor
	tokens *auth.Manager
	cache  *cache.Manager
	binder *session.Binder
	client *http.Client

	// Endpoint overrides, settable by tests.
	amazonqURL     string
	geminiEndpoint string
}

// New builds the Router over its collaborators.
func New(cfg *config.Config, db *store.Store, rc *store.ConfigStore, dist *distributor.Distributor,
	tokens *auth.Manager, cacheMgr *cache.Manager, binder *session.Binder) *Router {
	return &Router{
		cfg:            cfg,
		db:             db,
		rc:             rc,
		dist:           dist,
		tokens:         tokens,
		cache:          cacheMgr,
		binder:         binder,
		client:         &http.Client{Timeout: upstreamTimeout},
		amazonqURL:     "https://q.us-east-1.amazonaws.com/",
		geminiEndpoint: "https://daily-cloudcode-pa.sandbox.googleapis.com",
	}
}

// HandleMessages serves one Anthropic-compatible request. pinnedKind forces
// a provider channel ("" lets the model lists decide).
func (r *Router) HandleMessages(c *gin.Context, pinnedKind string) {
	body, err := readBody(c)
	if err != nil {
		writeJSONError(c, fmt.Errorf("%w: %v", apperr.ErrValidation, err))
		return
	}
	if r.cfg.EnableToolDedup {
		body = dedupeToolUse(body)
	}
	model := gjson.GetBytes(body, "model").String()

	usage := sse.Usage{}
	usage.CacheCreationInputTokens, usage.CacheReadInputTokens = r.cache.CheckRequest(body)
	usage.InputTokens = r.estimateInput(body, model)

	w := &streamWriter{c: c}
	ctx := c.Request.Context()

	// A forced account bypasses selection and switching entirely.
	if forced := c.GetHeader("X-Account-ID"); forced != "" {
		r.handleForced(ctx, w, forced, c.GetHeader("X-Test-Mode") == "true", body, usage)
		return
	}

	kind := pinnedKind
	if kind == "" {
		kind = registry.Channel(r.rc, model)
	}

	bindKey := ""
	if r.cfg.EnableSessionBinding {
		bindKey = session.Key(systemText(body))
	}

	tried := make(map[int64]bool)
	switches, rateLimitSwitches := 0, 0
	quotaOK := r.GeminiQuotaFilter(model)
	// Cooldown and hourly-rate exclusion live inside Pick, which falls back
	// to the least penalized account when they empty the pool.
	usable := func(a *store.Account) bool {
		return !tried[a.ID] && quotaOK(a)
	}
	var lastErr error

	for {
		account := r.boundAccount(bindKey, kind, tried)
		if account != nil && !usable(account) {
			account = nil
		}
		if account == nil {
			account, err = r.dist.Pick(kind, usable)
			if err != nil {
				if lastErr != nil {
					r.fail(w, lastErr)
				} else {
					r.fail(w, err)
				}
				return
			}
		}
		tried[account.ID] = true

		err = r.dispatch(ctx, w, account, body, usage, bindKey)
		if err == nil || w.started {
			// Mid-stream failures are never retried; the client already
			// holds bytes and dispatch closed the stream itself.
			return
		}
		lastErr = err

		switch {
		case errors.Is(err, apperr.ErrAccountSuspended), errors.Is(err, apperr.ErrTokenRefreshFailed):
			switches++
			if switches > maxAccountSwitches {
				r.fail(w, err)
				return
			}
			log.Warnf("account %d unusable (%v), trying another (%d/%d)", account.ID, err, switches, maxAccountSwitches)
		case errors.Is(err, apperr.ErrRateLimited) && account.Kind == store.KindGemini:
			rateLimitSwitches++
			if rateLimitSwitches > maxRateLimitSwitches {
				r.fail(w, err)
				return
			}
			log.Warnf("gemini account %d rate limited, trying another", account.ID)
		default:
			r.fail(w, err)
			return
		}
	}
}

// handleForced dispatches to one explicitly requested account.
func (r *Router) handleForced(ctx context.Context, w *streamWriter, idStr string, testMode bool, body []byte, usage sse.Usage) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		r.fail(w, fmt.Errorf("%w: bad X-Account-ID", apperr.ErrValidation))
		return
	}
	account, err := r.db.Get(id)
	if err != nil {
		r.fail(w, err)
		return
	}
	if !account.Enabled && !testMode {
		r.fail(w, fmt.Errorf("account %d is disabled: %w", id, apperr.ErrNoAccountAvailable))
		return
	}
	if err = r.dispatch(ctx, w, account, body, usage, ""); err != nil && !w.started {
		r.fail(w, err)
	}
}

// dispatch routes one attempt to the account's provider implementation.
func (r *Router) dispatch(ctx context.Context, w *streamWriter, account *store.Account, body []byte, usage sse.Usage, bindKey string) error {
	switch account.Kind {
	case store.KindAmazonQ:
		return r.dispatchAmazonQ(ctx, w, account, body, usage, bindKey)
	case store.KindGemini:
		return r.dispatchGemini(ctx, w, account, body, usage, bindKey)
	case store.KindCustomAPI:
		return r.dispatchCustom(ctx, w, account, body, usage)
	}
	return fmt.Errorf("account %d has unknown kind %q: %w", account.ID, account.Kind, apperr.ErrNoAccountAvailable)
}

// boundAccount resolves the session binding to a usable account, or nil.
func (r *Router) boundAccount(bindKey, kind string, tried map[int64]bool) *store.Account {
	if bindKey == "" {
		return nil
	}
	binding := r.binder.Lookup(bindKey)
	if binding == nil || tried[binding.AccountID] {
		return nil
	}
	if kind != "" && binding.Kind != kind {
		return nil
	}
	account, err := r.db.Get(binding.AccountID)
	if err != nil || !account.Enabled || r.dist.IsInCooldown(account.ID) {
		r.binder.Drop(bindKey)
		return nil
	}
	return account
}

// finishStream writes the tail events and records all success bookkeeping.
func (r *Router) finishStream(w *streamWriter, events []sse.Event, account *store.Account, channel, model string, usage sse.Usage, bindKey, conversationID string) {
	w.write(events)
	r.dist.RecordUsage(account.ID, true)
	if err := r.db.RecordCall(account.ID, model); err != nil {
		log.Warnf("failed to record call: %v", err)
	}
	if err := r.db.AppendUsage(&store.UsageRecord{
		RequestID:                sse.NewMessageID(),
		AccountID:                account.ID,
		Channel:                  channel,
		Model:                    model,
		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
	}); err != nil {
		log.Warnf("failed to append usage row: %v", err)
	}
	if bindKey != "" {
		r.binder.Bind(bindKey, account.ID, conversationID, account.Kind)
	}
}

// readBody loads and validates the request body.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	if !gjson.GetBytes(body, "messages").IsArray() {
		return nil, errors.New("messages must be an array")
	}
	if gjson.GetBytes(body, "model").String() == "" {
		return nil, errors.New("model is required")
	}
	return body, nil
}

// systemText flattens the system prompt for the session-binding key.
func systemText(rawJSON []byte) string {
	system := gjson.GetBytes(rawJSON, "system")
	if system.Type == gjson.String {
		return system.String()
	}
	var sb strings.Builder
	system.ForEach(func(_, block gjson.Result) bool {
		sb.WriteString(block.Get("text").String())
		return sb.Len() < 512
	})
	return sb.String()
}

// streamWriter writes SSE events to the client, setting the streaming
// headers on first use. started tells error handling whether bytes are
// already on the wire.
type streamWriter struct {
	c       *gin.Context
	started bool
}

func (w *streamWriter) write(events []sse.Event) {
	for _, ev := range events {
		w.writeRaw(string(ev.Bytes()))
	}
}

// writeRaw emits one already-formatted SSE line (or chunk) verbatim.
func (w *streamWriter) writeRaw(s string) {
	if !w.started {
		header := w.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.c.Writer.WriteHeader(http.StatusOK)
		w.started = true
	}
	_, _ = w.c.Writer.WriteString(s)
	w.c.Writer.Flush()
}

// fail surfaces err to the client: an Anthropic-shaped JSON body when no
// byte has been sent, or a terminal SSE error event otherwise.
func (r *Router) fail(w *streamWriter, err error) {
	if w.started {
		w.write([]sse.Event{sse.Error(errorType(err), err.Error()), sse.MessageStop()})
		return
	}
	writeJSONError(w.c, err)
}

func writeJSONError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType(err),
			"message": err.Error(),
		},
	})
}

// statusFor maps the error taxonomy onto client status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrNoAccountAvailable), errors.Is(err, apperr.ErrAccountSuspended):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "invalid_request_error"
	case errors.Is(err, apperr.ErrAuth):
		return "authentication_error"
	case errors.Is(err, apperr.ErrRateLimited):
		return "rate_limit_error"
	case errors.Is(err, apperr.ErrNoAccountAvailable), errors.Is(err, apperr.ErrAccountSuspended):
		return "overloaded_error"
	default:
		return "api_error"
	}
}
