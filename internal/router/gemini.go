package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/registry"
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/amq2api/amq2api/internal/translator/claude/gemini"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// quotaRateLimitThreshold separates "still has quota, just throttled" from
// "quota genuinely exhausted" when a 429 arrives.
const quotaRateLimitThreshold = 0.03

// dispatchGemini serves one request on one gemini account.
func (r *Router) dispatchGemini(ctx context.Context, w *streamWriter, account *store.Account, rawJSON []byte, usage sse.Usage, bindKey string) error {
	fresh, err := r.tokens.EnsureFresh(ctx, account)
	if err != nil {
		r.dist.RecordUsage(account.ID, false)
		return err
	}
	account = fresh

	model := gjson.GetBytes(rawJSON, "model").String()
	target := account.MappedModel(model)
	if target == model {
		target = registry.GeminiTarget(r.rc, model)
	}

	project := account.Other("project").String()
	endpoint := account.Other("api_endpoint").String()
	if endpoint == "" {
		endpoint = r.geminiEndpoint
	}
	payload := gemini.BuildRequest(rawJSON, project, target)

	serverRetries, networkRetries := 0, 0
	refreshed := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:streamGenerateContent?alt=sse", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+account.AccessToken)
		req.Header.Set("User-Agent", "antigravity/1.11.3 darwin/arm64")

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			networkRetries++
			if networkRetries > maxRetries {
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("%w: %v", apperr.ErrUpstreamNetwork, err)
			}
			time.Sleep(time.Second)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return r.streamGemini(ctx, w, resp, account, target, usage, bindKey)

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			if refreshed {
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("still unauthorized after refresh: %w", apperr.ErrUpstreamServer)
			}
			refreshed = true
			if err = r.tokens.Refresh(ctx, account); err != nil {
				r.dist.RecordUsage(account.ID, false)
				return err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			r.dist.RecordUsage(account.ID, false)
			return r.handleGemini429(ctx, account, endpoint, project, target)

		case resp.StatusCode >= 500:
			drain(resp)
			serverRetries++
			if serverRetries > maxRetries {
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("upstream status %d: %w", resp.StatusCode, apperr.ErrUpstreamServer)
			}
			sleepBackoff(ctx, serverRetries)
			continue

		default:
			body := drain(resp)
			r.dist.RecordUsage(account.ID, false)
			return fmt.Errorf("upstream status %d (%s): %w", resp.StatusCode, truncate(body, 200), apperr.ErrUpstreamServer)
		}
	}
}

// streamGemini relays the SSE body through the serializer. An empty body
// (Content-Length: 0) still yields a complete Anthropic sequence.
func (r *Router) streamGemini(ctx context.Context, w *streamWriter, resp *http.Response, account *store.Account, target string, usage sse.Usage, bindKey string) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	ser := gemini.NewSerializer(target, usage)
	if resp.Header.Get("Content-Length") == "0" {
		log.Warn("gemini returned an empty response body")
		r.finishStream(w, ser.Empty(), account, store.KindGemini, target, ser.Usage(), bindKey, "")
		return nil
	}

	w.write(ser.Start())
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		w.write(ser.HandleChunk(line[len("data: "):]))
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.write(ser.Fail(err.Error()))
		r.dist.RecordUsage(account.ID, false)
		return nil
	}

	r.finishStream(w, ser.Finish(), account, store.KindGemini, target, ser.Usage(), bindKey, "")
	return nil
}

// handleGemini429 refreshes the per-model quota snapshot and decides between
// a cooldown (plain throttling) and marking the model exhausted.
func (r *Router) handleGemini429(ctx context.Context, account *store.Account, endpoint, project, target string) error {
	quota, err := r.fetchAvailableModels(ctx, account, endpoint, project)
	if err != nil {
		log.Warnf("failed to refresh quota for account %d: %v", account.ID, err)
		r.dist.SetCooldown(account.ID, 0)
		return fmt.Errorf("upstream rate limit: %w", apperr.ErrRateLimited)
	}

	remaining := 0.0
	resetTime := ""
	for name, info := range quota {
		if err = r.db.SetModelQuota(account.ID, name, info.RemainingFraction, info.ResetTime); err != nil {
			log.Warnf("failed to store quota for %s: %v", name, err)
		}
		if name == target {
			remaining = info.RemainingFraction
			resetTime = info.ResetTime
		}
	}

	if remaining > quotaRateLimitThreshold {
		r.dist.SetCooldown(account.ID, 0)
		log.Warnf("gemini account %d throttled with %.0f%% quota left, cooling down", account.ID, remaining*100)
		return fmt.Errorf("upstream rate limit: %w", apperr.ErrRateLimited)
	}

	if resetTime == "" {
		resetTime = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	}
	if err = r.db.MarkModelExhausted(account.ID, target, resetTime); err != nil {
		log.Warnf("failed to mark model exhausted: %v", err)
	}
	log.Warnf("gemini account %d exhausted quota for %s until %s", account.ID, target, resetTime)
	return fmt.Errorf("model quota exhausted: %w", apperr.ErrRateLimited)
}

// modelQuota is one model's snapshot from fetchAvailableModels.
type modelQuota struct {
	RemainingFraction float64
	ResetTime         string
}

// fetchAvailableModels queries the provider for current per-model quota.
func (r *Router) fetchAvailableModels(ctx context.Context, account *store.Account, endpoint, project string) (map[string]modelQuota, error) {
	body, err := json.Marshal(map[string]string{"project": project})
	if err != nil {
		return nil, err
	}
	u := endpoint + "/v1internal:fetchAvailableModels?project=" + url.QueryEscape(project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetchAvailableModels returned status %d", resp.StatusCode)
	}

	out := make(map[string]modelQuota)
	gjson.GetBytes(respBody, "models").ForEach(func(name, info gjson.Result) bool {
		out[name.String()] = modelQuota{
			RemainingFraction: info.Get("quotaInfo.remainingFraction").Float(),
			ResetTime:         info.Get("quotaInfo.resetTime").String(),
		}
		return true
	})
	return out, nil
}

// GeminiQuotaFilter is the account filter used when the request pins the
// gemini channel: the mapped model must still have quota on the account.
func (r *Router) GeminiQuotaFilter(model string) func(*store.Account) bool {
	return func(a *store.Account) bool {
		if a.Kind != store.KindGemini {
			return true
		}
		target := a.MappedModel(model)
		if target == model {
			target = registry.GeminiTarget(r.rc, model)
		}
		return r.db.ModelQuotaAvailable(a, target)
	}
}
