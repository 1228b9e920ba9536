package router

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/amq2api/amq2api/internal/translator/claude/openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// dispatchCustom serves one request on a custom_api account. The account's
// metadata picks the upstream wire format: "openai" (default) or "claude".
func (r *Router) dispatchCustom(ctx context.Context, w *streamWriter, account *store.Account, rawJSON []byte, usage sse.Usage) error {
	apiBase := account.Other("api_base").String()
	if apiBase == "" {
		apiBase = account.Other("api_endpoint").String()
	}
	if apiBase == "" {
		return fmt.Errorf("account %d has no api_base: %w", account.ID, apperr.ErrValidation)
	}
	apiBase = strings.TrimRight(apiBase, "/")

	model := gjson.GetBytes(rawJSON, "model").String()
	target := account.MappedModel(model)
	if override := account.Other("model").String(); override != "" {
		target = override
	}

	if account.Other("format").String() == "claude" {
		return r.dispatchCustomClaude(ctx, w, account, rawJSON, target, apiBase, usage)
	}
	return r.dispatchCustomOpenAI(ctx, w, account, rawJSON, target, apiBase, usage)
}

// dispatchCustomOpenAI translates to chat-completions and re-serializes the
// reply as Anthropic SSE.
func (r *Router) dispatchCustomOpenAI(ctx context.Context, w *streamWriter, account *store.Account, rawJSON []byte, target, apiBase string, usage sse.Usage) error {
	if !strings.HasSuffix(apiBase, "/v1") {
		apiBase += "/v1"
	}
	payload, thinking := openai.BuildRequest(rawJSON, target)

	resp, err := r.customPost(ctx, account, apiBase+"/chat/completions", payload, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+account.ClientSecret)
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	ser := openai.NewSerializer(target, usage, thinking)
	w.write(ser.Start())

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := line[len("data: "):]
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			continue
		}
		w.write(ser.HandleChunk(data))
	}
	if err = scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.write(ser.Fail(err.Error()))
		r.dist.RecordUsage(account.ID, false)
		return nil
	}

	r.finishStream(w, ser.Finish(), account, store.KindCustomAPI, target, ser.Usage(), "", "")
	return nil
}

// dispatchCustomClaude relays an already Anthropic-shaped stream verbatim,
// reading token counts off the wire as it passes through.
func (r *Router) dispatchCustomClaude(ctx context.Context, w *streamWriter, account *store.Account, rawJSON []byte, target, apiBase string, usage sse.Usage) error {
	payload := rawJSON
	if target != gjson.GetBytes(rawJSON, "model").String() {
		payload, _ = sjson.SetBytes(payload, "model", target)
	}
	payload, _ = sjson.SetBytes(payload, "stream", true)

	resp, err := r.customPost(ctx, account, apiBase+"/v1/messages", payload, func(req *http.Request) {
		req.Header.Set("x-api-key", account.ClientSecret)
		req.Header.Set("anthropic-version", "2023-06-01")
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		w.writeRaw(line + "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := gjson.Parse(line[len("data: "):])
		switch data.Get("type").String() {
		case "message_start":
			if n := data.Get("message.usage.input_tokens").Int(); n > 0 {
				usage.InputTokens = int(n)
			}
		case "message_delta":
			if n := data.Get("usage.output_tokens").Int(); n > 0 {
				usage.OutputTokens = int(n)
			}
		}
	}
	if err = scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.write([]sse.Event{sse.Error("api_error", err.Error()), sse.MessageStop()})
		r.dist.RecordUsage(account.ID, false)
		return nil
	}

	r.finishStream(w, nil, account, store.KindCustomAPI, target, usage, "", "")
	return nil
}

// customPost issues the upstream call with the shared retry ladder. Custom
// endpoints have no token lifecycle, so 401/403 is terminal for the attempt.
func (r *Router) customPost(ctx context.Context, account *store.Account, url string, payload []byte, decorate func(*http.Request)) (*http.Response, error) {
	serverRetries, networkRetries := 0, 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		decorate(req)

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			networkRetries++
			if networkRetries > maxRetries {
				r.dist.RecordUsage(account.ID, false)
				return nil, fmt.Errorf("%w: %v", apperr.ErrUpstreamNetwork, err)
			}
			time.Sleep(time.Second)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			r.dist.RecordUsage(account.ID, false)
			return nil, fmt.Errorf("custom endpoint rejected credentials (status %d): %w", resp.StatusCode, apperr.ErrUpstreamServer)

		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			r.dist.RecordUsage(account.ID, false)
			r.dist.SetCooldown(account.ID, 0)
			return nil, fmt.Errorf("upstream rate limit: %w", apperr.ErrRateLimited)

		case resp.StatusCode >= 500:
			drain(resp)
			serverRetries++
			if serverRetries > maxRetries {
				r.dist.RecordUsage(account.ID, false)
				return nil, fmt.Errorf("upstream status %d: %w", resp.StatusCode, apperr.ErrUpstreamServer)
			}
			sleepBackoff(ctx, serverRetries)
			continue

		default:
			body := drain(resp)
			r.dist.RecordUsage(account.ID, false)
			return nil, fmt.Errorf("upstream status %d (%s): %w", resp.StatusCode, truncate(body, 200), apperr.ErrUpstreamServer)
		}
	}
}
