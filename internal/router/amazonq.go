package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/eventstream"
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/amq2api/amq2api/internal/translator/claude/codewhisperer"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	amzTarget    = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	amzUserAgent = "aws-sdk-rust/1.3.2 os/macos lang/rust/1.78.0"

	// maxRetries applies independently to 5xx backoff and network errors.
	maxRetries = 3
)

// dispatchAmazonQ serves one request on one amazonq account: token
// freshness, model mapping, payload build, the upstream call with its retry
// ladder, and the stream back to the client.
func (r *Router) dispatchAmazonQ(ctx context.Context, w *streamWriter, account *store.Account, rawJSON []byte, usage sse.Usage, bindKey string) error {
	fresh, err := r.tokens.EnsureFresh(ctx, account)
	if err != nil {
		r.dist.RecordUsage(account.ID, false)
		return err
	}
	account = fresh

	model := gjson.GetBytes(rawJSON, "model").String()
	if mapped := account.MappedModel(model); mapped != model {
		rawJSON, _ = sjson.SetBytes(rawJSON, "model", mapped)
	}
	rawJSON = codewhisperer.CoalesceMessages(rawJSON)

	payload, conversationID, modelID := codewhisperer.BuildRequest(rawJSON, account.Other("profile_arn").String())

	serverRetries, networkRetries := 0, 0
	refreshed := false
	attempt := 1
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.amazonqURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-amz-json-1.0")
		req.Header.Set("X-Amz-Target", amzTarget)
		req.Header.Set("Authorization", "Bearer "+account.AccessToken)
		req.Header.Set("User-Agent", amzUserAgent)
		req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
		req.Header.Set("Amz-Sdk-Request", fmt.Sprintf("attempt=%d; max=%d", attempt, maxRetries))

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
			attempt++
			time.Sleep(time.Second)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return r.streamAmazonQ(ctx, w, resp, account, modelID, usage, bindKey, conversationID)

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			body := drain(resp)
			if strings.Contains(body, "TEMPORARILY_SUSPENDED") {
				_ = r.db.Disable(account.ID, "TEMPORARILY_SUSPENDED")
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("upstream suspended account %d: %w", account.ID, apperr.ErrAccountSuspended)
			}
			if refreshed {
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("still unauthorized after refresh: %w", apperr.ErrUpstreamServer)
			}
			refreshed = true
			if err = r.tokens.Refresh(ctx, account); err != nil {
				r.dist.RecordUsage(account.ID, false)
				return err
			}
			attempt++
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			body := drain(resp)
			r.dist.RecordUsage(account.ID, false)
			if strings.Contains(body, "ServiceQuotaExceededException") && strings.Contains(body, "MONTHLY_REQUEST_COUNT") {
				_ = r.db.Disable(account.ID, "MONTHLY_REQUEST_COUNT")
				return fmt.Errorf("monthly quota exhausted: %w", apperr.ErrRateLimited)
			}
			r.dist.SetCooldown(account.ID, 0)
			return fmt.Errorf("upstream rate limit: %w", apperr.ErrRateLimited)

		case resp.StatusCode >= 500:
			drain(resp)
			serverRetries++
			if serverRetries > maxRetries {
				r.dist.RecordUsage(account.ID, false)
				return fmt.Errorf("upstream status %d: %w", resp.StatusCode, apperr.ErrUpstreamServer)
			}
			attempt++
			sleepBackoff(ctx, serverRetries)
			continue

		default:
			body := drain(resp)
			r.dist.RecordUsage(account.ID, false)
			return fmt.Errorf("upstream status %d (%s): %w", resp.StatusCode, truncate(body, 200), apperr.ErrUpstreamServer)
		}
	}
}

// streamAmazonQ pipes the binary event stream through the framer and the
// serializer to the client.
func (r *Router) streamAmazonQ(ctx context.Context, w *streamWriter, resp *http.Response, account *store.Account, modelID string, usage sse.Usage, bindKey, conversationID string) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	framer := eventstream.NewFramer()
	ser := codewhisperer.NewSerializer(modelID, usage)
	w.write(ser.Start())

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			events, ferr := framer.Feed(buf[:n])
			for _, ev := range events {
				w.write(ser.HandleEvent(ev))
			}
			if ferr != nil {
				// Parse errors are terminal: close the stream, never retry.
				log.Errorf("event stream parse error: %v", ferr)
				w.write(ser.Fail(ferr.Error()))
				r.dist.RecordUsage(account.ID, false)
				return nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; the upstream body close releases the
				// connection and no usage row is written.
				return ctx.Err()
			}
			w.write(ser.Fail(err.Error()))
			r.dist.RecordUsage(account.ID, false)
			return nil
		}
	}

	r.finishStream(w, ser.Finish(), account, store.KindAmazonQ, modelID, ser.Usage(), bindKey, conversationID)
	return nil
}

// sleepBackoff waits 1s, 2s, 4s... plus jitter, honoring cancellation.
func sleepBackoff(ctx context.Context, retry int) {
	d := time.Duration(1<<(retry-1)) * time.Second
	d += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// drain reads and closes a response body, capped at 1 MiB.
func drain(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return string(body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
