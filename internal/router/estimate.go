package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// imageTokensPerKiB approximates image cost from the base64 payload size.
const imageTokensPerKiB = 256

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warnf("tiktoken unavailable, falling back to character estimate: %v", err)
			return
		}
		encoder = enc
	})
	return encoder
}

// estimateInput approximates the request's input token count before any
// provider sees it. The figure is advisory: it feeds the usage report and a
// size warning, never a rejection.
func (r *Router) estimateInput(body []byte, model string) int {
	if r.cfg.DisableInputValidation {
		return 0
	}

	var text int
	var images int64
	count := func(s string) {
		if enc := getEncoder(); enc != nil {
			text += len(enc.Encode(s, nil, nil))
			return
		}
		text += (len(s) + 3) / 4
	}

	system := gjson.GetBytes(body, "system")
	if system.Type == gjson.String {
		count(system.String())
	} else {
		system.ForEach(func(_, block gjson.Result) bool {
			count(block.Get("text").String())
			return true
		})
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			count(content.String())
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text", "thinking":
				count(block.Get("text").String() + block.Get("thinking").String())
			case "image":
				images += int64(len(block.Get("source.data").String()))
			case "tool_use":
				count(block.Get("input").Raw)
			case "tool_result":
				inner := block.Get("content")
				if inner.Type == gjson.String {
					count(inner.String())
				} else {
					count(inner.Raw)
				}
			}
			return true
		})
		return true
	})

	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		count(tool.Raw)
		return true
	})

	total := text + int(images/1024)*imageTokensPerKiB
	if r.cfg.MaxInputTokens > 0 && total > r.cfg.MaxInputTokens {
		log.Warnf("input estimate %d tokens exceeds limit %d for model %s", total, r.cfg.MaxInputTokens, model)
	}
	return total
}
