package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// charsPerToken is the text-to-token approximation used everywhere the
// simulator needs a count.
const charsPerToken = 4

// Cacheable describes the cache-relevant portion of one request.
type Cacheable struct {
	Key           string
	TokenCount    int
	ContentLength int
}

// Extract walks a raw Claude request and collects every content block marked
// cache_control ephemeral, system blocks first, then message blocks in
// request order. It returns the zero Cacheable when nothing is marked.
func Extract(rawJSON []byte) Cacheable {
	var sb strings.Builder

	appendBlock := func(block gjson.Result) {
		if block.Get("cache_control.type").String() != "ephemeral" {
			return
		}
		switch block.Get("type").String() {
		case "text":
			sb.WriteString(block.Get("text").String())
		default:
			// Non-text blocks contribute a stable serialization so the key
			// still changes when they change.
			sb.WriteString(block.Raw)
		}
	}

	system := gjson.GetBytes(rawJSON, "system")
	if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			appendBlock(block)
			return true
		})
	}

	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, message gjson.Result) bool {
		content := message.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				appendBlock(block)
				return true
			})
		}
		return true
	})

	text := sb.String()
	if text == "" {
		return Cacheable{}
	}

	sum := sha256.Sum256([]byte(text))
	tokens := len(text) / charsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return Cacheable{
		Key:           fmt.Sprintf("%s:%d", hex.EncodeToString(sum[:]), len(text)),
		TokenCount:    tokens,
		ContentLength: len(text),
	}
}

// CheckRequest is the single entry point used by the router: extract the
// cacheable content of rawJSON and resolve it against the manager.
func (m *Manager) CheckRequest(rawJSON []byte) (creation, read int) {
	c := Extract(rawJSON)
	if c.Key == "" {
		return 0, 0
	}
	return m.Check(c.Key, c.TokenCount, c.ContentLength)
}
