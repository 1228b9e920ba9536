// Package codewhisperer translates between the Anthropic Messages schema and
// the CodeWhisperer streaming RPC. The request builder flattens a Claude
// conversation into conversationState; the response serializer turns decoded
// event-stream frames back into Anthropic stream events.
package codewhisperer

import (
	"strconv"
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/registry"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// maxToolDescriptionLen is the upstream cap on a tool description.
	// Longer descriptions move to the TOOL DOCUMENTATION section and the
	// inline copy is truncated.
	maxToolDescriptionLen = 10240

	// thinkingHint switches the upstream model into interleaved thinking.
	// It is appended twice; upstream tokenization expects the duplication.
	thinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"
)

// BuildRequest converts a raw Claude request into the CodeWhisperer payload.
// Consecutive same-role messages must already be coalesced; the router calls
// CoalesceMessages first. It returns the payload, the conversation id and
// the normalized upstream model id.
func BuildRequest(rawJSON []byte, profileArn string) (payload []byte, conversationID, modelID string) {
	conversationID = uuid.NewString()
	modelID = registry.NormalizeCodeWhispererModel(gjson.GetBytes(rawJSON, "model").String())

	out := `{"conversationState":{"conversationId":"","history":[],"currentMessage":{"userInputMessage":{"content":"","modelId":"","origin":"CLI"}},"chatTriggerType":"MANUAL"}}`
	out, _ = sjson.Set(out, "conversationState.conversationId", conversationID)
	out, _ = sjson.Set(out, "conversationState.currentMessage.userInputMessage.modelId", modelID)
	if profileArn != "" {
		out, _ = sjson.Set(out, "profileArn", profileArn)
	}

	messages := gjson.GetBytes(rawJSON, "messages").Array()

	// All but the last message become history.
	for i := 0; i+1 < len(messages); i++ {
		msg := messages[i]
		if msg.Get("role").String() == "assistant" {
			out, _ = sjson.SetRaw(out, "conversationState.history.-1", assistantHistoryEntry(msg))
		} else {
			out, _ = sjson.SetRaw(out, "conversationState.history.-1", userHistoryEntry(msg, modelID))
		}
	}

	var current gjson.Result
	if len(messages) > 0 {
		current = messages[len(messages)-1]
	}

	toolDocs, tools := buildTools(rawJSON)
	content := buildCurrentContent(rawJSON, current, toolDocs)
	out, _ = sjson.Set(out, "conversationState.currentMessage.userInputMessage.content", content)

	if len(tools) > 0 {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools", tools)
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.envState",
			`{"operatingSystem":"macos","currentWorkingDirectory":"/"}`)
	}
	if toolResults := collectToolResults(current); toolResults != "" {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults", toolResults)
	}
	if images := collectImages(current); images != "" {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.images", images)
	}

	return []byte(out), conversationID, modelID
}

// CoalesceMessages merges consecutive same-role messages so the history
// strictly alternates. Content arrays are concatenated; string content is
// promoted to a text block first.
func CoalesceMessages(rawJSON []byte) []byte {
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() {
		return rawJSON
	}

	merged := "[]"
	lastRole := ""
	count := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != lastRole || count == 0 {
			normalized, _ := sjson.SetRaw(msg.Raw, "content", contentAsArray(msg.Get("content")))
			merged, _ = sjson.SetRaw(merged, "-1", normalized)
			lastRole = role
			count++
			return true
		}
		// Same role as the previous entry: append its blocks.
		idx := strconv.Itoa(count - 1)
		for _, block := range contentBlocks(msg.Get("content")) {
			merged, _ = sjson.SetRaw(merged, idx+".content.-1", block)
		}
		return true
	})

	out, _ := sjson.SetRawBytes(rawJSON, "messages", []byte(merged))
	return out
}

// buildCurrentContent assembles the flattened current-message text: tool
// documentation, context entry, system prompt and user message sections.
func buildCurrentContent(rawJSON []byte, current gjson.Result, toolDocs string) string {
	var sb strings.Builder

	if toolDocs != "" {
		writeSection(&sb, "TOOL DOCUMENTATION", toolDocs)
	}

	now := time.Now()
	writeSection(&sb, "CONTEXT ENTRY", "Current time: "+now.Format("Monday, 2006-01-02T15:04:05.000Z07:00"))

	if system := flattenSystem(rawJSON); system != "" {
		writeSection(&sb, "SYSTEM PROMPT", system)
	}

	if user := flattenUserText(current); user != "" {
		writeSection(&sb, "USER MESSAGE", user)
	}

	if gjson.GetBytes(rawJSON, "thinking.type").String() == "enabled" {
		sb.WriteString(thinkingHint)
		sb.WriteString(thinkingHint)
	}
	return sb.String()
}

func writeSection(sb *strings.Builder, name, body string) {
	sb.WriteString("--- " + name + " BEGIN ---\n")
	sb.WriteString(body)
	sb.WriteString("\n--- " + name + " END ---\n")
}

// flattenSystem joins the system prompt into one string, accepting both the
// string and block-list forms. Anthropic billing-header strings are
// stripped before forwarding.
func flattenSystem(rawJSON []byte) string {
	system := gjson.GetBytes(rawJSON, "system")
	var sb strings.Builder
	if system.Type == gjson.String {
		sb.WriteString(system.String())
	} else if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
	}
	return stripReservedText(sb.String())
}

// flattenUserText joins the text blocks of one message. Thinking blocks are
// flattened into <thinking> markers; tool blocks are carried separately.
func flattenUserText(msg gjson.Result) string {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return stripReservedText(content.String())
	}
	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Get("text").String())
		case "thinking":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("<thinking>" + block.Get("thinking").String() + "</thinking>")
		}
		return true
	})
	return stripReservedText(sb.String())
}

// reservedTexts are Anthropic client billing markers that upstream models
// should never see.
var reservedTexts = []string{
	"x-anthropic-billing-usage",
	"anthropic-beta",
}

func stripReservedText(s string) string {
	for _, marker := range reservedTexts {
		s = strings.ReplaceAll(s, marker, "")
	}
	return s
}

// buildTools renders the tools array and collects oversized descriptions
// into the documentation section text.
func buildTools(rawJSON []byte) (toolDocs string, tools string) {
	toolsResult := gjson.GetBytes(rawJSON, "tools")
	if !toolsResult.IsArray() || len(toolsResult.Array()) == 0 {
		return "", ""
	}

	var docs strings.Builder
	out := "[]"
	toolsResult.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		description := tool.Get("description").String()
		if len(description) > maxToolDescriptionLen {
			docs.WriteString("## Tool: " + name + "\n")
			docs.WriteString(description)
			docs.WriteString("\n\n")
			description = description[:maxToolDescriptionLen]
		}

		spec := `{"toolSpecification":{"name":"","description":"","inputSchema":{"json":{}}}}`
		spec, _ = sjson.Set(spec, "toolSpecification.name", name)
		spec, _ = sjson.Set(spec, "toolSpecification.description", description)
		if schema := tool.Get("input_schema"); schema.IsObject() {
			spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", schema.Raw)
		}
		out, _ = sjson.SetRaw(out, "-1", spec)
		return true
	})
	return strings.TrimSuffix(docs.String(), "\n\n"), out
}

// userHistoryEntry renders one earlier user message.
func userHistoryEntry(msg gjson.Result, modelID string) string {
	entry := `{"userInputMessage":{"content":"","modelId":"","origin":"CLI"}}`
	entry, _ = sjson.Set(entry, "userInputMessage.content", flattenUserText(msg))
	entry, _ = sjson.Set(entry, "userInputMessage.modelId", modelID)
	if toolResults := collectToolResults(msg); toolResults != "" {
		entry, _ = sjson.SetRaw(entry, "userInputMessage.userInputMessageContext.toolResults", toolResults)
	}
	if images := collectImages(msg); images != "" {
		entry, _ = sjson.SetRaw(entry, "userInputMessage.images", images)
	}
	return entry
}

// assistantHistoryEntry renders one earlier assistant message, carrying
// tool_use blocks as toolUses de-duplicated by id.
func assistantHistoryEntry(msg gjson.Result) string {
	entry := `{"assistantResponseMessage":{"content":""}}`
	entry, _ = sjson.Set(entry, "assistantResponseMessage.content", flattenUserText(msg))

	seen := make(map[string]bool)
	toolUses := "[]"
	hasTools := false
	msg.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" {
			return true
		}
		id := block.Get("id").String()
		if seen[id] {
			// Later duplicates are dropped.
			return true
		}
		seen[id] = true
		use := `{"toolUseId":"","name":"","input":{}}`
		use, _ = sjson.Set(use, "toolUseId", id)
		use, _ = sjson.Set(use, "name", block.Get("name").String())
		if input := block.Get("input"); input.IsObject() {
			use, _ = sjson.SetRaw(use, "input", input.Raw)
		}
		toolUses, _ = sjson.SetRaw(toolUses, "-1", use)
		hasTools = true
		return true
	})
	if hasTools {
		entry, _ = sjson.SetRaw(entry, "assistantResponseMessage.toolUses", toolUses)
	}
	return entry
}

// collectToolResults renders a message's tool_result blocks, merging
// duplicates by toolUseId and normalizing empty content.
func collectToolResults(msg gjson.Result) string {
	content := msg.Get("content")
	if !content.IsArray() {
		return ""
	}

	type result struct {
		id      string
		isError bool
		texts   []string
	}
	var order []string
	byID := make(map[string]*result)

	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_result" {
			return true
		}
		id := block.Get("tool_use_id").String()
		r, ok := byID[id]
		if !ok {
			r = &result{id: id}
			byID[id] = r
			order = append(order, id)
		}
		if block.Get("is_error").Bool() {
			r.isError = true
		}
		r.texts = append(r.texts, toolResultTexts(block.Get("content"))...)
		return true
	})
	if len(order) == 0 {
		return ""
	}

	out := "[]"
	for _, id := range order {
		r := byID[id]
		status := "success"
		if r.isError {
			status = "error"
		}
		if len(r.texts) == 0 {
			if r.isError {
				r.texts = []string{"Tool use was cancelled by the user"}
			} else {
				r.texts = []string{"Command executed successfully"}
			}
		}

		entry := `{"toolUseId":"","content":[],"status":""}`
		entry, _ = sjson.Set(entry, "toolUseId", r.id)
		entry, _ = sjson.Set(entry, "status", status)
		for _, text := range r.texts {
			item, _ := sjson.Set(`{"text":""}`, "text", text)
			entry, _ = sjson.SetRaw(entry, "content.-1", item)
		}
		out, _ = sjson.SetRaw(out, "-1", entry)
	}
	return out
}

// toolResultTexts extracts the text payloads of a tool_result content value.
func toolResultTexts(content gjson.Result) []string {
	var texts []string
	switch {
	case content.Type == gjson.String:
		if content.String() != "" {
			texts = append(texts, content.String())
		}
	case content.IsArray():
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				if text := item.Get("text").String(); text != "" {
					texts = append(texts, text)
				}
			}
			return true
		})
	}
	return texts
}

// collectImages renders a message's image blocks for the userInputMessage.
func collectImages(msg gjson.Result) string {
	content := msg.Get("content")
	if !content.IsArray() {
		return ""
	}
	out := "[]"
	has := false
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "image" {
			return true
		}
		format := strings.TrimPrefix(block.Get("source.media_type").String(), "image/")
		img := `{"format":"","source":{"bytes":""}}`
		img, _ = sjson.Set(img, "format", format)
		img, _ = sjson.Set(img, "source.bytes", block.Get("source.data").String())
		out, _ = sjson.SetRaw(out, "-1", img)
		has = true
		return true
	})
	if !has {
		return ""
	}
	return out
}

func contentAsArray(content gjson.Result) string {
	if content.IsArray() {
		return content.Raw
	}
	block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
	out, _ := sjson.SetRaw("[]", "-1", block)
	return out
}

func contentBlocks(content gjson.Result) []string {
	if content.IsArray() {
		blocks := make([]string, 0, len(content.Array()))
		for _, b := range content.Array() {
			blocks = append(blocks, b.Raw)
		}
		return blocks
	}
	block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
	return []string{block}
}

