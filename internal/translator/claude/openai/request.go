// Package openai translates between the Anthropic Messages schema and the
// OpenAI chat-completions wire format used by custom API accounts. The
// request builder maps Claude messages and tools onto OpenAI messages and
// tool_calls; the response serializer turns streamed chat chunks back into
// Anthropic stream events.
package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BuildRequest converts a raw Claude request into a streaming
// chat-completions payload for the given upstream model. The returned flag
// reports whether thinking was requested, which tells the serializer to
// parse a <thinking> prefix back out of the assistant's first text chunk.
func BuildRequest(rawJSON []byte, targetModel string) (payload []byte, thinking bool) {
	thinking = gjson.GetBytes(rawJSON, "thinking.type").String() == "enabled"

	out := `{"model":"","messages":[],"stream":true,"stream_options":{"include_usage":true}}`
	out, _ = sjson.Set(out, "model", targetModel)

	if system := flattenSystem(rawJSON); system != "" {
		entry, _ := sjson.Set(`{"role":"system","content":""}`, "content", system)
		out, _ = sjson.SetRaw(out, "messages.-1", entry)
	}

	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		for _, entry := range buildMessages(msg) {
			out, _ = sjson.SetRaw(out, "messages.-1", entry)
		}
		return true
	})

	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}

	if tools := buildTools(rawJSON); tools != "" {
		out, _ = sjson.SetRaw(out, "tools", tools)
	}
	if choice := gjson.GetBytes(rawJSON, "tool_choice.type").String(); choice != "" {
		switch choice {
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			tc, _ := sjson.Set(`{"type":"function","function":{"name":""}}`, "function.name",
				gjson.GetBytes(rawJSON, "tool_choice.name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", tc)
		default:
			out, _ = sjson.Set(out, "tool_choice", "auto")
		}
	}
	return []byte(out), thinking
}

// buildMessages renders one Claude message as one or more OpenAI entries.
// tool_result blocks each become their own role:"tool" message; everything
// else collapses into a single entry.
func buildMessages(msg gjson.Result) []string {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		entry, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
		entry, _ = sjson.Set(entry, "content", stripReservedText(content.String()))
		return []string{entry}
	}

	var entries []string
	var textParts []string
	contentParts := "[]"
	hasImage := false
	toolCalls := "[]"
	hasToolCalls := false

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text := stripReservedText(block.Get("text").String())
			textParts = append(textParts, text)
			part, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
			contentParts, _ = sjson.SetRaw(contentParts, "-1", part)
		case "image":
			url := "data:" + block.Get("source.media_type").String() + ";base64," + block.Get("source.data").String()
			part, _ := sjson.Set(`{"type":"image_url","image_url":{"url":""}}`, "image_url.url", url)
			contentParts, _ = sjson.SetRaw(contentParts, "-1", part)
			hasImage = true
		case "tool_use":
			call := `{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`
			call, _ = sjson.Set(call, "id", block.Get("id").String())
			call, _ = sjson.Set(call, "function.name", block.Get("name").String())
			if input := block.Get("input"); input.IsObject() {
				call, _ = sjson.Set(call, "function.arguments", input.Raw)
			}
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
			hasToolCalls = true
		case "tool_result":
			entry := `{"role":"tool","tool_call_id":"","content":""}`
			entry, _ = sjson.Set(entry, "tool_call_id", block.Get("tool_use_id").String())
			entry, _ = sjson.Set(entry, "content", toolResultText(block.Get("content")))
			entries = append(entries, entry)
		}
		return true
	})

	main, _ := sjson.Set(`{"role":""}`, "role", role)
	hasBody := false
	if hasImage {
		main, _ = sjson.SetRaw(main, "content", contentParts)
		hasBody = true
	} else if len(textParts) > 0 {
		main, _ = sjson.Set(main, "content", strings.Join(textParts, "\n"))
		hasBody = true
	}
	if hasToolCalls {
		main, _ = sjson.SetRaw(main, "tool_calls", toolCalls)
		hasBody = true
	}
	if hasBody {
		// tool messages must follow the assistant turn that issued the calls.
		entries = append([]string{main}, entries...)
	}
	return entries
}

// toolResultText flattens a tool_result content value into one string.
func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(item.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// flattenSystem joins the system prompt into one string with billing
// markers removed.
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

// buildTools renders the OpenAI function tools array.
func buildTools(rawJSON []byte) string {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() || len(tools.Array()) == 0 {
		return ""
	}
	out := "[]"
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := `{"type":"function","function":{"name":"","description":"","parameters":{}}}`
		fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
		fn, _ = sjson.Set(fn, "function.description", tool.Get("description").String())
		if schema := tool.Get("input_schema"); schema.IsObject() {
			fn, _ = sjson.SetRaw(fn, "function.parameters", schema.Raw)
		}
		out, _ = sjson.SetRaw(out, "-1", fn)
		return true
	})
	return out
}
