// Package gemini translates between the Anthropic Messages schema and the
// Google internal streamGenerateContent RPC. The request builder maps Claude
// content blocks onto Gemini parts; the response serializer turns streamed
// SSE chunks back into Anthropic stream events.
package gemini

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// userAgent matches the IDE client the internal endpoint expects.
const userAgent = "antigravity/1.11.3 darwin/arm64"

// fallbackFunctionName is used when a functionResponse cannot be matched to
// an earlier functionCall by tool_use_id.
const fallbackFunctionName = "tool"

// BuildRequest converts a raw Claude request into the internal Gemini
// payload for the given project and target model.
func BuildRequest(rawJSON []byte, project, targetModel string) []byte {
	out := `{"project":"","request_id":"","request":{"contents":[]},"model":"","user_agent":""}`
	out, _ = sjson.Set(out, "project", project)
	out, _ = sjson.Set(out, "request_id", uuid.NewString())
	out, _ = sjson.Set(out, "model", targetModel)
	out, _ = sjson.Set(out, "user_agent", userAgent)

	if system := flattenSystem(rawJSON); system != "" {
		instruction, _ := sjson.Set(`{"parts":[{"text":""}]}`, "parts.0.text", system)
		out, _ = sjson.SetRaw(out, "request.systemInstruction", instruction)
	}

	// tool_use ids seen so far, for resolving functionResponse names.
	toolNames := make(map[string]string)

	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		entry := buildContent(msg, toolNames)
		if entry != "" {
			out, _ = sjson.SetRaw(out, "request.contents.-1", entry)
		}
		return true
	})

	out, _ = sjson.Set(out, "request.generationConfig.maxOutputTokens", maxOutputTokens(rawJSON))
	if temp := gjson.GetBytes(rawJSON, "temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.temperature", temp.Float())
	}

	if tools := buildTools(rawJSON); tools != "" {
		out, _ = sjson.SetRaw(out, "request.tools", tools)
	}
	return []byte(out)
}

// maxOutputTokens is the requested budget or the thinking budget, whichever
// is larger, plus one so the model never stops exactly at the cap.
func maxOutputTokens(rawJSON []byte) int64 {
	maxTokens := gjson.GetBytes(rawJSON, "max_tokens").Int()
	if budget := gjson.GetBytes(rawJSON, "thinking.budget_tokens").Int(); budget > maxTokens {
		maxTokens = budget
	}
	return maxTokens + 1
}

// buildContent renders one Claude message as a Gemini content entry.
// Returns "" when the message produces no parts at all.
func buildContent(msg gjson.Result, toolNames map[string]string) string {
	role := "user"
	if msg.Get("role").String() == "assistant" {
		role = "model"
	}
	entry, _ := sjson.Set(`{"role":"","parts":[]}`, "role", role)

	parts := 0
	thoughtOnly := true
	appendPart := func(raw string, isThought bool) {
		entry, _ = sjson.SetRaw(entry, "parts.-1", raw)
		parts++
		if !isThought {
			thoughtOnly = false
		}
	}

	content := msg.Get("content")
	if content.Type == gjson.String {
		if text := content.String(); text != "" {
			part, _ := sjson.Set(`{"text":""}`, "text", text)
			appendPart(part, false)
		}
	} else {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				part, _ := sjson.Set(`{"text":""}`, "text", block.Get("text").String())
				appendPart(part, false)
			case "thinking":
				// Thoughts survive only with a signature; unsigned replays
				// are dropped rather than forwarded as plain text.
				if block.Get("signature").String() == "" {
					break
				}
				part, _ := sjson.Set(`{"thought":true,"text":""}`, "text", block.Get("thinking").String())
				appendPart(part, true)
			case "image":
				part, _ := sjson.Set(`{"inlineData":{"mimeType":"","data":""}}`, "inlineData.mimeType", block.Get("source.media_type").String())
				part, _ = sjson.Set(part, "inlineData.data", block.Get("source.data").String())
				appendPart(part, false)
			case "tool_use":
				name := block.Get("name").String()
				toolNames[block.Get("id").String()] = name
				part, _ := sjson.Set(`{"functionCall":{"name":"","args":{}}}`, "functionCall.name", name)
				if input := block.Get("input"); input.IsObject() {
					part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
				}
				appendPart(part, false)
			case "tool_result":
				name, ok := toolNames[block.Get("tool_use_id").String()]
				if !ok || name == "" {
					name = fallbackFunctionName
				}
				part, _ := sjson.Set(`{"functionResponse":{"name":"","response":{}}}`, "functionResponse.name", name)
				part, _ = sjson.Set(part, "functionResponse.response.result", toolResultText(block.Get("content")))
				appendPart(part, false)
			}
			return true
		})
	}

	if parts == 0 {
		return ""
	}
	if role == "model" && thoughtOnly {
		// Gemini rejects model turns that contain nothing but thoughts.
		appendPart(`{"text":" "}`, false)
	}
	return entry
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

// flattenSystem joins the system prompt into one string.
func flattenSystem(rawJSON []byte) string {
	system := gjson.GetBytes(rawJSON, "system")
	if system.Type == gjson.String {
		return system.String()
	}
	var sb strings.Builder
	system.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// buildTools renders the Gemini functionDeclarations wrapper, sanitizing
// each input schema of the JSON-Schema keywords the endpoint rejects.
func buildTools(rawJSON []byte) string {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() || len(tools.Array()) == 0 {
		return ""
	}

	decls := "[]"
	tools.ForEach(func(_, tool gjson.Result) bool {
		decl := `{"name":"","description":""}`
		decl, _ = sjson.Set(decl, "name", tool.Get("name").String())

		description := tool.Get("description").String()
		if schema := tool.Get("input_schema"); schema.IsObject() {
			cleaned, notes := sanitizeSchema(schema)
			if len(notes) > 0 {
				// The stripped constraints still reach the model as prose.
				description = strings.TrimRight(description, "\n") +
					"\n\nSchema constraints: " + strings.Join(notes, "; ")
			}
			decl, _ = sjson.SetRaw(decl, "parameters", cleaned)
		}
		decl, _ = sjson.Set(decl, "description", description)
		decls, _ = sjson.SetRaw(decls, "-1", decl)
		return true
	})

	out, _ := sjson.SetRaw(`[{"functionDeclarations":[]}]`, "0.functionDeclarations", decls)
	return out
}

// rejectedSchemaKeywords are dropped from tool schemas before forwarding.
var rejectedSchemaKeywords = map[string]bool{
	"$schema":              true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
	"additionalProperties": true,
	"patternProperties":    true,
	"const":                true,
	"default":              true,
}

// sanitizeSchema removes rejected keywords recursively and reports what was
// removed as human-readable notes.
func sanitizeSchema(schema gjson.Result) (string, []string) {
	var notes []string
	cleaned := cleanValue(schema, "", &notes)
	return cleaned, notes
}

func cleanValue(v gjson.Result, path string, notes *[]string) string {
	switch {
	case v.IsObject():
		out := "{}"
		v.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if rejectedSchemaKeywords[name] {
				at := name
				if path != "" {
					at = path + "." + name
				}
				*notes = append(*notes, at+"="+value.Raw)
				return true
			}
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			out, _ = sjson.SetRaw(out, escapePath(name), cleanValue(value, childPath, notes))
			return true
		})
		return out
	case v.IsArray():
		out := "[]"
		v.ForEach(func(_, item gjson.Result) bool {
			out, _ = sjson.SetRaw(out, "-1", cleanValue(item, path+"[]", notes))
			return true
		})
		return out
	}
	return v.Raw
}

// escapePath protects dots and wildcards in schema property names from being
// read as sjson path separators.
func escapePath(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?', '|', '#', '@', ':':
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
