package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildRequestBasics(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4.5",
		"max_tokens": 256,
		"system": "be brief",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	payload, thinking := BuildRequest(raw, "gpt-4o")
	assert.False(t, thinking)

	p := gjson.ParseBytes(payload)
	assert.Equal(t, "gpt-4o", p.Get("model").String())
	assert.True(t, p.Get("stream").Bool())
	assert.True(t, p.Get("stream_options.include_usage").Bool())
	assert.EqualValues(t, 256, p.Get("max_tokens").Int())

	messages := p.Get("messages").Array()
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Get("role").String())
	assert.Equal(t, "be brief", messages[0].Get("content").String())
	assert.Equal(t, "user", messages[1].Get("role").String())
	assert.Equal(t, "hi", messages[1].Get("content").String())
}

func TestThinkingFlagCarried(t *testing.T) {
	raw := []byte(`{"thinking":{"type":"enabled","budget_tokens":1000},"messages":[]}`)
	_, thinking := BuildRequest(raw, "m")
	assert.True(t, thinking)
}

func TestImageContentBecomesDataURL(t *testing.T) {
	raw := []byte(`{
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAAA"}}
		]}]
	}`)
	payload, _ := BuildRequest(raw, "m")
	content := gjson.GetBytes(payload, "messages.0.content").Array()
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].Get("type").String())
	assert.Equal(t, "image_url", content[1].Get("type").String())
	assert.Equal(t, "data:image/png;base64,AAAA", content[1].Get("image_url.url").String())
}

func TestToolUseAndResultMapping(t *testing.T) {
	raw := []byte(`{
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "running"},
				{"type": "tool_use", "id": "call_1", "name": "bash", "input": {"cmd": "ls"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "call_1", "content": "a.txt"}
			]}
		]
	}`)
	payload, _ := BuildRequest(raw, "m")
	messages := gjson.GetBytes(payload, "messages").Array()
	require.Len(t, messages, 2)

	assistant := messages[0]
	assert.Equal(t, "assistant", assistant.Get("role").String())
	assert.Equal(t, "running", assistant.Get("content").String())
	call := assistant.Get("tool_calls.0")
	assert.Equal(t, "call_1", call.Get("id").String())
	assert.Equal(t, "bash", call.Get("function.name").String())
	require.True(t, gjson.Valid(call.Get("function.arguments").String()))

	tool := messages[1]
	assert.Equal(t, "tool", tool.Get("role").String())
	assert.Equal(t, "call_1", tool.Get("tool_call_id").String())
	assert.Equal(t, "a.txt", tool.Get("content").String())
}

func TestReservedTextStripped(t *testing.T) {
	raw := []byte(`{"system":"x-anthropic-billing-usage ok","messages":[]}`)
	payload, _ := BuildRequest(raw, "m")
	assert.Equal(t, " ok", gjson.GetBytes(payload, "messages.0.content").String())
}
