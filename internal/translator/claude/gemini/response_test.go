package gemini

import (
	"testing"

	"github.com/amq2api/amq2api/internal/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collect(s *Serializer, chunks []string) []sse.Event {
	out := s.Start()
	for _, chunk := range chunks {
		out = append(out, s.HandleChunk([]byte(chunk))...)
	}
	return append(out, s.Finish()...)
}

func eventTypes(events []sse.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestThinkingThenText(t *testing.T) {
	s := NewSerializer("claude-opus-4-5-thinking", sse.Usage{InputTokens: 5})
	out := collect(s, []string{
		`{"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"hmm","thoughtSignature":"sig=="}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7}}}`,
	})

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", // thinking
		"content_block_delta", "content_block_stop", // signature, stop
		"content_block_start", "content_block_delta", "content_block_stop", // text
		"message_delta", "message_stop",
	}, eventTypes(out))

	assert.Equal(t, "thinking", gjson.Get(out[1].Data, "content_block.type").String())
	assert.Equal(t, "hmm", gjson.Get(out[2].Data, "delta.thinking").String())
	assert.Equal(t, "signature_delta", gjson.Get(out[3].Data, "delta.type").String())
	assert.Equal(t, "sig==", gjson.Get(out[3].Data, "delta.signature").String())
	assert.Equal(t, "answer", gjson.Get(out[6].Data, "delta.text").String())
	assert.Equal(t, "end_turn", gjson.Get(out[8].Data, "delta.stop_reason").String())
	assert.EqualValues(t, 12, gjson.Get(out[8].Data, "usage.input_tokens").Int())
	assert.EqualValues(t, 7, gjson.Get(out[8].Data, "usage.output_tokens").Int())
}

func TestFunctionCallSegment(t *testing.T) {
	s := NewSerializer("m", sse.Usage{})
	out := collect(s, []string{
		`{"candidates":[{"content":{"parts":[{"text":"checking"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"bash","args":{"cmd":"ls"}}}]}}]}`,
	})

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(out))

	start := out[4]
	assert.Equal(t, "tool_use", gjson.Get(start.Data, "content_block.type").String())
	assert.Equal(t, "bash", gjson.Get(start.Data, "content_block.name").String())
	assert.NotEmpty(t, gjson.Get(start.Data, "content_block.id").String())
	assert.EqualValues(t, 1, gjson.Get(start.Data, "index").Int())

	args := gjson.Get(out[5].Data, "delta.partial_json").String()
	require.True(t, gjson.Valid(args))
	assert.Equal(t, "ls", gjson.Get(args, "cmd").String())

	assert.Equal(t, "tool_use", gjson.Get(out[7].Data, "delta.stop_reason").String())
}

func TestEmptyResponseSequence(t *testing.T) {
	s := NewSerializer("m", sse.Usage{InputTokens: 3})
	out := s.Empty()

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(out))
	assert.Equal(t, "end_turn", gjson.Get(out[3].Data, "delta.stop_reason").String())
}

func TestMaxTokensFinishReason(t *testing.T) {
	s := NewSerializer("m", sse.Usage{})
	out := collect(s, []string{
		`{"candidates":[{"content":{"parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}`,
	})
	assert.Equal(t, "max_tokens", gjson.Get(out[len(out)-2].Data, "delta.stop_reason").String())
}
