package openai

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

func TestTextDeltasConcatenate(t *testing.T) {
	s := NewSerializer("gpt-4o", sse.Usage{}, false)
	out := collect(s, []string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
	})

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(out))

	text := gjson.Get(out[2].Data, "delta.text").String() + gjson.Get(out[3].Data, "delta.text").String()
	assert.Equal(t, "hello", text)
	assert.Equal(t, "end_turn", gjson.Get(out[5].Data, "delta.stop_reason").String())
	assert.EqualValues(t, 4, gjson.Get(out[5].Data, "usage.input_tokens").Int())
	assert.EqualValues(t, 2, gjson.Get(out[5].Data, "usage.output_tokens").Int())
}

func TestToolCallSegmentsByIndex(t *testing.T) {
	s := NewSerializer("m", sse.Usage{}, false)
	out := collect(s, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"bash","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"cmd\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"read","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})

	var starts []sse.Event
	for _, ev := range out {
		if ev.Type == "content_block_start" {
			starts = append(starts, ev)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, "bash", gjson.Get(starts[0].Data, "content_block.name").String())
	assert.Equal(t, "read", gjson.Get(starts[1].Data, "content_block.name").String())
	assert.EqualValues(t, 0, gjson.Get(starts[0].Data, "index").Int())
	assert.EqualValues(t, 1, gjson.Get(starts[1].Data, "index").Int())

	var args string
	for _, ev := range out {
		if ev.Type == "content_block_delta" && gjson.Get(ev.Data, "index").Int() == 0 {
			args += gjson.Get(ev.Data, "delta.partial_json").String()
		}
	}
	require.True(t, gjson.Valid(args))
	assert.Equal(t, "ls", gjson.Get(args, "cmd").String())

	assert.Equal(t, "tool_use", gjson.Get(out[len(out)-2].Data, "delta.stop_reason").String())
}

func TestThinkingPrefixReparsed(t *testing.T) {
	s := NewSerializer("m", sse.Usage{}, true)
	out := collect(s, []string{
		`{"choices":[{"delta":{"content":"<think"}}]}`,
		`{"choices":[{"delta":{"content":"ing>deep "}}]}`,
		`{"choices":[{"delta":{"content":"thought</thin"}}]}`,
		`{"choices":[{"delta":{"content":"king>visible"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})

	var thinking, text string
	for _, ev := range out {
		if ev.Type != "content_block_delta" {
			continue
		}
		switch gjson.Get(ev.Data, "delta.type").String() {
		case "thinking_delta":
			thinking += gjson.Get(ev.Data, "delta.thinking").String()
		case "text_delta":
			text += gjson.Get(ev.Data, "delta.text").String()
		}
	}
	assert.Equal(t, "deep thought", thinking)
	assert.Equal(t, "visible", text)

	// The thinking block closes with a signature delta before the text block.
	var sawSignature bool
	for _, ev := range out {
		if ev.Type == "content_block_delta" && gjson.Get(ev.Data, "delta.type").String() == "signature_delta" {
			sawSignature = true
		}
	}
	assert.True(t, sawSignature)
}

func TestPlainTextWhenThinkingAbsent(t *testing.T) {
	s := NewSerializer("m", sse.Usage{}, true)
	out := collect(s, []string{
		`{"choices":[{"delta":{"content":"no tags here"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	require.GreaterOrEqual(t, len(out), 5)
	assert.Equal(t, "text", gjson.Get(out[1].Data, "content_block.type").String())
	assert.Equal(t, "no tags here", gjson.Get(out[2].Data, "delta.text").String())
}
