// Package sse builds the canonical Anthropic Messages stream events. Every
// provider re-serializer emits its output through these constructors so the
// event shapes stay identical across channels.
package sse

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// Event is one server-sent event ready to be written to the client.
type Event struct {
	Type string
	Data string
}

// Usage is the token accounting carried by message_start and message_delta.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Bytes renders the wire form, including the trailing blank line.
func (e Event) Bytes() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, e.Data))
}

// NewMessageID mints an Anthropic-shaped message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// MessageStart opens the stream with the initial usage snapshot.
func MessageStart(messageID, model string, usage Usage) Event {
	data := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`
	data, _ = sjson.Set(data, "message.id", messageID)
	data, _ = sjson.Set(data, "message.model", model)
	data, _ = sjson.Set(data, "message.usage.input_tokens", usage.InputTokens)
	data, _ = sjson.Set(data, "message.usage.output_tokens", usage.OutputTokens)
	data, _ = sjson.Set(data, "message.usage.cache_creation_input_tokens", usage.CacheCreationInputTokens)
	data, _ = sjson.Set(data, "message.usage.cache_read_input_tokens", usage.CacheReadInputTokens)
	return Event{Type: "message_start", Data: data}
}

// TextBlockStart opens a text content block at index.
func TextBlockStart(index int) Event {
	data := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	data, _ = sjson.Set(data, "index", index)
	return Event{Type: "content_block_start", Data: data}
}

// ThinkingBlockStart opens a thinking content block at index.
func ThinkingBlockStart(index int) Event {
	data := `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`
	data, _ = sjson.Set(data, "index", index)
	return Event{Type: "content_block_start", Data: data}
}

// ToolUseBlockStart opens a tool_use content block with empty input.
func ToolUseBlockStart(index int, id, name string) Event {
	data := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
	data, _ = sjson.Set(data, "index", index)
	data, _ = sjson.Set(data, "content_block.id", id)
	data, _ = sjson.Set(data, "content_block.name", name)
	return Event{Type: "content_block_start", Data: data}
}

// TextDelta appends text to the block at index.
func TextDelta(index int, text string) Event {
	data := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	data, _ = sjson.Set(data, "index", index)
	data, _ = sjson.Set(data, "delta.text", text)
	return Event{Type: "content_block_delta", Data: data}
}

// ThinkingDelta appends thinking text to the block at index.
func ThinkingDelta(index int, thinking string) Event {
	data := `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`
	data, _ = sjson.Set(data, "index", index)
	data, _ = sjson.Set(data, "delta.thinking", thinking)
	return Event{Type: "content_block_delta", Data: data}
}

// SignatureDelta closes a thinking block with its provider signature.
func SignatureDelta(index int, signature string) Event {
	data := `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":""}}`
	data, _ = sjson.Set(data, "index", index)
	data, _ = sjson.Set(data, "delta.signature", signature)
	return Event{Type: "content_block_delta", Data: data}
}

// InputJSONDelta appends a chunk of serialized tool input.
func InputJSONDelta(index int, partialJSON string) Event {
	data := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
	data, _ = sjson.Set(data, "index", index)
	data, _ = sjson.Set(data, "delta.partial_json", partialJSON)
	return Event{Type: "content_block_delta", Data: data}
}

// BlockStop closes the content block at index.
func BlockStop(index int) Event {
	data := `{"type":"content_block_stop","index":0}`
	data, _ = sjson.Set(data, "index", index)
	return Event{Type: "content_block_stop", Data: data}
}

// MessageDelta carries the stop reason and cumulative usage.
func MessageDelta(stopReason string, usage Usage) Event {
	data := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}`
	data, _ = sjson.Set(data, "delta.stop_reason", stopReason)
	data, _ = sjson.Set(data, "usage.input_tokens", usage.InputTokens)
	data, _ = sjson.Set(data, "usage.output_tokens", usage.OutputTokens)
	data, _ = sjson.Set(data, "usage.cache_creation_input_tokens", usage.CacheCreationInputTokens)
	data, _ = sjson.Set(data, "usage.cache_read_input_tokens", usage.CacheReadInputTokens)
	return Event{Type: "message_delta", Data: data}
}

// MessageStop ends the stream.
func MessageStop() Event {
	return Event{Type: "message_stop", Data: `{"type":"message_stop"}`}
}

// Ping keeps idle connections alive.
func Ping() Event {
	return Event{Type: "ping", Data: `{"type":"ping"}`}
}

// Error surfaces a failure mid-stream.
func Error(errType, message string) Event {
	data := `{"type":"error","error":{"type":"","message":""}}`
	data, _ = sjson.Set(data, "error.type", errType)
	data, _ = sjson.Set(data, "error.message", message)
	return Event{Type: "error", Data: data}
}

// MapStopReason normalizes upstream finish markers onto Anthropic's
// stop_reason vocabulary.
func MapStopReason(upstream string) string {
	switch upstream {
	case "tool_use", "tool_calls", "function_call":
		return "tool_use"
	case "max_tokens", "length", "MAX_TOKENS":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	}
	return "end_turn"
}
