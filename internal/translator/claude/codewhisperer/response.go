package codewhisperer

import (
	"github.com/amq2api/amq2api/internal/eventstream"
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/tidwall/gjson"
)

// segment states of the serializer.
const (
	segNone = iota
	segText
	segTool
)

// Serializer turns decoded CodeWhisperer frames into the canonical
// Anthropic stream. One Serializer serves exactly one response.
type Serializer struct {
	messageID string
	model     string
	usage     sse.Usage

	started  bool
	index    int
	state    int
	toolSeen bool

	currentToolID string
	outputChars   int
}

// NewSerializer builds a serializer for one response. usage carries the
// input estimate and the cache accounting pair computed before dispatch.
func NewSerializer(model string, usage sse.Usage) *Serializer {
	return &Serializer{
		messageID: sse.NewMessageID(),
		model:     model,
		usage:     usage,
		state:     segNone,
	}
}

// Start emits message_start. Idempotent.
func (s *Serializer) Start() []sse.Event {
	if s.started {
		return nil
	}
	s.started = true
	return []sse.Event{sse.MessageStart(s.messageID, s.model, s.usage)}
}

// HandleEvent maps one decoded frame onto zero or more stream events.
func (s *Serializer) HandleEvent(ev eventstream.Event) []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}

	switch ev.Type {
	case "initial-response", "messageMetadataEvent":
		// Metadata only; nothing streams to the client.

	case "assistantResponseEvent":
		content := gjson.GetBytes(ev.Payload, "content").String()
		if content == "" {
			break
		}
		if s.state == segTool {
			out = append(out, s.closeBlock())
		}
		if s.state == segNone {
			out = append(out, sse.TextBlockStart(s.index))
			s.state = segText
		}
		s.outputChars += len(content)
		out = append(out, sse.TextDelta(s.index, content))

	case "toolUseEvent":
		toolID := gjson.GetBytes(ev.Payload, "toolUseId").String()
		name := gjson.GetBytes(ev.Payload, "name").String()
		input := gjson.GetBytes(ev.Payload, "input").String()
		stop := gjson.GetBytes(ev.Payload, "stop").Bool()

		if s.state == segText || (s.state == segTool && toolID != "" && toolID != s.currentToolID) {
			out = append(out, s.closeBlock())
		}
		if s.state == segNone && toolID != "" && name != "" {
			out = append(out, sse.ToolUseBlockStart(s.index, toolID, name))
			s.state = segTool
			s.currentToolID = toolID
			s.toolSeen = true
		}
		if s.state == segTool && input != "" {
			s.outputChars += len(input)
			out = append(out, sse.InputJSONDelta(s.index, input))
		}
		if s.state == segTool && stop {
			out = append(out, s.closeBlock())
		}

	default:
		// Exception frames surface as a stream error; callers stop feeding
		// afterwards and call Finish.
		message := gjson.GetBytes(ev.Payload, "message").String()
		if message == "" {
			message = ev.Type
		}
		out = append(out, sse.Error("api_error", message))
	}
	return out
}

// Finish closes any open block and ends the message.
func (s *Serializer) Finish() []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}
	if s.state != segNone {
		out = append(out, s.closeBlock())
	}

	s.usage.OutputTokens = s.outputChars / 4
	if s.usage.OutputTokens < 1 && s.outputChars > 0 {
		s.usage.OutputTokens = 1
	}
	stopReason := "end_turn"
	if s.toolSeen {
		stopReason = "tool_use"
	}
	out = append(out, sse.MessageDelta(stopReason, s.usage))
	out = append(out, sse.MessageStop())
	return out
}

// Fail closes the stream after a mid-stream error.
func (s *Serializer) Fail(message string) []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}
	out = append(out, sse.Error("api_error", message))
	if s.state != segNone {
		out = append(out, s.closeBlock())
	}
	out = append(out, sse.MessageDelta("end_turn", s.usage))
	out = append(out, sse.MessageStop())
	return out
}

// Usage returns the final accounting after Finish.
func (s *Serializer) Usage() sse.Usage {
	return s.usage
}

func (s *Serializer) closeBlock() sse.Event {
	ev := sse.BlockStop(s.index)
	s.index++
	s.state = segNone
	s.currentToolID = ""
	return ev
}
