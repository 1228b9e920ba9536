package gemini

import (
	"github.com/amq2api/amq2api/internal/sse"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// segment states of the serializer.
const (
	segNone = iota
	segText
	segThinking
)

// Serializer turns streamed Gemini SSE chunks into the canonical Anthropic
// stream. One Serializer serves exactly one response.
type Serializer struct {
	messageID string
	model     string
	usage     sse.Usage

	started  bool
	index    int
	state    int
	toolSeen bool

	signature   string
	finish      string
	outputChars int
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

// HandleChunk maps one streamed JSON chunk onto zero or more stream events.
func (s *Serializer) HandleChunk(raw []byte) []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}

	chunk := gjson.ParseBytes(raw)
	body := chunk.Get("response")
	if !body.Exists() {
		body = chunk
	}

	if meta := body.Get("usageMetadata"); meta.Exists() {
		if v := meta.Get("promptTokenCount").Int(); v > 0 {
			s.usage.InputTokens = int(v)
		}
		if v := meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int(); v > 0 {
			s.usage.OutputTokens = int(v)
		}
	}

	candidate := body.Get("candidates.0")
	if reason := candidate.Get("finishReason").String(); reason != "" {
		s.finish = reason
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		out = append(out, s.handlePart(part)...)
		return true
	})
	return out
}

// handlePart routes one streamed part into the right segment.
func (s *Serializer) handlePart(part gjson.Result) []sse.Event {
	var out []sse.Event

	switch {
	case part.Get("functionCall").Exists():
		// Tool calls arrive whole; the segment opens, carries one delta and
		// closes in place.
		out = append(out, s.closeOpenBlock()...)
		call := part.Get("functionCall")
		id := "toolu_" + uuid.NewString()
		out = append(out, sse.ToolUseBlockStart(s.index, id, call.Get("name").String()))
		args := call.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		s.outputChars += len(args)
		out = append(out, sse.InputJSONDelta(s.index, args))
		out = append(out, sse.BlockStop(s.index))
		s.index++
		s.toolSeen = true

	case part.Get("thought").Bool():
		if s.state == segText {
			out = append(out, s.closeOpenBlock()...)
		}
		if s.state == segNone {
			out = append(out, sse.ThinkingBlockStart(s.index))
			s.state = segThinking
		}
		text := part.Get("text").String()
		s.outputChars += len(text)
		out = append(out, sse.ThinkingDelta(s.index, text))
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			s.signature = sig
		}

	case part.Get("text").Exists():
		text := part.Get("text").String()
		if text == "" {
			break
		}
		if s.state == segThinking {
			out = append(out, s.closeOpenBlock()...)
		}
		if s.state == segNone {
			out = append(out, sse.TextBlockStart(s.index))
			s.state = segText
		}
		s.outputChars += len(text)
		out = append(out, sse.TextDelta(s.index, text))
	}
	return out
}

// Finish closes any open block and ends the message.
func (s *Serializer) Finish() []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}
	out = append(out, s.closeOpenBlock()...)

	if s.usage.OutputTokens == 0 && s.outputChars > 0 {
		s.usage.OutputTokens = max(s.outputChars/4, 1)
	}
	stopReason := sse.MapStopReason(s.finish)
	if s.toolSeen && stopReason == "end_turn" {
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
	out = append(out, s.closeOpenBlock()...)
	out = append(out, sse.MessageDelta("end_turn", s.usage))
	out = append(out, sse.MessageStop())
	return out
}

// Empty renders the full sequence for an upstream response with no body:
// start, one empty text block, stop.
func (s *Serializer) Empty() []sse.Event {
	out := s.Start()
	out = append(out, sse.TextBlockStart(s.index))
	s.state = segText
	out = append(out, s.closeOpenBlock()...)
	out = append(out, sse.MessageDelta("end_turn", s.usage))
	out = append(out, sse.MessageStop())
	return out
}

// Usage returns the final accounting after Finish.
func (s *Serializer) Usage() sse.Usage {
	return s.usage
}

func (s *Serializer) closeOpenBlock() []sse.Event {
	if s.state == segNone {
		return nil
	}
	var out []sse.Event
	if s.state == segThinking {
		out = append(out, sse.SignatureDelta(s.index, s.signature))
		s.signature = ""
	}
	out = append(out, sse.BlockStop(s.index))
	s.index++
	s.state = segNone
	return out
}
