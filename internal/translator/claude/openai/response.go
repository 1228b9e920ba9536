package openai

import (
	"strings"

	"github.com/amq2api/amq2api/internal/sse"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// segment states of the serializer.
const (
	segNone = iota
	segText
	segThinking
	segTool
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// Serializer turns streamed chat-completion chunks into the canonical
// Anthropic stream. One Serializer serves exactly one response.
type Serializer struct {
	messageID string
	model     string
	usage     sse.Usage

	started  bool
	index    int
	state    int
	toolSeen bool

	// currentToolIdx is the upstream tool_calls index of the open tool
	// segment, or -1.
	currentToolIdx int

	// Thinking-prefix scan state, active only when the request asked for
	// thinking. The assistant's first text may begin with a <thinking>
	// block that must be re-parsed into thinking deltas.
	parseThinking bool
	prefixDone    bool
	inThinking    bool
	pending       string

	finish      string
	outputChars int
}

// NewSerializer builds a serializer for one response. parseThinking enables
// the <thinking> prefix scan on the first text chunk.
func NewSerializer(model string, usage sse.Usage, parseThinking bool) *Serializer {
	return &Serializer{
		messageID:      sse.NewMessageID(),
		model:          model,
		usage:          usage,
		state:          segNone,
		currentToolIdx: -1,
		parseThinking:  parseThinking,
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

// HandleChunk maps one streamed chat chunk onto zero or more stream events.
func (s *Serializer) HandleChunk(raw []byte) []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}

	chunk := gjson.ParseBytes(raw)
	if usage := chunk.Get("usage"); usage.Exists() {
		if v := usage.Get("prompt_tokens").Int(); v > 0 {
			s.usage.InputTokens = int(v)
		}
		if v := usage.Get("completion_tokens").Int(); v > 0 {
			s.usage.OutputTokens = int(v)
		}
	}

	choice := chunk.Get("choices.0")
	if reason := choice.Get("finish_reason").String(); reason != "" {
		s.finish = reason
	}

	if content := choice.Get("delta.content"); content.Type == gjson.String && content.String() != "" {
		out = append(out, s.handleText(content.String())...)
	}

	choice.Get("delta.tool_calls").ForEach(func(_, call gjson.Result) bool {
		out = append(out, s.handleToolCall(call)...)
		return true
	})
	return out
}

// handleText routes assistant text, scanning the thinking prefix when asked.
func (s *Serializer) handleText(text string) []sse.Event {
	if !s.parseThinking || s.prefixDone {
		return s.emitText(text)
	}

	s.pending += text
	var out []sse.Event

	if !s.inThinking {
		switch {
		case strings.HasPrefix(s.pending, thinkingOpenTag):
			s.inThinking = true
			s.pending = s.pending[len(thinkingOpenTag):]
		case strings.HasPrefix(thinkingOpenTag, s.pending):
			// Could still become the opening tag; keep buffering.
			return nil
		default:
			s.prefixDone = true
			out = s.emitText(s.pending)
			s.pending = ""
			return out
		}
	}

	if idx := strings.Index(s.pending, thinkingCloseTag); idx >= 0 {
		if idx > 0 {
			out = append(out, s.emitThinking(s.pending[:idx])...)
		}
		rest := s.pending[idx+len(thinkingCloseTag):]
		s.pending = ""
		s.inThinking = false
		s.prefixDone = true
		out = append(out, s.closeOpenBlock()...)
		if rest != "" {
			out = append(out, s.emitText(rest)...)
		}
		return out
	}

	// Hold back any suffix that might be the start of the closing tag.
	hold := 0
	for n := min(len(thinkingCloseTag)-1, len(s.pending)); n > 0; n-- {
		if strings.HasPrefix(thinkingCloseTag, s.pending[len(s.pending)-n:]) {
			hold = n
			break
		}
	}
	emit := s.pending[:len(s.pending)-hold]
	s.pending = s.pending[len(s.pending)-hold:]
	if emit != "" {
		out = append(out, s.emitThinking(emit)...)
	}
	return out
}

// handleToolCall routes one delta.tool_calls entry, opening a new tool
// segment whenever the upstream index changes.
func (s *Serializer) handleToolCall(call gjson.Result) []sse.Event {
	var out []sse.Event
	out = append(out, s.flushPending()...)

	idx := int(call.Get("index").Int())
	if s.state != segTool || idx != s.currentToolIdx {
		out = append(out, s.closeOpenBlock()...)
		id := call.Get("id").String()
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		out = append(out, sse.ToolUseBlockStart(s.index, id, call.Get("function.name").String()))
		s.state = segTool
		s.currentToolIdx = idx
		s.toolSeen = true
	}
	if args := call.Get("function.arguments").String(); args != "" {
		s.outputChars += len(args)
		out = append(out, sse.InputJSONDelta(s.index, args))
	}
	return out
}

// Finish closes any open block and ends the message.
func (s *Serializer) Finish() []sse.Event {
	var out []sse.Event
	if !s.started {
		out = append(out, s.Start()...)
	}
	out = append(out, s.flushPending()...)
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

// Usage returns the final accounting after Finish.
func (s *Serializer) Usage() sse.Usage {
	return s.usage
}

// flushPending drains any buffered prefix-scan text. An unterminated
// thinking block still streams out as thinking before the message ends.
func (s *Serializer) flushPending() []sse.Event {
	if s.pending == "" {
		s.prefixDone = true
		return nil
	}
	text := s.pending
	s.pending = ""
	s.prefixDone = true
	if s.inThinking {
		s.inThinking = false
		return s.emitThinking(text)
	}
	return s.emitText(text)
}

func (s *Serializer) emitText(text string) []sse.Event {
	var out []sse.Event
	if s.state != segText {
		out = append(out, s.closeOpenBlock()...)
		out = append(out, sse.TextBlockStart(s.index))
		s.state = segText
	}
	s.outputChars += len(text)
	out = append(out, sse.TextDelta(s.index, text))
	return out
}

func (s *Serializer) emitThinking(text string) []sse.Event {
	var out []sse.Event
	if s.state != segThinking {
		out = append(out, s.closeOpenBlock()...)
		out = append(out, sse.ThinkingBlockStart(s.index))
		s.state = segThinking
	}
	s.outputChars += len(text)
	out = append(out, sse.ThinkingDelta(s.index, text))
	return out
}

func (s *Serializer) closeOpenBlock() []sse.Event {
	if s.state == segNone {
		return nil
	}
	var out []sse.Event
	if s.state == segThinking {
		out = append(out, sse.SignatureDelta(s.index, ""))
	}
	out = append(out, sse.BlockStop(s.index))
	s.index++
	s.state = segNone
	s.currentToolIdx = -1
	return out
}
