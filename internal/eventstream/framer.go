// Package eventstream parses the AWS binary event-stream framing used by the
// CodeWhisperer streaming API. It wraps the AWS SDK decoder, which verifies
// the prelude and message CRCs, and adds chunked buffering so callers can
// feed network reads of any size.
package eventstream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

const (
	// preludeLen is the fixed frame prefix: total length, header length, prelude CRC.
	preludeLen = 12

	// minFrameLen is a prelude plus the trailing message CRC.
	minFrameLen = preludeLen + 4

	// maxFrameLen rejects frames that no CodeWhisperer response would produce.
	maxFrameLen = 16 * 1024 * 1024
)

// Event is one decoded frame: the ":event-type" (or exception type) header
// value and the raw JSON payload.
type Event struct {
	Type    string
	Payload []byte
}

// Framer accumulates raw bytes and yields decoded events as frames complete.
// It never blocks on a partial frame; incomplete bytes stay buffered until
// the next Feed call.
type Framer struct {
	buf bytes.Buffer
	dec *eventstream.Decoder
}

// NewFramer returns a Framer ready to receive bytes.
func NewFramer() *Framer {
	return &Framer{dec: eventstream.NewDecoder()}
}

// Feed appends chunk to the internal buffer and decodes every complete frame.
// It returns the decoded events, possibly none. A CRC mismatch or malformed
// frame returns an error wrapping apperr.ErrParse; the framer must not be
// used afterwards.
func (f *Framer) Feed(chunk []byte) ([]Event, error) {
	f.buf.Write(chunk)

	var events []Event
	for {
		data := f.buf.Bytes()
		if len(data) < preludeLen {
			return events, nil
		}
		total := binary.BigEndian.Uint32(data[:4])
		if total < minFrameLen || total > maxFrameLen {
			return events, fmt.Errorf("%w: frame length %d out of range", apperr.ErrParse, total)
		}
		if uint32(len(data)) < total {
			return events, nil
		}

		frame := make([]byte, total)
		if _, err := f.buf.Read(frame); err != nil {
			return events, fmt.Errorf("%w: %v", apperr.ErrParse, err)
		}
		msg, err := f.dec.Decode(bytes.NewReader(frame), nil)
		if err != nil {
			return events, fmt.Errorf("%w: %v", apperr.ErrParse, err)
		}

		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
		events = append(events, Event{Type: eventType(msg), Payload: payload})
	}
}

// Buffered reports how many undecoded bytes remain in the framer.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// eventType resolves the frame's type header. Exception frames carry
// ":exception-type" instead of ":event-type".
func eventType(msg eventstream.Message) string {
	for _, name := range []string{":event-type", ":exception-type"} {
		if v := msg.Headers.Get(name); v != nil {
			if sv, ok := v.(eventstream.StringValue); ok {
				return string(sv)
			}
			return v.String()
		}
	}
	return ""
}
