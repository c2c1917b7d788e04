package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	preludeLen     = 12
	checksumLen    = 4
	headerTypeStr  = 7
	maxFrameLength = 16 * 1024 * 1024
)

// ErrNeedMore reports that the buffer ends before the current frame does.
var ErrNeedMore = errors.New("eventstream: need more data")

// ErrMalformed reports an unparseable frame. The length prelude is the only
// boundary signal, so decoding cannot continue past a malformed frame.
var ErrMalformed = errors.New("eventstream: malformed frame")

// ParseOne decodes a single frame starting at offset. It returns the decoded
// message and the offset of the next frame. ErrNeedMore means the frame is
// incomplete; ErrMalformed means the stream is unrecoverable.
func ParseOne(buf []byte, offset int) (Message, int, error) {
	var msg Message
	if offset < 0 || offset > len(buf) {
		return msg, offset, ErrMalformed
	}
	rest := buf[offset:]
	if len(rest) < preludeLen {
		return msg, offset, ErrNeedMore
	}

	totalLen := binary.BigEndian.Uint32(rest[0:4])
	headersLen := binary.BigEndian.Uint32(rest[4:8])
	// rest[8:12] is the prelude checksum, not validated.

	if totalLen < preludeLen+2*checksumLen || totalLen > maxFrameLength {
		return msg, offset, fmt.Errorf("%w: total length %d", ErrMalformed, totalLen)
	}
	if uint64(preludeLen)+uint64(headersLen)+checksumLen > uint64(totalLen) {
		return msg, offset, fmt.Errorf("%w: headers length %d exceeds frame", ErrMalformed, headersLen)
	}
	if len(rest) < int(totalLen) {
		return msg, offset, ErrNeedMore
	}

	headers, err := parseHeaders(rest[preludeLen : preludeLen+headersLen])
	if err != nil {
		return msg, offset, err
	}

	payloadStart := preludeLen + int(headersLen)
	payloadEnd := int(totalLen) - checksumLen
	msg.Headers = headers
	msg.Payload = rest[payloadStart:payloadEnd]
	// Trailing 4 bytes are the message checksum, not validated.
	return msg, offset + int(totalLen), nil
}

// parseHeaders walks the headers region. Each header is a 1-byte name
// length, the name, a 1-byte value type (only string=7 is recognized), a
// big-endian u16 value length and the value bytes.
func parseHeaders(region []byte) (map[string]string, error) {
	headers := make(map[string]string)
	offset := 0
	for offset < len(region) {
		nameLen := int(region[offset])
		offset++
		if offset+nameLen > len(region) {
			return nil, fmt.Errorf("%w: truncated header name", ErrMalformed)
		}
		name := string(region[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(region) {
			return nil, fmt.Errorf("%w: missing header value type", ErrMalformed)
		}
		valueType := region[offset]
		offset++
		if valueType != headerTypeStr {
			return nil, fmt.Errorf("%w: unsupported header value type %d", ErrMalformed, valueType)
		}

		if offset+2 > len(region) {
			return nil, fmt.Errorf("%w: truncated header value length", ErrMalformed)
		}
		valueLen := int(binary.BigEndian.Uint16(region[offset : offset+2]))
		offset += 2
		if offset+valueLen > len(region) {
			return nil, fmt.Errorf("%w: truncated header value", ErrMalformed)
		}
		headers[name] = string(region[offset : offset+valueLen])
		offset += valueLen
	}
	return headers, nil
}

// Decoder incrementally decodes frames into events. It carries the partial
// tail between Feed calls and the set of tool-use ids already announced, so
// feeding a stream chunk-by-chunk yields the same event sequence as feeding
// it whole.
type Decoder struct {
	buf      []byte
	seenTool map[string]bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{seenTool: make(map[string]bool)}
}

// Feed appends data and returns all events that became complete. A frame
// whose JSON payload is unusable is logged and skipped; a malformed frame
// boundary returns an error and poisons the decoder.
func (d *Decoder) Feed(data []byte) ([]Event, error) {
	d.buf = append(d.buf, data...)

	var events []Event
	offset := 0
	for {
		msg, next, err := ParseOne(d.buf, offset)
		if errors.Is(err, ErrNeedMore) {
			break
		}
		if err != nil {
			return events, err
		}
		events = append(events, d.decodeMessage(msg)...)
		offset = next
	}
	d.buf = d.buf[offset:]
	return events, nil
}

// Buffered returns the number of bytes held back waiting for frame
// completion.
func (d *Decoder) Buffered() int { return len(d.buf) }

// ParseBuffer decodes a complete buffer in one call and returns the events
// along with any incomplete trailing bytes.
func ParseBuffer(buf []byte) ([]Event, []byte, error) {
	d := NewDecoder()
	events, err := d.Feed(buf)
	return events, d.buf, err
}

// decodeMessage maps one upstream frame to zero or more internal events.
// Missing guard fields skip the frame; bad JSON never fails the stream.
func (d *Decoder) decodeMessage(msg Message) []Event {
	payload := msg.Payload
	switch msg.EventType() {
	case "assistantResponseEvent":
		content := gjson.GetBytes(payload, "content")
		if !content.Exists() {
			return nil
		}
		return []Event{{Kind: KindContent, Text: content.String()}}

	case "toolUseEvent":
		return d.decodeToolUse(payload)

	case "meteringEvent":
		usage := gjson.GetBytes(payload, "usage")
		if !usage.Exists() {
			return nil
		}
		return []Event{{Kind: KindMetering, Units: usage.Float()}}

	case "reasoningContentEvent":
		text := gjson.GetBytes(payload, "text")
		if !text.Exists() {
			text = gjson.GetBytes(payload, "reasoningText")
		}
		if !text.Exists() {
			return nil
		}
		return []Event{{Kind: KindThinking, Text: text.String()}}

	case "followupPromptEvent":
		followup := gjson.GetBytes(payload, "followupPrompt")
		if !followup.Exists() {
			return nil
		}
		text := followup.Get("content").String()
		if text == "" {
			text = followup.String()
		}
		return []Event{{Kind: KindFollowup, Text: text}}

	case "codeReferenceEvent":
		refs := gjson.GetBytes(payload, "references")
		if !refs.IsArray() || len(refs.Array()) == 0 {
			return nil
		}
		return []Event{{Kind: KindCodeReference, References: refs.Raw}}

	case "messageMetadataEvent":
		convID := gjson.GetBytes(payload, "conversationId")
		if !convID.Exists() {
			return nil
		}
		return []Event{{Kind: KindMetadata, ConversationID: convID.String()}}

	case "":
		// Exception or unannotated frame; nothing to emit.
		log.Debugf("eventstream: frame without :event-type header, payload %d bytes", len(payload))
		return nil

	default:
		log.Debugf("eventstream: ignoring event type %q", msg.EventType())
		return nil
	}
}

func (d *Decoder) decodeToolUse(payload []byte) []Event {
	if !gjson.ValidBytes(payload) {
		log.Warnf("eventstream: skipping toolUseEvent with invalid JSON payload")
		return nil
	}
	id := gjson.GetBytes(payload, "toolUseId").String()
	if id == "" {
		return nil
	}

	var events []Event
	if !d.seenTool[id] {
		d.seenTool[id] = true
		events = append(events, Event{
			Kind:      KindToolUse,
			ToolUseID: id,
			ToolName:  gjson.GetBytes(payload, "name").String(),
		})
	}
	if input := gjson.GetBytes(payload, "input"); input.Exists() && input.String() != "" {
		events = append(events, Event{Kind: KindToolUseInput, ToolUseID: id, Input: input.String()})
	}
	if gjson.GetBytes(payload, "stop").Bool() {
		events = append(events, Event{Kind: KindToolUseStop, ToolUseID: id})
	}
	return events
}
