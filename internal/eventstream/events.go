// Package eventstream parses the AWS binary event-stream frames returned by
// the CodeWhisperer assistant endpoint and maps them to the internal events
// consumed by the stream translator.
//
// Frame layout: a 12-byte prelude (total length, headers length, prelude
// checksum, all big-endian u32), a headers region, the UTF-8 JSON payload and
// a trailing 4-byte message checksum. Checksums are not validated; the
// length fields are the only boundary signal, so a malformed prelude is
// fatal to the stream.
package eventstream

// Kind tags an internal event.
type Kind int

const (
	// KindContent carries a chunk of assistant text.
	KindContent Kind = iota
	// KindThinking carries a chunk of reasoning text.
	KindThinking
	// KindToolUse announces a tool call (first sighting of its id).
	KindToolUse
	// KindToolUseInput carries a partial JSON fragment of a tool call's input.
	KindToolUseInput
	// KindToolUseStop marks a tool call's input as complete.
	KindToolUseStop
	// KindMetering carries upstream usage units.
	KindMetering
	// KindFollowup carries a suggested followup prompt.
	KindFollowup
	// KindCodeReference carries license/attribution references.
	KindCodeReference
	// KindMetadata carries the upstream conversation id.
	KindMetadata
)

// Event is the tagged variant flowing from the codec to the translator.
// Only the fields relevant to its Kind are populated.
type Event struct {
	Kind Kind

	// Text is the payload for content, thinking and followup events.
	Text string

	// ToolUseID, ToolName and Input describe tool-use events.
	ToolUseID string
	ToolName  string
	Input     string

	// Units is the metering payload.
	Units float64

	// References is the raw JSON array for code-reference events.
	References string

	// ConversationID is the metadata payload.
	ConversationID string
}

// Message is one decoded binary frame: its headers and JSON payload.
type Message struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the upstream ":event-type" header value.
func (m Message) EventType() string {
	return m.Headers[":event-type"]
}
