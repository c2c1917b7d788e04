package eventstream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a binary frame with zeroed checksums, which the codec
// must accept because it never validates them.
func buildFrame(eventType string, payload []byte) []byte {
	var headers []byte
	for _, h := range [][2]string{
		{":event-type", eventType},
		{":content-type", "application/json"},
		{":message-type", "event"},
	} {
		headers = append(headers, byte(len(h[0])))
		headers = append(headers, h[0]...)
		headers = append(headers, headerTypeStr)
		var vl [2]byte
		binary.BigEndian.PutUint16(vl[:], uint16(len(h[1])))
		headers = append(headers, vl[:]...)
		headers = append(headers, h[1]...)
	}

	total := preludeLen + len(headers) + len(payload) + checksumLen
	frame := make([]byte, 0, total)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(total))
	frame = append(frame, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(headers)))
	frame = append(frame, u32[:]...)
	frame = append(frame, 0, 0, 0, 0) // prelude checksum, unvalidated
	frame = append(frame, headers...)
	frame = append(frame, payload...)
	frame = append(frame, 0, 0, 0, 0) // message checksum, unvalidated
	return frame
}

func TestParseOneRoundTrip(t *testing.T) {
	frame := buildFrame("assistantResponseEvent", []byte(`{"content":"Hello"}`))
	msg, next, err := ParseOne(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, len(frame), next)
	assert.Equal(t, "assistantResponseEvent", msg.EventType())
	assert.JSONEq(t, `{"content":"Hello"}`, string(msg.Payload))
}

func TestParseOneNeedMore(t *testing.T) {
	frame := buildFrame("assistantResponseEvent", []byte(`{"content":"Hello"}`))

	for _, cut := range []int{0, 5, preludeLen, len(frame) - 1} {
		_, _, err := ParseOne(frame[:cut], 0)
		assert.ErrorIs(t, err, ErrNeedMore, "cut at %d", cut)
	}
}

func TestParseOneMalformed(t *testing.T) {
	frame := buildFrame("assistantResponseEvent", []byte(`{}`))

	// Total length smaller than the fixed overhead.
	bad := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(bad[0:4], 10)
	_, _, err := ParseOne(bad, 0)
	assert.ErrorIs(t, err, ErrMalformed)

	// Headers length pointing past the frame.
	bad = append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(bad[4:8], binary.BigEndian.Uint32(bad[0:4]))
	_, _, err = ParseOne(bad, 0)
	assert.ErrorIs(t, err, ErrMalformed)

	// Headers length near the uint32 maximum must not wrap the bounds
	// check into acceptance.
	bad = make([]byte, preludeLen+2*checksumLen)
	binary.BigEndian.PutUint32(bad[0:4], uint32(len(bad)))
	binary.BigEndian.PutUint32(bad[4:8], 0xFFFFFFF0)
	_, _, err = ParseOne(bad, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseBufferMultipleFrames(t *testing.T) {
	buf := append(buildFrame("assistantResponseEvent", []byte(`{"content":"A"}`)),
		buildFrame("assistantResponseEvent", []byte(`{"content":"B"}`))...)

	events, remaining, err := ParseBuffer(buf)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	require.Len(t, events, 2)
	assert.Equal(t, "A", events[0].Text)
	assert.Equal(t, "B", events[1].Text)
}

func TestParseBufferHoldsBackIncompleteTail(t *testing.T) {
	full := buildFrame("assistantResponseEvent", []byte(`{"content":"A"}`))
	partial := buildFrame("assistantResponseEvent", []byte(`{"content":"B"}`))
	buf := append(append([]byte(nil), full...), partial[:len(partial)-3]...)

	events, remaining, err := ParseBuffer(buf)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Text)
	assert.Equal(t, partial[:len(partial)-3], remaining)
}

// Feeding a stream byte-by-byte must produce the same events as one call.
func TestDecoderIncrementalEquivalence(t *testing.T) {
	var buf []byte
	buf = append(buf, buildFrame("assistantResponseEvent", []byte(`{"content":"Hi"}`))...)
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{"toolUseId":"t1","name":"ls","input":"{"}`))...)
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{"toolUseId":"t1","input":"}","stop":true}`))...)
	buf = append(buf, buildFrame("meteringEvent", []byte(`{"usage":0.004}`))...)

	whole, remaining, err := ParseBuffer(buf)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	d := NewDecoder()
	var incremental []Event
	for i := range buf {
		events, errFeed := d.Feed(buf[i : i+1])
		require.NoError(t, errFeed)
		incremental = append(incremental, events...)
	}
	assert.Equal(t, whole, incremental)
	assert.Zero(t, d.Buffered())
}

func TestToolUseFirstSightingThenInputThenStop(t *testing.T) {
	var buf []byte
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{"toolUseId":"t1","name":"ls","input":"{\"a\""}`))...)
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{"toolUseId":"t1","input":":1}"}`))...)
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{"toolUseId":"t1","stop":true}`))...)

	events, _, err := ParseBuffer(buf)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, KindToolUse, events[0].Kind)
	assert.Equal(t, "ls", events[0].ToolName)
	assert.Equal(t, KindToolUseInput, events[1].Kind)
	assert.Equal(t, `{"a"`, events[1].Input)
	assert.Equal(t, KindToolUseInput, events[2].Kind)
	assert.Equal(t, KindToolUseStop, events[3].Kind)
	assert.Equal(t, "t1", events[3].ToolUseID)
}

func TestEventMappingGuards(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   string
		want      []Event
	}{
		{"content missing", "assistantResponseEvent", `{}`, nil},
		{"metering", "meteringEvent", `{"usage":1.5}`, []Event{{Kind: KindMetering, Units: 1.5}}},
		{"metering missing usage", "meteringEvent", `{}`, nil},
		{"reasoning text", "reasoningContentEvent", `{"text":"hm"}`, []Event{{Kind: KindThinking, Text: "hm"}}},
		{"reasoning alt field", "reasoningContentEvent", `{"reasoningText":"hm"}`, []Event{{Kind: KindThinking, Text: "hm"}}},
		{"reasoning missing", "reasoningContentEvent", `{}`, nil},
		{"followup", "followupPromptEvent", `{"followupPrompt":{"content":"next?"}}`, []Event{{Kind: KindFollowup, Text: "next?"}}},
		{"code refs empty", "codeReferenceEvent", `{"references":[]}`, nil},
		{"metadata", "messageMetadataEvent", `{"conversationId":"c-1"}`, []Event{{Kind: KindMetadata, ConversationID: "c-1"}}},
		{"unknown type", "somethingElse", `{"x":1}`, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, _, err := ParseBuffer(buildFrame(tc.eventType, []byte(tc.payload)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, events)
		})
	}
}

func TestBadPayloadJSONDoesNotKillStream(t *testing.T) {
	var buf []byte
	buf = append(buf, buildFrame("toolUseEvent", []byte(`{not json`))...)
	buf = append(buf, buildFrame("assistantResponseEvent", []byte(`{"content":"ok"}`))...)

	events, _, err := ParseBuffer(buf)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)
}
