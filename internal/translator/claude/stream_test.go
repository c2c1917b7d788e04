package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/eventstream"
)

func runStream(t *Translator, events ...eventstream.Event) []Chunk {
	chunks := []Chunk{t.Start()}
	for _, ev := range events {
		chunks = append(chunks, t.OnEvent(ev)...)
	}
	return append(chunks, t.Finish()...)
}

func eventNames(chunks []Chunk) []string {
	names := make([]string, len(chunks))
	for i, c := range chunks {
		names[i] = c.Event
	}
	return names
}

func TestStreamWithToolCall(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 12, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "Running"},
		eventstream.Event{Kind: eventstream.KindToolUse, ToolUseID: "t1", ToolName: "ls"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "t1", Input: "{"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "t1", Input: "}"},
		eventstream.Event{Kind: eventstream.KindToolUseStop, ToolUseID: "t1"},
	)

	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(chunks))

	start := gjson.ParseBytes(chunks[0].Data)
	assert.True(t, strings.HasPrefix(start.Get("message.id").String(), "msg_"))
	assert.Equal(t, "claude-sonnet-4-20250514", start.Get("message.model").String())
	assert.Equal(t, int64(12), start.Get("message.usage.input_tokens").Int())

	textStart := gjson.ParseBytes(chunks[1].Data)
	assert.Equal(t, int64(0), textStart.Get("index").Int())
	assert.Equal(t, "text", textStart.Get("content_block.type").String())

	textDelta := gjson.ParseBytes(chunks[2].Data)
	assert.Equal(t, "Running", textDelta.Get("delta.text").String())

	toolStart := gjson.ParseBytes(chunks[4].Data)
	assert.Equal(t, int64(1), toolStart.Get("index").Int())
	assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
	assert.Equal(t, "t1", toolStart.Get("content_block.id").String())
	assert.Equal(t, "ls", toolStart.Get("content_block.name").String())

	toolDelta := gjson.ParseBytes(chunks[5].Data)
	assert.Equal(t, "input_json_delta", toolDelta.Get("delta.type").String())
	assert.Equal(t, "{}", toolDelta.Get("delta.partial_json").String())

	msgDelta := gjson.ParseBytes(chunks[7].Data)
	assert.Equal(t, "tool_use", msgDelta.Get("delta.stop_reason").String())
	assert.Greater(t, msgDelta.Get("usage.output_tokens").Int(), int64(0))
	assert.Equal(t, "tool_use", tr.StopReason())
}

func TestThinkingTagSplitter(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, true)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "A<thinking>B</thinking>C"},
	)

	require.Equal(t, []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta", // "A"
		"content_block_stop",
		"content_block_start", // thinking
		"content_block_delta", // "B"
		"content_block_stop",
		"content_block_start", // text resumes
		"content_block_delta", // "C"
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(chunks))

	assert.Equal(t, "A", gjson.ParseBytes(chunks[2].Data).Get("delta.text").String())
	assert.Equal(t, "thinking", gjson.ParseBytes(chunks[4].Data).Get("content_block.type").String())
	assert.Equal(t, "B", gjson.ParseBytes(chunks[5].Data).Get("delta.thinking").String())
	assert.Equal(t, "C", gjson.ParseBytes(chunks[8].Data).Get("delta.text").String())
	assert.Equal(t, "end_turn", gjson.ParseBytes(chunks[10].Data).Get("delta.stop_reason").String())
}

func TestThinkingTagSplitAcrossChunks(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, true)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "A<thi"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "nking>B</think"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "ing>C"},
	)

	var text, thinking strings.Builder
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		switch parsed.Get("delta.type").String() {
		case "text_delta":
			text.WriteString(parsed.Get("delta.text").String())
		case "thinking_delta":
			thinking.WriteString(parsed.Get("delta.thinking").String())
		}
	}
	assert.Equal(t, "AC", text.String())
	assert.Equal(t, "B", thinking.String())
}

func TestUnterminatedThinkingFlushedAtFinish(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, true)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "<thinking>never closed"},
	)

	var thinking strings.Builder
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("delta.type").String() == "thinking_delta" {
			thinking.WriteString(parsed.Get("delta.thinking").String())
		}
	}
	assert.Equal(t, "never closed", thinking.String())
	assert.Equal(t, "message_stop", chunks[len(chunks)-1].Event)
}

func TestNativeThinkingEvents(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, true)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindThinking, Text: "pondering"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "answer"},
	)

	require.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(chunks))
	assert.Equal(t, "pondering", gjson.ParseBytes(chunks[2].Data).Get("delta.thinking").String())
	assert.Equal(t, "answer", gjson.ParseBytes(chunks[5].Data).Get("delta.text").String())
}

func TestDuplicateContentSuppressed(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "same"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "same"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "next"},
	)

	var deltas []string
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("delta.type").String() == "text_delta" {
			deltas = append(deltas, parsed.Get("delta.text").String())
		}
	}
	assert.Equal(t, []string{"same", "next"}, deltas)
}

func TestServerSideToolNotEmitted(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindToolUse, ToolUseID: "w1", ToolName: "webSearch"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "w1", Input: `{"query":"go"}`},
		eventstream.Event{Kind: eventstream.KindToolUseStop, ToolUseID: "w1"},
		eventstream.Event{Kind: eventstream.KindContent, Text: "search result summary"},
	)

	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		assert.NotEqual(t, "tool_use", parsed.Get("content_block.type").String())
	}
	last := gjson.ParseBytes(chunks[len(chunks)-2].Data)
	assert.Equal(t, "end_turn", last.Get("delta.stop_reason").String())
}

func TestToolInputReverseMapping(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindToolUse, ToolUseID: "t1", ToolName: "fsWrite"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "t1",
			Input: `{"path":"/tmp/x","fileText":"hi","command":"create"}`},
		eventstream.Event{Kind: eventstream.KindToolUseStop, ToolUseID: "t1"},
	)

	var partial string
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("delta.type").String() == "input_json_delta" {
			partial = parsed.Get("delta.partial_json").String()
		}
	}
	require.NotEmpty(t, partial)
	mapped := gjson.Parse(partial)
	assert.Equal(t, "/tmp/x", mapped.Get("file_path").String())
	assert.Equal(t, "hi", mapped.Get("content").String())
	assert.False(t, mapped.Get("command").Exists())
}

func TestUnparseableToolInputForwardedVerbatim(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindToolUse, ToolUseID: "t1", ToolName: "ls"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "t1", Input: "{broken"},
		eventstream.Event{Kind: eventstream.KindToolUseStop, ToolUseID: "t1"},
	)

	var partial string
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("delta.type").String() == "input_json_delta" {
			partial = parsed.Get("delta.partial_json").String()
		}
	}
	assert.Equal(t, "{broken", partial)
}

func TestUnstoppedToolFinalizedAtFinish(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindToolUse, ToolUseID: "t1", ToolName: "ls"},
		eventstream.Event{Kind: eventstream.KindToolUseInput, ToolUseID: "t1", Input: `{"a":1}`},
	)

	found := false
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("content_block.type").String() == "tool_use" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, "tool_use", tr.StopReason())
}

func TestCodeReferencesDelta(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindContent, Text: "copied code"},
		eventstream.Event{Kind: eventstream.KindCodeReference, References: `[{"licenseName":"MIT"}]`},
	)

	found := false
	for _, c := range chunks {
		parsed := gjson.ParseBytes(c.Data)
		if parsed.Get("delta.type").String() == "code_references" {
			found = true
			assert.Equal(t, "MIT", parsed.Get("delta.references.0.licenseName").String())
		}
	}
	assert.True(t, found)
}

func TestMeteringOverriddenByTokenizer(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	text := strings.Repeat("word ", 40)
	chunks := runStream(tr,
		eventstream.Event{Kind: eventstream.KindMetering, Units: 0.001},
		eventstream.Event{Kind: eventstream.KindContent, Text: text},
	)

	msgDelta := gjson.ParseBytes(chunks[len(chunks)-2].Data)
	// 200 chars of ascii at 4 chars/token, not the ceil(0.001*1000)=1 from metering.
	assert.Equal(t, int64(50), msgDelta.Get("usage.output_tokens").Int())
}

func TestMetadataAndSSEFormat(t *testing.T) {
	tr := New("claude-sonnet-4-20250514", 1, false)
	tr.OnEvent(eventstream.Event{Kind: eventstream.KindMetadata, ConversationID: "conv-9"})
	assert.Equal(t, "conv-9", tr.ConversationID())

	c := BuildErrorChunk("overloaded_error", "upstream reset")
	wire := string(c.SSE())
	assert.True(t, strings.HasPrefix(wire, "event: error\ndata: "))
	assert.True(t, strings.HasSuffix(wire, "\n\n"))
	parsed := gjson.ParseBytes(c.Data)
	assert.Equal(t, "overloaded_error", parsed.Get("error.type").String())
	assert.Equal(t, "upstream reset", parsed.Get("error.message").String())
}
