package kiro

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func build(t *testing.T, body string, opts Options) gjson.Result {
	t.Helper()
	out, err := BuildRequest([]byte(body), opts)
	require.NoError(t, err)
	return gjson.ParseBytes(out)
}

func TestBuildRequestSimple(t *testing.T) {
	got := build(t, `{"model":"m","messages":[{"role":"user","content":"Hi"}]}`, Options{Model: "claude-sonnet-4-20250514"})

	cs := got.Get("conversationState")
	assert.Equal(t, "MANUAL", cs.Get("chatTriggerType").String())
	assert.NotEmpty(t, cs.Get("conversationId").String())
	assert.False(t, cs.Get("history").Exists(), "empty history must be omitted")
	assert.Equal(t, "Hi", cs.Get("currentMessage.userInputMessage.content").String())
	assert.Equal(t, "claude-sonnet-4-20250514", cs.Get("currentMessage.userInputMessage.modelId").String())
}

func TestCurrentMessageIsAlwaysUserInput(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":"A"}
	]}`, Options{})

	cs := got.Get("conversationState")
	assert.Equal(t, "Continue", cs.Get("currentMessage.userInputMessage.content").String())
	history := cs.Get("history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "A", history[1].Get("assistantResponseMessage.content").String())
}

func TestTrailingBraceArtifactDropped(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":"{"}
	]}`, Options{})

	cs := got.Get("conversationState")
	assert.Equal(t, "Q", cs.Get("currentMessage.userInputMessage.content").String())
	assert.False(t, cs.Get("history").Exists())
}

func TestMergeAdjacentSameRole(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"one"},
		{"role":"user","content":"two"},
		{"role":"user","content":"three"}
	]}`, Options{})

	content := got.Get("conversationState.currentMessage.userInputMessage.content").String()
	assert.Equal(t, "onetwothree", content)
}

func TestSystemPromptPrependsToFirstUserHistoryEntry(t *testing.T) {
	got := build(t, `{"system":"Be terse.","messages":[
		{"role":"user","content":"Q1"},
		{"role":"assistant","content":"A1"},
		{"role":"user","content":"Q2"}
	]}`, Options{})

	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "Be terse.\n\nQ1", history[0].Get("userInputMessage.content").String())
}

func TestSystemPromptSynthesizesEntryWhenNoUserHistory(t *testing.T) {
	got := build(t, `{"system":"Be terse.","messages":[{"role":"user","content":"Q"}]}`, Options{})

	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 1)
	assert.Equal(t, "Be terse.", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "Q", got.Get("conversationState.currentMessage.userInputMessage.content").String())
}

func TestThinkingInstructionPrependedToSystem(t *testing.T) {
	got := build(t, `{"system":"Sys.","messages":[
		{"role":"user","content":"Q1"},
		{"role":"user","content":"Q2"}
	]}`, Options{ThinkingEnabled: true})

	// Adjacent user messages merge, so the injected system text lands on
	// the lone history-free current path via a synthetic history entry.
	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 1)
	text := history[0].Get("userInputMessage.content").String()
	assert.True(t, strings.HasPrefix(text, thinkingInstruction+"\n\nSys."), "got %q", text)
}

func TestAssistantThinkingBlocksCollapseToTags(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"hmm"},
			{"type":"text","text":"answer"}
		]},
		{"role":"user","content":"next"}
	]}`, Options{ThinkingEnabled: true})

	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "<thinking>hmm</thinking>\nanswer", history[1].Get("assistantResponseMessage.content").String())
}

func TestToolCapAt25(t *testing.T) {
	var tools []string
	for i := 0; i < 30; i++ {
		tools = append(tools, fmt.Sprintf(`{"name":"tool%02d","description":"d","input_schema":{"type":"object"}}`, i))
	}
	body := `{"messages":[{"role":"user","content":"Q"}],"tools":[` + strings.Join(tools, ",") + `]}`

	got := build(t, body, Options{})
	specs := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	assert.Len(t, specs, 25)
}

func TestBuiltinToolsRemovedAndPruned(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[
			{"type":"text","text":"searching"},
			{"type":"tool_use","id":"u1","name":"web_search","input":{"query":"x"}},
			{"type":"tool_use","id":"u2","name":"ls","input":{}}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"u1","content":"found"},
			{"type":"tool_result","tool_use_id":"u2","content":"files"}
		]}
	],"tools":[
		{"type":"web_search_20250305","name":"web_search"},
		{"name":"ls","description":"list","input_schema":{"type":"object"}}
	]}`, Options{})

	specs := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	require.Len(t, specs, 1)
	assert.Equal(t, "ls", specs[0].Get("toolSpecification.name").String())

	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	uses := history[1].Get("assistantResponseMessage.toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "u2", uses[0].Get("toolUseId").String())

	results := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 1)
	assert.Equal(t, "u2", results[0].Get("toolUseId").String())
}

func TestToolResultTruncation(t *testing.T) {
	big := strings.Repeat("x", 100*1024)
	body := fmt.Sprintf(`{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"ls","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":%q}]}
	]}`, big)

	got := build(t, body, Options{})
	text := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults.0.content.0.text").String()
	assert.Len(t, text, maxToolResultLen+len(toolResultTruncationSuffix))
	assert.True(t, strings.HasSuffix(text, toolResultTruncationSuffix))
}

func TestToolResultTruncationKeepsValidUTF8(t *testing.T) {
	// 3-byte runes do not align with the byte limit, so a naive byte cut
	// would split one in half.
	text := strings.Repeat("世", 40*1024)
	got := truncateToolResultText(text)

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, toolResultTruncationSuffix))
	assert.LessOrEqual(t, len(got), maxToolResultLen+len(toolResultTruncationSuffix))
}

func TestToolResultsDeduplicatedKeepFirst(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"ls","input":{}}]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","content":"first"},
			{"type":"tool_result","tool_use_id":"t1","content":"second"}
		]}
	]}`, Options{})

	results := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 1)
	assert.Equal(t, "first", results[0].Get("content.0.text").String())
}

func TestEmptyUserContentFillers(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"ls","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"out"}]}
	]}`, Options{})

	assert.Equal(t, "Tool results provided.",
		got.Get("conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, "Calling tools...",
		got.Get("conversationState.history.1.assistantResponseMessage.content").String())
}

func TestUnmatchedHistoryToolUsesStripped(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"user","content":"Q"},
		{"role":"assistant","content":[{"type":"tool_use","id":"orphan","name":"ls","input":{}}]},
		{"role":"user","content":"no result here"}
	]}`, Options{})

	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.False(t, history[1].Get("assistantResponseMessage.toolUses").Exists())
}

func TestImageBlocks(t *testing.T) {
	// Base64 of a PNG magic header.
	pngData := "iVBORw0KGgoAAAANSUhEUg=="
	body := fmt.Sprintf(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":%q}}
	]}]}`, pngData)

	got := build(t, body, Options{})
	images := got.Get("conversationState.currentMessage.userInputMessage.images").Array()
	require.Len(t, images, 1)
	assert.Equal(t, "png", images[0].Get("format").String())
	assert.Equal(t, pngData, images[0].Get("source.bytes").String())
}

func TestImageFormatSniffedWithoutMediaType(t *testing.T) {
	pngData := "iVBORw0KGgoAAAANSUhEUg=="
	body := fmt.Sprintf(`{"messages":[{"role":"user","content":[
		{"type":"image","source":{"type":"base64","data":%q}}
	]}]}`, pngData)

	got := build(t, body, Options{})
	assert.Equal(t, "png", got.Get("conversationState.currentMessage.userInputMessage.images.0.format").String())
}

func TestSchemaCompression(t *testing.T) {
	schema := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"count": map[string]any{
				"type":    "integer",
				"minimum": float64(1),
				"anyOf":   []any{map[string]any{"type": "integer"}},
			},
		},
		"definitions": map[string]any{"x": map[string]any{}},
	}

	out, ok := CompressSchema(schema).(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "definitions")
	count := out["properties"].(map[string]any)["count"].(map[string]any)
	assert.NotContains(t, count, "anyOf")
	assert.Equal(t, float64(1), count["minimum"])
}

func TestToolInputMappingRoundTrip(t *testing.T) {
	input := map[string]any{"file_path": "/tmp/a", "content": "hello"}

	mapped := MapToolInput("fsWrite", input)
	assert.Equal(t, "/tmp/a", mapped["path"])
	assert.Equal(t, "hello", mapped["fileText"])
	assert.Equal(t, "create", mapped["command"])

	back := ReverseMapToolInput("fsWrite", mapped)
	assert.Equal(t, input, back)
}

func TestMalformedMessagesDropped(t *testing.T) {
	got := build(t, `{"messages":[
		{"role":"system","content":"ignored"},
		{"role":"user"},
		{"role":"user","content":42},
		{"role":"user","content":"kept"}
	]}`, Options{})

	assert.Equal(t, "kept", got.Get("conversationState.currentMessage.userInputMessage.content").String())
}

func TestBuildRequestRejectsEmpty(t *testing.T) {
	_, err := BuildRequest([]byte(`{"messages":[]}`), Options{})
	assert.Error(t, err)

	_, err = BuildRequest([]byte(`not json`), Options{})
	assert.Error(t, err)
}

func TestOutputIsValidJSON(t *testing.T) {
	out, err := BuildRequest([]byte(`{"messages":[{"role":"user","content":"Hi"}]}`), Options{ProfileArn: "arn:aws:x"})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "arn:aws:x", decoded["profileArn"])
}
