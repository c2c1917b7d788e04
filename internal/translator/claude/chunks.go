// Package claude turns the internal upstream event sequence into the Claude
// streaming SSE chunk sequence (and, for unary calls, into a complete Claude
// Messages response). It owns the per-request stream state: block indexes,
// the thinking-tag splitter and the tool-call accumulators.
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Chunk is one outbound SSE event.
type Chunk struct {
	Event string
	Data  []byte
}

// SSE renders the chunk in wire format.
func (c Chunk) SSE() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", c.Event, c.Data))
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func chunk(event string, v any) Chunk {
	data, _ := json.Marshal(v)
	return Chunk{Event: event, Data: data}
}

func buildMessageStart(messageID, model string, inputTokens int) Chunk {
	return chunk("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
}

func buildContentBlockStart(index int, blockType, toolUseID, toolName string) Chunk {
	var contentBlock map[string]any
	switch blockType {
	case "tool_use":
		contentBlock = map[string]any{"type": "tool_use", "id": toolUseID, "name": toolName, "input": map[string]any{}}
	case "thinking":
		contentBlock = map[string]any{"type": "thinking", "thinking": ""}
	default:
		contentBlock = map[string]any{"type": "text", "text": ""}
	}
	return chunk("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": contentBlock,
	})
}

func buildTextDelta(index int, text string) Chunk {
	return chunk("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func buildThinkingDelta(index int, thinking string) Chunk {
	return chunk("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "thinking_delta", "thinking": thinking},
	})
}

func buildInputJSONDelta(index int, partialJSON string) Chunk {
	return chunk("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

func buildCodeReferencesDelta(index int, references json.RawMessage) Chunk {
	return chunk("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "code_references", "references": references},
	})
}

func buildContentBlockStop(index int) Chunk {
	return chunk("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func buildMessageDelta(stopReason string, inputTokens, outputTokens int) Chunk {
	return chunk("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	})
}

func buildMessageStop() Chunk {
	return chunk("message_stop", map[string]any{"type": "message_stop"})
}

// BuildErrorChunk renders the in-band error event used once a stream has
// started.
func BuildErrorChunk(errType, message string) Chunk {
	return chunk("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	})
}
