package claude

import (
	"encoding/json"

	"github.com/kiroproxy/kiroproxy/internal/eventstream"
)

// BuildResponse assembles a complete Claude Messages response from the full
// internal event sequence of a unary call.
func BuildResponse(model string, inputTokens int, thinkingEnabled bool, events []eventstream.Event) ([]byte, error) {
	t := New(model, inputTokens, thinkingEnabled)
	for _, ev := range events {
		t.OnEvent(ev)
	}
	t.Finish()

	var content []map[string]any
	if thinking := t.thinkingOut.String(); thinking != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": thinking})
	}
	if text := t.textOut.String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, call := range t.emittedCalls {
		var input any = map[string]any{}
		raw := call.finalInputJSON()
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			input = m
		} else {
			input = raw
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    call.id,
			"name":  call.name,
			"input": input,
		})
	}
	if content == nil {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	return json.Marshal(map[string]any{
		"id":            t.messageID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   t.stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": t.outputTokens,
		},
	})
}
