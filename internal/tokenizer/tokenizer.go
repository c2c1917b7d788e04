// Package tokenizer approximates Claude token counts. The upstream does not
// expose a tokenizer, so counts are a documented heuristic: roughly four
// characters per token for latin text, one token per CJK rune, plus a small
// per-block overhead. Counts feed usage reporting only, never billing.
package tokenizer

import (
	"encoding/json"
	"unicode"
)

const charsPerToken = 4

// CountText estimates tokens for a text fragment.
func CountText(s string) int {
	if s == "" {
		return 0
	}
	ascii := 0
	wide := 0
	for _, r := range s {
		if r > unicode.MaxASCII {
			wide++
		} else {
			ascii++
		}
	}
	tokens := (ascii + charsPerToken - 1) / charsPerToken
	tokens += wide
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// CountJSON estimates tokens for a JSON-serializable value, counting its
// serialized form.
func CountJSON(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return CountText(string(b))
}

// CountRequest estimates input tokens for a Claude Messages request body.
// It walks system, messages and tools, counting text and serialized
// structured blocks with a per-message overhead.
func CountRequest(rawJSON []byte) int {
	var body struct {
		System   json.RawMessage   `json:"system"`
		Messages []json.RawMessage `json:"messages"`
		Tools    []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(rawJSON, &body); err != nil {
		return 0
	}

	tokens := 0
	if len(body.System) > 0 {
		tokens += CountText(string(body.System))
	}
	for _, m := range body.Messages {
		tokens += CountText(string(m)) + 3 // per-message structural overhead
	}
	for _, tool := range body.Tools {
		tokens += CountText(string(tool))
	}
	return tokens
}
