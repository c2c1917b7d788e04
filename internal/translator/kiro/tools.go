package kiro

import (
	"encoding/json"
	"unicode/utf8"
)

const (
	// maxTools caps the tool list after filtering; the upstream rejects
	// larger sets.
	maxTools = 25

	// maxToolDescriptionLen truncates tool descriptions to the upstream
	// field limit.
	maxToolDescriptionLen = 10240

	// maxToolResultLen truncates a single tool-result text to 64 KiB.
	maxToolResultLen = 64 * 1024

	// toolResultTruncationSuffix is appended whenever a result is cut.
	toolResultTruncationSuffix = "\n[...tool result truncated]"
)

// builtinToolKeys lists {type, name} pairs of Claude built-in server tools
// that must never be forwarded upstream.
var builtinToolKeys = map[[2]string]bool{
	{"web_search_20250305", "web_search"}:                      true,
	{"bash_20250124", "bash"}:                                  true,
	{"code_execution_20250522", "code_execution"}:              true,
	{"computer_20250124", "computer"}:                          true,
	{"text_editor_20250124", "str_replace_editor"}:             true,
	{"text_editor_20250429", "str_replace_based_edit_tool"}:    true,
	{"text_editor_20250728", "str_replace_based_edit_tool"}:    true,
}

// builtinToolNames matches built-ins by bare name when the type is absent.
var builtinToolNames = map[string]bool{
	"web_search":                  true,
	"bash":                        true,
	"code_execution":              true,
	"computer":                    true,
	"str_replace_editor":          true,
	"str_replace_based_edit_tool": true,
}

// ToolMapping describes the static per-tool parameter translation. Rename
// maps client parameter names to the upstream vocabulary; Inject adds fixed
// upstream-only parameters. The reverse direction undoes the renames and
// drops injected keys.
type ToolMapping struct {
	Remove bool
	Rename map[string]string
	Inject map[string]any
}

// toolMappings is the data-only name-mapping table. Keyed by tool name.
var toolMappings = map[string]ToolMapping{
	// webSearch executes server side; the client-declared twin is dropped.
	"webSearch": {Remove: true},
	"fsWrite": {
		Rename: map[string]string{"file_path": "path", "content": "fileText"},
		Inject: map[string]any{"command": "create"},
	},
	"fsRead": {
		Rename: map[string]string{"file_path": "path"},
	},
	"executeBash": {
		Rename: map[string]string{"cmd": "command"},
	},
}

// isBuiltinTool reports whether a declared tool matches the built-in
// allow-list by {type, name} or, for untyped entries, by name alone.
func isBuiltinTool(toolType, name string) bool {
	if toolType != "" {
		if builtinToolKeys[[2]string{toolType, name}] {
			return true
		}
	}
	return toolType != "custom" && builtinToolNames[name]
}

// isRemovedTool reports whether the static mapping table marks the tool for
// removal.
func isRemovedTool(name string) bool {
	return toolMappings[name].Remove
}

// MapToolInput applies the forward parameter mapping for one tool-use input:
// renames client parameters to the upstream vocabulary and injects fixed
// parameters. Unknown tools and non-object inputs pass through unchanged.
func MapToolInput(name string, input map[string]any) map[string]any {
	m, ok := toolMappings[name]
	if !ok || input == nil {
		return input
	}
	out := make(map[string]any, len(input)+len(m.Inject))
	for k, v := range input {
		if renamed, hit := m.Rename[k]; hit {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	for k, v := range m.Inject {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// ReverseMapToolInput undoes MapToolInput: upstream parameter names are
// renamed back to the client's vocabulary and injected parameters the
// client would not recognize are dropped.
func ReverseMapToolInput(name string, input map[string]any) map[string]any {
	m, ok := toolMappings[name]
	if !ok || input == nil {
		return input
	}
	reverse := make(map[string]string, len(m.Rename))
	for client, upstream := range m.Rename {
		reverse[upstream] = client
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if _, injected := m.Inject[k]; injected {
			continue
		}
		if renamed, hit := reverse[k]; hit {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// schemaDropKeys are JSON-schema keys the upstream does not understand.
var schemaDropKeys = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"definitions": true,
	"examples":    true,
	"allOf":       true,
	"anyOf":       true,
	"oneOf":       true,
	"not":         true,
}

// CompressSchema strips schema keys unsupported by the upstream, recursively.
// Validation keywords (minimum, maximum, pattern, ...) are retained.
func CompressSchema(schema any) any {
	switch v := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if schemaDropKeys[k] {
				continue
			}
			out[k] = CompressSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = CompressSchema(val)
		}
		return out
	default:
		return schema
	}
}

// buildToolSpecs filters, caps and transforms the declared tool list.
// It returns the upstream tool specifications and the set of removed tool
// names, which drives tool-use/tool-result pruning elsewhere.
func buildToolSpecs(tools []map[string]any) ([]toolSpec, map[string]bool) {
	removed := make(map[string]bool)
	var specs []toolSpec
	for _, tool := range tools {
		name, _ := tool["name"].(string)
		if name == "" {
			continue
		}
		toolType, _ := tool["type"].(string)
		if isBuiltinTool(toolType, name) || isRemovedTool(name) {
			removed[name] = true
			continue
		}
		if len(specs) >= maxTools {
			removed[name] = true
			continue
		}

		description, _ := tool["description"].(string)
		if len(description) > maxToolDescriptionLen {
			description = description[:maxToolDescriptionLen]
		}
		schema := tool["input_schema"]
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		specs = append(specs, toolSpec{
			ToolSpecification: toolSpecification{
				Name:        name,
				Description: description,
				InputSchema: inputSchema{JSON: CompressSchema(schema)},
			},
		})
	}
	return specs, removed
}

// truncateToolResultText enforces the per-result size limit. The cut backs
// off to a rune boundary so the kept prefix stays valid UTF-8.
func truncateToolResultText(text string) string {
	if len(text) <= maxToolResultLen {
		return text
	}
	cut := maxToolResultLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + toolResultTruncationSuffix
}

// toolInputFromRaw decodes a tool_use input block into a map when possible.
func toolInputFromRaw(v any) map[string]any {
	switch in := v.(type) {
	case map[string]any:
		return in
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(in), &m); err == nil {
			return m
		}
	}
	return nil
}
