// Package kiro translates Claude Messages request bodies into the
// CodeWhisperer conversationState shape. The translation is a pure function
// of the request body plus a small set of per-account options; all pool and
// token state stays outside this package.
package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// thinkingInstruction is prepended to the system text when thinking mode is
// on. The model is asked to wrap its reasoning in tags the stream translator
// splits back out.
const thinkingInstruction = "When responding, first think through the problem step by step inside <thinking></thinking> tags, then give your final answer after the closing tag. Keep the thinking section focused on reasoning, not on restating the question."

// Options carries the per-request knobs the builder needs.
type Options struct {
	// Model is the upstream model id placed on the current message.
	Model string

	// ProfileArn is attached to the envelope for social accounts.
	ProfileArn string

	// ThinkingEnabled turns on the thinking instruction and the collapse
	// of structured thinking blocks.
	ThinkingEnabled bool

	// ConversationID is generated when empty.
	ConversationID string
}

type payload struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	AgentContinuationID string         `json:"agentContinuationId,omitempty"`
	AgentTaskType       string         `json:"agentTaskType,omitempty"`
	History             []historyEntry `json:"history,omitempty"`
	CurrentMessage      currentMessage `json:"currentMessage"`
}

type currentMessage struct {
	UserInputMessage userInputMessage `json:"userInputMessage"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin,omitempty"`
	Images                  []image                  `json:"images,omitempty"`
	UserInputMessageContext *userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type userInputMessageContext struct {
	Tools       []toolSpec   `json:"tools,omitempty"`
	ToolResults []toolResult `json:"toolResults,omitempty"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type toolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status"`
	Content   []toolResultContent `json:"content"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type toolSpec struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON any `json:"json"`
}

type image struct {
	Format string      `json:"format"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Bytes string `json:"bytes"`
}

// message is the sanitized in-flight representation of one Claude message.
// Content is either a string or a []any of content blocks.
type message struct {
	Role    string
	Content any
}

// BuildRequest translates a Claude Messages body into the upstream payload.
func BuildRequest(rawJSON []byte, opts Options) ([]byte, error) {
	var body struct {
		System   any              `json:"system"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(rawJSON, &body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(body.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	messages := sanitizeMessages(body.Messages)
	messages = dropTrailingBraceArtifact(messages)
	messages = mergeAdjacent(messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("request has no usable messages")
	}

	specs, removedTools := buildToolSpecs(body.Tools)
	useIDToName := collectToolUseNames(messages)

	// Split history from the current message. A trailing assistant message
	// stays in history and a synthetic "Continue" fills the current slot.
	historyMsgs := messages[:len(messages)-1]
	last := messages[len(messages)-1]
	if last.Role == "assistant" {
		historyMsgs = messages
		last = message{Role: "user", Content: "Continue"}
	}

	var history []historyEntry
	for _, msg := range historyMsgs {
		history = append(history, buildHistoryEntry(msg, removedTools, useIDToName, opts))
	}

	current := buildUserInputMessage(last, removedTools, useIDToName, opts)
	current.ModelID = opts.Model
	current.Origin = "AI_EDITOR"
	if len(specs) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &userInputMessageContext{}
		}
		current.UserInputMessageContext.Tools = specs
	}

	systemText := resolveSystemText(body.System)
	if opts.ThinkingEnabled {
		if systemText != "" {
			systemText = thinkingInstruction + "\n\n" + systemText
		} else {
			systemText = thinkingInstruction
		}
	}
	history = injectSystemText(history, systemText)

	history = sanitizeHistoryToolUses(history, current.UserInputMessageContext)

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	out := payload{
		ConversationState: conversationState{
			ChatTriggerType:     "MANUAL",
			ConversationID:      conversationID,
			AgentContinuationID: uuid.New().String(),
			History:             history,
			CurrentMessage:      currentMessage{UserInputMessage: current},
		},
		ProfileArn: opts.ProfileArn,
	}
	return json.Marshal(out)
}

// sanitizeMessages drops entries that are not well-formed user or assistant
// messages.
func sanitizeMessages(raw []map[string]any) []message {
	var out []message
	for _, m := range raw {
		role, _ := m["role"].(string)
		if role != "user" && role != "assistant" {
			continue
		}
		content, ok := m["content"]
		if !ok || content == nil {
			continue
		}
		switch content.(type) {
		case string, []any:
		default:
			continue
		}
		out = append(out, message{Role: role, Content: content})
	}
	return out
}

// dropTrailingBraceArtifact removes a final assistant message whose only
// content is the literal "{". Some upstream turns leave this behind.
func dropTrailingBraceArtifact(messages []message) []message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != "assistant" {
		return messages
	}
	if s, ok := last.Content.(string); ok && s == "{" {
		return messages[:len(messages)-1]
	}
	return messages
}

// mergeAdjacent merges consecutive messages with the same role. Strings
// concatenate, arrays append, and mixed cases coerce to an array.
func mergeAdjacent(messages []message) []message {
	var out []message
	for _, msg := range messages {
		if len(out) == 0 || out[len(out)-1].Role != msg.Role {
			out = append(out, msg)
			continue
		}
		prev := &out[len(out)-1]
		prev.Content = mergeContent(prev.Content, msg.Content)
	}
	return out
}

func mergeContent(a, b any) any {
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		return as + bs
	}
	return append(toBlockList(a), toBlockList(b)...)
}

func toBlockList(content any) []any {
	switch v := content.(type) {
	case []any:
		return v
	case string:
		return []any{map[string]any{"type": "text", "text": v}}
	default:
		return nil
	}
}

// collectToolUseNames maps every assistant tool_use id to its tool name so
// that tool results can be pruned when their tool was removed.
func collectToolUseNames(messages []message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		blocks, _ := msg.Content.([]any)
		for _, raw := range blocks {
			block, _ := raw.(map[string]any)
			if block == nil || block["type"] != "tool_use" {
				continue
			}
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			if id != "" {
				names[id] = name
			}
		}
	}
	return names
}

func buildHistoryEntry(msg message, removedTools map[string]bool, useIDToName map[string]string, opts Options) historyEntry {
	if msg.Role == "assistant" {
		m := buildAssistantMessage(msg, removedTools, opts)
		return historyEntry{AssistantResponseMessage: &m}
	}
	m := buildUserInputMessage(msg, removedTools, useIDToName, opts)
	return historyEntry{UserInputMessage: &m}
}

// buildAssistantMessage flattens an assistant message: text blocks join,
// thinking blocks collapse to <thinking> tags, tool_use blocks become
// toolUses entries with the forward parameter mapping applied.
func buildAssistantMessage(msg message, removedTools map[string]bool, opts Options) assistantResponseMessage {
	var text strings.Builder
	var uses []toolUse

	switch content := msg.Content.(type) {
	case string:
		text.WriteString(content)
	case []any:
		for _, raw := range content {
			block, _ := raw.(map[string]any)
			if block == nil {
				continue
			}
			switch block["type"] {
			case "text":
				if s, _ := block["text"].(string); s != "" {
					text.WriteString(s)
				}
			case "thinking":
				if !opts.ThinkingEnabled {
					continue
				}
				if s, _ := block["thinking"].(string); s != "" {
					text.WriteString("<thinking>" + s + "</thinking>\n")
				}
			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				if id == "" || removedTools[name] {
					continue
				}
				input := toolInputFromRaw(block["input"])
				if input == nil {
					input = map[string]any{}
				}
				uses = append(uses, toolUse{
					ToolUseID: id,
					Name:      name,
					Input:     MapToolInput(name, input),
				})
			}
		}
	}

	out := assistantResponseMessage{Content: text.String(), ToolUses: uses}
	if out.Content == "" {
		if len(uses) > 0 {
			out.Content = "Calling tools..."
		} else {
			out.Content = "..."
		}
	}
	return out
}

// buildUserInputMessage flattens a user message: text blocks join,
// tool_result blocks become toolResults entries and image blocks become
// upstream images.
func buildUserInputMessage(msg message, removedTools map[string]bool, useIDToName map[string]string, opts Options) userInputMessage {
	var text strings.Builder
	var results []toolResult
	var images []image
	seenResults := make(map[string]bool)

	switch content := msg.Content.(type) {
	case string:
		text.WriteString(content)
	case []any:
		for _, raw := range content {
			block, _ := raw.(map[string]any)
			if block == nil {
				continue
			}
			switch block["type"] {
			case "text":
				if s, _ := block["text"].(string); s != "" {
					text.WriteString(s)
				}
			case "tool_result":
				id, _ := block["tool_use_id"].(string)
				if id == "" || seenResults[id] {
					continue
				}
				if removedTools[useIDToName[id]] {
					continue
				}
				seenResults[id] = true
				results = append(results, toolResult{
					ToolUseID: id,
					Status:    "success",
					Content:   []toolResultContent{{Text: truncateToolResultText(toolResultText(block))}},
				})
			case "image":
				if img := imageFromBlock(block); img != nil {
					images = append(images, *img)
				}
			}
		}
	}

	out := userInputMessage{Content: text.String(), Images: images}
	if len(results) > 0 {
		out.UserInputMessageContext = &userInputMessageContext{ToolResults: results}
	}
	if out.Content == "" {
		if len(results) > 0 {
			out.Content = "Tool results provided."
		} else {
			out.Content = "Continue"
		}
	}
	return out
}

// toolResultText extracts the textual payload of a tool_result block, which
// may be a plain string or a list of content blocks.
func toolResultText(block map[string]any) string {
	switch content := block["content"].(type) {
	case string:
		return content
	case []any:
		var b strings.Builder
		for _, raw := range content {
			inner, _ := raw.(map[string]any)
			if inner == nil {
				continue
			}
			if s, _ := inner["text"].(string); s != "" {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}

// resolveSystemText flattens the request's system field, which is either a
// string or an array of text blocks.
func resolveSystemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, raw := range v {
			block, _ := raw.(map[string]any)
			if block == nil {
				continue
			}
			if s, _ := block["text"].(string); s != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}

// injectSystemText carries the system prompt as user text: prepended to the
// first user history entry when there is one, otherwise as a synthetic
// user-role entry at the front.
func injectSystemText(history []historyEntry, systemText string) []historyEntry {
	if systemText == "" {
		return history
	}
	if len(history) > 0 && history[0].UserInputMessage != nil {
		history[0].UserInputMessage.Content = systemText + "\n\n" + history[0].UserInputMessage.Content
		return history
	}
	entry := historyEntry{UserInputMessage: &userInputMessage{Content: systemText}}
	return append([]historyEntry{entry}, history...)
}

// sanitizeHistoryToolUses strips history toolUses entries whose toolUseId
// never receives a matching toolResults entry later in history or on the
// current message. Unmatched pairs cause upstream 400s.
func sanitizeHistoryToolUses(history []historyEntry, currentCtx *userInputMessageContext) []historyEntry {
	resolved := make(map[string][]int) // toolUseId -> history indexes with results
	for i, entry := range history {
		if entry.UserInputMessage == nil || entry.UserInputMessage.UserInputMessageContext == nil {
			continue
		}
		for _, result := range entry.UserInputMessage.UserInputMessageContext.ToolResults {
			resolved[result.ToolUseID] = append(resolved[result.ToolUseID], i)
		}
	}
	inCurrent := make(map[string]bool)
	if currentCtx != nil {
		for _, result := range currentCtx.ToolResults {
			inCurrent[result.ToolUseID] = true
		}
	}

	hasLaterResult := func(id string, after int) bool {
		if inCurrent[id] {
			return true
		}
		for _, idx := range resolved[id] {
			if idx > after {
				return true
			}
		}
		return false
	}

	for i := range history {
		assistant := history[i].AssistantResponseMessage
		if assistant == nil || len(assistant.ToolUses) == 0 {
			continue
		}
		kept := assistant.ToolUses[:0]
		for _, use := range assistant.ToolUses {
			if hasLaterResult(use.ToolUseID, i) {
				kept = append(kept, use)
			}
		}
		if len(kept) == 0 {
			assistant.ToolUses = nil
			if assistant.Content == "Calling tools..." {
				assistant.Content = "..."
			}
		} else {
			assistant.ToolUses = kept
		}
	}
	return history
}
