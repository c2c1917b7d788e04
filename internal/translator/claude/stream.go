package claude

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/eventstream"
	"github.com/kiroproxy/kiroproxy/internal/tokenizer"
	"github.com/kiroproxy/kiroproxy/internal/translator/kiro"
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"

	serverSideToolName = "webSearch"
)

type tagState int

const (
	// tagOutside scans incoming content for the opening thinking tag.
	tagOutside tagState = iota
	// tagInside scans for the closing tag and routes content to the
	// thinking block.
	tagInside
	// tagDone passes content through untouched. This is the initial state
	// when thinking is disabled or carried by native events.
	tagDone
)

type toolCall struct {
	id         string
	name       string
	input      strings.Builder
	done       bool
	serverSide bool
}

// Translator converts the internal event sequence of one upstream response
// into Claude SSE chunks. It is single-goroutine state; one instance per
// request.
type Translator struct {
	model       string
	messageID   string
	inputTokens int

	blockIndex    int
	textIndex     int
	thinkingIndex int
	lastIndex     int

	tagState tagState
	tagBuf   string

	lastContent string

	tools     map[string]*toolCall
	toolOrder []*toolCall
	completed []*toolCall

	textOut     strings.Builder
	thinkingOut strings.Builder
	codeRefs    []json.RawMessage

	meteringTokens int
	conversationID string

	startedAt    time.Time
	firstTokenAt time.Time
	finished     bool
	stopReason   string

	outputTokens int
	emittedCalls []*toolCall
}

// New builds a translator for one request. inputTokens seeds the
// message_start usage block; thinkingEnabled arms the tag splitter.
func New(model string, inputTokens int, thinkingEnabled bool) *Translator {
	t := &Translator{
		model:         model,
		messageID:     newMessageID(),
		inputTokens:   inputTokens,
		textIndex:     -1,
		thinkingIndex: -1,
		lastIndex:     -1,
		tagState:      tagDone,
		tools:         map[string]*toolCall{},
		startedAt:     time.Now(),
	}
	if thinkingEnabled {
		t.tagState = tagOutside
	}
	return t
}

// MessageID returns the generated Claude message id.
func (t *Translator) MessageID() string { return t.messageID }

// ConversationID returns the upstream conversation id, if one arrived.
func (t *Translator) ConversationID() string { return t.conversationID }

// Start emits the message_start chunk.
func (t *Translator) Start() Chunk {
	return buildMessageStart(t.messageID, t.model, t.inputTokens)
}

// OnEvent consumes one internal event and returns the chunks it produces,
// possibly none.
func (t *Translator) OnEvent(ev eventstream.Event) []Chunk {
	if t.firstTokenAt.IsZero() {
		switch ev.Kind {
		case eventstream.KindContent, eventstream.KindThinking, eventstream.KindToolUse:
			t.firstTokenAt = time.Now()
		}
	}

	switch ev.Kind {
	case eventstream.KindContent:
		return t.onContent(ev.Text)
	case eventstream.KindThinking:
		// Native thinking events supersede the tag splitter.
		t.tagState = tagDone
		return t.emitThinking(ev.Text)
	case eventstream.KindToolUse:
		call, ok := t.tools[ev.ToolUseID]
		if !ok {
			call = &toolCall{
				id:         ev.ToolUseID,
				name:       ev.ToolName,
				serverSide: ev.ToolName == serverSideToolName,
			}
			t.tools[ev.ToolUseID] = call
			t.toolOrder = append(t.toolOrder, call)
		}
		return nil
	case eventstream.KindToolUseInput:
		if call, ok := t.tools[ev.ToolUseID]; ok && !call.done {
			call.input.WriteString(ev.Input)
		}
		return nil
	case eventstream.KindToolUseStop:
		if call, ok := t.tools[ev.ToolUseID]; ok && !call.done {
			call.done = true
			t.completed = append(t.completed, call)
		}
		return nil
	case eventstream.KindMetering:
		t.meteringTokens = int(math.Ceil(ev.Units * 1000))
		return nil
	case eventstream.KindCodeReference:
		for _, ref := range gjson.Parse(ev.References).Array() {
			t.codeRefs = append(t.codeRefs, json.RawMessage(ref.Raw))
		}
		return nil
	case eventstream.KindMetadata:
		t.conversationID = ev.ConversationID
		return nil
	case eventstream.KindFollowup:
		log.Debugf("followup prompt suggested: %q", ev.Text)
		return nil
	}
	return nil
}

func (t *Translator) onContent(text string) []Chunk {
	if text == "" || text == t.lastContent {
		return nil
	}
	t.lastContent = text

	if t.tagState == tagDone {
		return t.emitText(text)
	}
	return t.splitThinking(text)
}

// splitThinking routes content through the thinking-tag state machine,
// holding back any trailing bytes that could be the start of a tag.
func (t *Translator) splitThinking(text string) []Chunk {
	t.tagBuf += text
	var out []Chunk
	for {
		switch t.tagState {
		case tagOutside:
			if i := strings.Index(t.tagBuf, thinkingOpenTag); i >= 0 {
				out = append(out, t.emitText(t.tagBuf[:i])...)
				t.tagBuf = t.tagBuf[i+len(thinkingOpenTag):]
				t.tagState = tagInside
				continue
			}
			keep := pendingTagSuffix(t.tagBuf, thinkingOpenTag)
			out = append(out, t.emitText(t.tagBuf[:len(t.tagBuf)-keep])...)
			t.tagBuf = t.tagBuf[len(t.tagBuf)-keep:]
			return out
		case tagInside:
			if i := strings.Index(t.tagBuf, thinkingCloseTag); i >= 0 {
				out = append(out, t.emitThinking(t.tagBuf[:i])...)
				t.tagBuf = t.tagBuf[i+len(thinkingCloseTag):]
				t.tagState = tagDone
				continue
			}
			keep := pendingTagSuffix(t.tagBuf, thinkingCloseTag)
			out = append(out, t.emitThinking(t.tagBuf[:len(t.tagBuf)-keep])...)
			t.tagBuf = t.tagBuf[len(t.tagBuf)-keep:]
			return out
		default:
			out = append(out, t.emitText(t.tagBuf)...)
			t.tagBuf = ""
			return out
		}
	}
}

// pendingTagSuffix reports how many trailing bytes of s form a proper prefix
// of tag, i.e. bytes that must be held back until more content arrives.
func pendingTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}

func (t *Translator) emitText(text string) []Chunk {
	if text == "" {
		return nil
	}
	var out []Chunk
	if t.thinkingIndex >= 0 {
		out = append(out, buildContentBlockStop(t.thinkingIndex))
		t.thinkingIndex = -1
	}
	if t.textIndex < 0 {
		t.textIndex = t.blockIndex
		t.lastIndex = t.blockIndex
		t.blockIndex++
		out = append(out, buildContentBlockStart(t.textIndex, "text", "", ""))
	}
	t.textOut.WriteString(text)
	return append(out, buildTextDelta(t.textIndex, text))
}

func (t *Translator) emitThinking(text string) []Chunk {
	if text == "" {
		return nil
	}
	var out []Chunk
	if t.textIndex >= 0 {
		out = append(out, buildContentBlockStop(t.textIndex))
		t.textIndex = -1
	}
	if t.thinkingIndex < 0 {
		t.thinkingIndex = t.blockIndex
		t.lastIndex = t.blockIndex
		t.blockIndex++
		out = append(out, buildContentBlockStart(t.thinkingIndex, "thinking", "", ""))
	}
	t.thinkingOut.WriteString(text)
	return append(out, buildThinkingDelta(t.thinkingIndex, text))
}

// Finish closes open blocks, emits the tool-use phase and the trailing
// message_delta/message_stop pair. The stream is complete after this call.
func (t *Translator) Finish() []Chunk {
	if t.finished {
		return nil
	}
	t.finished = true

	var out []Chunk

	// Flush content held back by the tag splitter.
	if t.tagBuf != "" {
		switch t.tagState {
		case tagInside:
			out = append(out, t.emitThinking(t.tagBuf)...)
		default:
			out = append(out, t.emitText(t.tagBuf)...)
		}
		t.tagBuf = ""
	}
	if t.thinkingIndex >= 0 {
		out = append(out, buildContentBlockStop(t.thinkingIndex))
		t.thinkingIndex = -1
	}
	if t.textIndex >= 0 {
		out = append(out, buildContentBlockStop(t.textIndex))
		t.textIndex = -1
	}

	outputTokens := tokenizer.CountText(t.textOut.String()) + tokenizer.CountText(t.thinkingOut.String())

	t.emittedCalls = t.clientToolCalls()
	for _, call := range t.emittedCalls {
		idx := t.blockIndex
		t.lastIndex = idx
		t.blockIndex++
		partial := call.finalInputJSON()
		outputTokens += tokenizer.CountText(partial)
		out = append(out,
			buildContentBlockStart(idx, "tool_use", call.id, call.name),
			buildInputJSONDelta(idx, partial),
			buildContentBlockStop(idx),
		)
	}

	if len(t.codeRefs) > 0 {
		refs, err := json.Marshal(t.codeRefs)
		if err == nil {
			idx := t.lastIndex
			if idx < 0 {
				idx = 0
			}
			out = append(out, buildCodeReferencesDelta(idx, refs))
		}
	}

	t.outputTokens = outputTokens
	t.stopReason = "end_turn"
	if len(t.emittedCalls) > 0 {
		t.stopReason = "tool_use"
	}
	out = append(out, buildMessageDelta(t.stopReason, t.inputTokens, outputTokens), buildMessageStop())

	if !t.firstTokenAt.IsZero() {
		log.Debugf("stream %s: first token after %s, output tokens %d (metering estimate %d)",
			t.messageID, t.firstTokenAt.Sub(t.startedAt).Round(time.Millisecond), outputTokens, t.meteringTokens)
	}
	return out
}

// clientToolCalls returns the calls to emit as tool_use blocks: completed
// calls in completion order, then any call the upstream never closed, in
// first-seen order.
func (t *Translator) clientToolCalls() []*toolCall {
	var calls []*toolCall
	for _, call := range t.completed {
		if !call.serverSide {
			calls = append(calls, call)
		}
	}
	for _, call := range t.toolOrder {
		if !call.done && !call.serverSide {
			call.done = true
			calls = append(calls, call)
		}
	}
	return calls
}

// finalInputJSON parses the accumulated input, applies the reverse parameter
// mapping and re-serializes. Unparseable input is forwarded verbatim.
func (c *toolCall) finalInputJSON() string {
	raw := c.input.String()
	if raw == "" {
		return "{}"
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return raw
	}
	mapped, err := json.Marshal(kiro.ReverseMapToolInput(c.name, m))
	if err != nil {
		return raw
	}
	return string(mapped)
}

// StopReason is valid after Finish.
func (t *Translator) StopReason() string { return t.stopReason }
