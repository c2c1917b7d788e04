package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/eventstream"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/tokenizer"
	"github.com/kiroproxy/kiroproxy/internal/translator/claude"
	kirotr "github.com/kiroproxy/kiroproxy/internal/translator/kiro"
)

const (
	maxRequestBody     = 32 << 20
	maxFailoverRetries = 3
)

// Messages serves the Claude-compatible /v1/messages endpoint. It translates
// the request, walks the account pool until one attempt succeeds, and
// streams or assembles the response.
func (s *Server) Messages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "unable to read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool() ||
		strings.Contains(c.GetHeader("Accept"), "text/event-stream")

	thinkingEnabled := s.cfg.EnableThinkingByDefault
	if th := gjson.GetBytes(body, "thinking"); th.Exists() {
		thinkingEnabled = th.Get("type").String() == "enabled"
	}

	body = s.applySystemPromptOverride(body)
	if s.promptLogger.Enabled() {
		s.promptLogger.Log(model, resolvedPrompt(body))
	}
	inputTokens := tokenizer.CountRequest(body)

	maxAttempts := s.pool.EligibleCount(model)
	if maxAttempts > maxFailoverRetries {
		maxAttempts = maxFailoverRetries
	}
	if maxAttempts == 0 {
		writeNativeError(c, pool.ErrNoAccounts)
		return
	}

	ctx := c.Request.Context()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, err := s.pool.Select(model, pool.SelectOptions{})
		if err != nil {
			lastErr = err
			break
		}
		manager, err := s.pool.Manager(acc.ID)
		if err != nil {
			s.pool.MarkUnhealthy(acc.ID, err)
			lastErr = err
			continue
		}
		if err := manager.EnsureFresh(ctx, false); err != nil {
			s.pool.MarkUnhealthy(acc.ID, err)
			lastErr = fmt.Errorf("token for %s: %w", acc.ID, err)
			continue
		}

		upstreamBody, err := kirotr.BuildRequest(body, kirotr.Options{
			Model:           model,
			ProfileArn:      manager.ProfileArn(),
			ThinkingEnabled: thinkingEnabled,
		})
		if err != nil {
			writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}

		resp, err := s.cli.Send(ctx, client.Request{
			Model:  model,
			Body:   upstreamBody,
			Token:  manager,
			Stream: stream,
		})
		if err != nil {
			if client.Classify(err) == client.ClassClientRequest {
				writeNativeError(c, err)
				return
			}
			s.pool.MarkUnhealthy(acc.ID, err)
			lastErr = err
			log.Warnf("attempt %d/%d on account %s failed: %v", attempt+1, maxAttempts, acc.ID, err)
			continue
		}

		s.pool.MarkSuccess(acc.ID)
		if stream {
			s.streamResponse(c, resp, model, inputTokens, thinkingEnabled)
		} else {
			s.unaryResponse(c, resp, model, inputTokens, thinkingEnabled)
		}
		return
	}
	writeNativeError(c, lastErr)
}

// streamResponse pipes the upstream binary event stream through the decoder
// and translator into SSE chunks. Once the first chunk is written, failures
// degrade to an in-band error event.
func (s *Server) streamResponse(c *gin.Context, resp *http.Response, model string, inputTokens int, thinkingEnabled bool) {
	defer func() { _ = resp.Body.Close() }()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(ch claude.Chunk) bool {
		if _, err := c.Writer.Write(ch.SSE()); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	tr := claude.New(model, inputTokens, thinkingEnabled)
	if !write(tr.Start()) {
		return
	}

	dec := eventstream.NewDecoder()
	buf := make([]byte, 32<<10)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			events, decErr := dec.Feed(buf[:n])
			for _, ev := range events {
				for _, ch := range tr.OnEvent(ev) {
					if !write(ch) {
						return
					}
				}
			}
			if decErr != nil {
				log.Errorf("upstream stream decode failed: %v", decErr)
				write(claude.BuildErrorChunk("server_error", "upstream stream is malformed"))
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if c.Request.Context().Err() != nil {
				return
			}
			log.Errorf("upstream read failed mid-stream: %v", readErr)
			write(claude.BuildErrorChunk("server_error", "upstream connection lost"))
			return
		}
	}

	for _, ch := range tr.Finish() {
		if !write(ch) {
			return
		}
	}
}

// unaryResponse reads the whole upstream stream and returns one Claude
// Messages response document.
func (s *Server) unaryResponse(c *gin.Context, resp *http.Response, model string, inputTokens int, thinkingEnabled bool) {
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		writeClaudeError(c, http.StatusBadGateway, "server_error", "upstream read failed")
		return
	}
	events, _, err := eventstream.ParseBuffer(data)
	if err != nil {
		log.Errorf("upstream response decode failed: %v", err)
		writeClaudeError(c, http.StatusBadGateway, "server_error", "upstream response is malformed")
		return
	}
	out, err := claude.BuildResponse(model, inputTokens, thinkingEnabled, events)
	if err != nil {
		writeClaudeError(c, http.StatusInternalServerError, "server_error", "response assembly failed")
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// resolvedPrompt flattens the request into the human-readable prompt record
// the prompt log carries.
func resolvedPrompt(body []byte) string {
	var b strings.Builder
	if sys := textOf(gjson.GetBytes(body, "system")); sys != "" {
		fmt.Fprintf(&b, "[system] %s\n", sys)
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if text := textOf(msg.Get("content")); text != "" {
			fmt.Fprintf(&b, "[%s] %s\n", msg.Get("role").String(), text)
		}
		return true
	})
	return strings.TrimRight(b.String(), "\n")
}
