// Package client issues unary and streaming calls against the CodeWhisperer
// assistant endpoint, with the retry, backoff and 401-refresh behavior the
// upstream needs in practice.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/constant"
)

const (
	codeWhispererURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	amazonQURLTemplate       = "https://q.%s.amazonaws.com/generateAssistantResponse"

	connResetDelay = time.Second
)

// Client calls the upstream assistant endpoint.
type Client struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration

	// urlOverride points every request at a fixed URL; tests only.
	urlOverride string
}

// New builds a client. maxRetries bounds both connection-reset retries and
// backoff retries; baseDelay seeds the exponential backoff for 429/5xx.
func New(httpClient *http.Client, maxRetries int, baseDelay time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if maxRetries <= 0 {
		maxRetries = 8
	}
	if baseDelay <= 0 {
		baseDelay = 3 * time.Second
	}
	return &Client{httpClient: httpClient, maxRetries: maxRetries, baseDelay: baseDelay}
}

// OverrideEndpoint points every request at a fixed URL, for tests.
func (c *Client) OverrideEndpoint(url string) { c.urlOverride = url }

// Request is one upstream call.
type Request struct {
	Model  string
	Body   []byte
	Token  *kiro.Manager
	Stream bool
}

// EndpointFor picks the base URL from the model prefix. Amazon Q models are
// served from a different host than the Claude family.
func EndpointFor(model, region string) string {
	if strings.HasPrefix(model, "amazonq") {
		return fmt.Sprintf(amazonQURLTemplate, region)
	}
	return fmt.Sprintf(codeWhispererURLTemplate, region)
}

// Send issues the call and returns the raw response with its body unread, so
// streaming callers can feed the frame decoder directly. Non-2xx answers are
// drained and returned as *StatusError. Retries happen only before any
// response is handed to the caller.
func (c *Client) Send(ctx context.Context, req Request) (*http.Response, error) {
	creds := req.Token.Credentials()
	target := c.urlOverride
	if target == "" {
		target = EndpointFor(req.Model, creds.EffectiveRegion())
	}

	authRetried := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		c.applyHeaders(httpReq, req)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isConnError(err) {
				lastErr = err
				log.Warnf("upstream connection error (attempt %d/%d): %v", attempt+1, c.maxRetries, err)
				c.httpClient.CloseIdleConnections()
				if !sleepCtx(ctx, connResetDelay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		statusErr := &StatusError{
			Code:      resp.StatusCode,
			ErrorType: resp.Header.Get("x-amzn-errortype"),
			Message:   string(body),
		}
		lastErr = statusErr

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !authRetried:
			authRetried = true
			log.Warn("upstream 401, forcing token refresh and retrying once")
			if refreshErr := req.Token.EnsureFresh(ctx, true); refreshErr != nil {
				return nil, fmt.Errorf("refresh after 401: %w", refreshErr)
			}
			continue
		case resp.StatusCode == http.StatusBadRequest:
			c.dumpBadRequest(req, statusErr)
			return nil, statusErr
		case Classify(statusErr) == ClassTransient && attempt < c.maxRetries:
			delay := c.baseDelay * (1 << attempt)
			log.Warnf("upstream %d, backing off %s (attempt %d/%d)", resp.StatusCode, delay, attempt+1, c.maxRetries)
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		default:
			return nil, statusErr
		}
	}
	return nil, lastErr
}

func (c *Client) applyHeaders(httpReq *http.Request, req Request) {
	httpReq.Header.Set("Authorization", "Bearer "+req.Token.AccessToken())
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-amzn-kiro-agent-mode", constant.KiroAgentMode)
	httpReq.Header.Set("x-amz-user-agent", constant.AmzUserAgent)
	httpReq.Header.Set("User-Agent", constant.UserAgent)
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	httpReq.Header.Set("amz-sdk-request", fmt.Sprintf("attempt=1; max=%d", 1+rand.Intn(3)))
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
}

// dumpBadRequest logs structured diagnostics for an HTTP 400, which in
// practice means the conversationState shape was rejected.
func (c *Client) dumpBadRequest(req Request, statusErr *StatusError) {
	parsed := gjson.ParseBytes(req.Body)
	history := parsed.Get("conversationState.history")
	current := parsed.Get("conversationState.currentMessage")
	toolCount := current.Get("userInputMessage.userInputMessageContext.tools.#").Int()
	toolResultCount := current.Get("userInputMessage.userInputMessageContext.toolResults.#").Int()
	log.Errorf("upstream 400 (%s): body=%q history=%d tools=%d toolResults=%d currentLen=%d",
		statusErr.ErrorType, firstN(statusErr.Message, 500),
		history.Get("#").Int(), toolCount, toolResultCount,
		len(current.Get("userInputMessage.content").String()))
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
