package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/constant"
)

// Refresh window constants.
const (
	refreshWindow   = 5 * time.Minute
	refreshDebounce = 30 * time.Second
)

var (
	// ErrNoRefreshToken means the account cannot be refreshed at all.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrExpired means the token is expired and a recent refresh attempt
	// failed; the debounce refuses another attempt right now.
	ErrExpired = errors.New("access token expired, refresh debounced")
	// ErrInvalidRefreshResponse means the refresh endpoint answered 200
	// without an access token.
	ErrInvalidRefreshResponse = errors.New("refresh response missing accessToken")
	// ErrTokenRefreshFailed wraps transport and upstream refresh errors.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// inflight coalesces concurrent refreshes on the same refresh token, across
// managers, so two accounts importing the same credentials file still issue
// a single upstream call.
var (
	inflightMu sync.Mutex
	inflight   = map[string]*refreshFuture{}
)

type refreshFuture struct {
	done chan struct{}
	err  error
}

// Manager is the per-account token owner. It serializes refreshes, applies
// the request-path freshness window and the failure debounce, and persists
// rotations to the credentials file when one is configured.
type Manager struct {
	mu          sync.Mutex
	creds       *Credentials
	path        string // empty when credentials came from an inline blob
	lastAttempt time.Time

	httpClient *http.Client

	// refreshURL and oidcURL are derived from the region; tests override
	// them to point at a local server.
	refreshURL string
	oidcURL    string
}

// NewManager builds a token manager around loaded credentials. path may be
// empty for inline credentials; such accounts are refreshable but rotations
// are not persisted.
func NewManager(creds *Credentials, path string, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	region := creds.EffectiveRegion()
	return &Manager{
		creds:      creds,
		path:       path,
		httpClient: httpClient,
		refreshURL: fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region),
		oidcURL:    fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region),
	}
}

// OverrideEndpoints points the two refresh dialects at non-default URLs.
func (m *Manager) OverrideEndpoints(refreshURL, oidcURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if refreshURL != "" {
		m.refreshURL = refreshURL
	}
	if oidcURL != "" {
		m.oidcURL = oidcURL
	}
}

// AccessToken returns the current bearer token.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.AccessToken
}

// ProfileArn returns the cached profile identifier, if any.
func (m *Manager) ProfileArn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.ProfileArn
}

// Credentials returns a copy of the current credential state.
func (m *Manager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.creds
}

// EnsureFresh guarantees a usable access token. Without force it is a no-op
// while more than five minutes of validity remain. Failed attempts are
// debounced for thirty seconds; within that window an already-expired token
// surfaces ErrExpired.
func (m *Manager) EnsureFresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.creds.RefreshToken == "" {
		m.mu.Unlock()
		return ErrNoRefreshToken
	}
	token := m.creds.RefreshToken

	inflightMu.Lock()
	if fut, ok := inflight[token]; ok {
		inflightMu.Unlock()
		m.mu.Unlock()
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	untilExpiry := time.Until(m.creds.ExpiryTime())
	if !force && untilExpiry > refreshWindow {
		inflightMu.Unlock()
		m.mu.Unlock()
		return nil
	}
	if time.Since(m.lastAttempt) < refreshDebounce {
		inflightMu.Unlock()
		m.mu.Unlock()
		if untilExpiry <= 0 {
			return ErrExpired
		}
		return nil
	}

	fut := &refreshFuture{done: make(chan struct{})}
	inflight[token] = fut
	inflightMu.Unlock()
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	fut.err = m.refresh(ctx)
	inflightMu.Lock()
	delete(inflight, token)
	inflightMu.Unlock()
	close(fut.done)
	return fut.err
}

// Heartbeat is the scheduler entry point: it forces a refresh once the token
// is within the near window, otherwise behaves like a plain EnsureFresh.
func (m *Manager) Heartbeat(ctx context.Context, near time.Duration) error {
	m.mu.Lock()
	untilExpiry := time.Until(m.creds.ExpiryTime())
	m.mu.Unlock()
	return m.EnsureFresh(ctx, untilExpiry <= near)
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	method := m.creds.EffectiveAuthMethod()
	var url string
	var body map[string]string
	if method == constant.AuthMethodDeviceOIDC {
		url = m.oidcURL
		body = map[string]string{
			"refreshToken": m.creds.RefreshToken,
			"clientId":     m.creds.ClientID,
			"clientSecret": m.creds.ClientSecret,
			"grantType":    "refresh_token",
		}
	} else {
		url = m.refreshURL
		body = map[string]string{"refreshToken": m.creds.RefreshToken}
	}
	m.mu.Unlock()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTokenRefreshFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d: %s", ErrTokenRefreshFailed, method, resp.StatusCode, firstBytes(respBody, 300))
	}

	parsed := gjson.ParseBytes(respBody)
	accessToken := parsed.Get("accessToken").String()
	if accessToken == "" {
		return ErrInvalidRefreshResponse
	}

	m.mu.Lock()
	m.creds.AccessToken = accessToken
	if rotated := parsed.Get("refreshToken").String(); rotated != "" {
		m.creds.RefreshToken = rotated
	}
	m.creds.ExpiresAt = deriveExpiry(parsed).Format(time.RFC3339)
	if arn := parsed.Get("profileArn").String(); arn != "" {
		m.creds.ProfileArn = arn
	}
	snapshot := *m.creds
	path := m.path
	m.mu.Unlock()

	if path != "" {
		if err := SaveCredentials(path, &snapshot); err != nil {
			log.Errorf("refreshed token for %s but persisting failed: %v", path, err)
		}
	}
	log.Debugf("refreshed %s token, expires %s", method, snapshot.ExpiresAt)
	return nil
}

// deriveExpiry prefers expiresIn seconds, then an absolute expiresAt, then
// one hour from now.
func deriveExpiry(parsed gjson.Result) time.Time {
	if in := parsed.Get("expiresIn"); in.Exists() && in.Int() > 0 {
		return time.Now().Add(time.Duration(in.Int()) * time.Second)
	}
	if at := parsed.Get("expiresAt").String(); at != "" {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			return t
		}
	}
	return time.Now().Add(time.Hour)
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
