package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/constant"
)

const (
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	deviceClientName = "kiroproxy"
)

var deviceScopes = []string{"codewhisperer:completions", "codewhisperer:analysis"}

// DeviceAuthorization is the pending device-code grant shown to the
// operator.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                int
	ExpiresIn               int
}

// DeviceFlow drives the SSO-OIDC device-code bootstrap for new device-oidc
// accounts.
type DeviceFlow struct {
	httpClient *http.Client
	region     string
	baseURL    string // overridable in tests

	clientID     string
	clientSecret string
}

// NewDeviceFlow prepares a flow against the given region's OIDC endpoint.
func NewDeviceFlow(region string, httpClient *http.Client) *DeviceFlow {
	if region == "" {
		region = constant.DefaultRegion
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DeviceFlow{
		httpClient: httpClient,
		region:     region,
		baseURL:    fmt.Sprintf("https://oidc.%s.amazonaws.com", region),
	}
}

func (f *DeviceFlow) post(ctx context.Context, path string, body map[string]any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	parsed := gjson.ParseBytes(respBody)
	if resp.StatusCode != http.StatusOK {
		errCode := parsed.Get("error").String()
		if errCode == "" {
			errCode = firstBytes(respBody, 200)
		}
		return parsed, fmt.Errorf("oidc %s: status %d: %s", path, resp.StatusCode, errCode)
	}
	return parsed, nil
}

// StartDeviceAuthorization registers a public client and opens a device-code
// grant against the given SSO start URL.
func (f *DeviceFlow) StartDeviceAuthorization(ctx context.Context, startURL string) (*DeviceAuthorization, error) {
	reg, err := f.post(ctx, "/client/register", map[string]any{
		"clientName": deviceClientName,
		"clientType": "public",
		"scopes":     deviceScopes,
	})
	if err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	f.clientID = reg.Get("clientId").String()
	f.clientSecret = reg.Get("clientSecret").String()
	if f.clientID == "" || f.clientSecret == "" {
		return nil, fmt.Errorf("register client: response missing clientId/clientSecret")
	}

	auth, err := f.post(ctx, "/device_authorization", map[string]any{
		"clientId":     f.clientID,
		"clientSecret": f.clientSecret,
		"startUrl":     startURL,
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	da := &DeviceAuthorization{
		DeviceCode:              auth.Get("deviceCode").String(),
		UserCode:                auth.Get("userCode").String(),
		VerificationURI:         auth.Get("verificationUri").String(),
		VerificationURIComplete: auth.Get("verificationUriComplete").String(),
		Interval:                int(auth.Get("interval").Int()),
		ExpiresIn:               int(auth.Get("expiresIn").Int()),
	}
	if da.DeviceCode == "" {
		return nil, fmt.Errorf("device authorization: response missing deviceCode")
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	if da.ExpiresIn <= 0 {
		da.ExpiresIn = 600
	}
	return da, nil
}

// PollDeviceToken polls the token endpoint until the operator approves the
// grant, the grant expires, or the context is cancelled. On success it
// returns complete device-oidc credentials.
func (f *DeviceFlow) PollDeviceToken(ctx context.Context, da *DeviceAuthorization) (*Credentials, error) {
	interval := time.Duration(da.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(da.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before approval")
		}

		parsed, err := f.post(ctx, "/token", map[string]any{
			"clientId":     f.clientID,
			"clientSecret": f.clientSecret,
			"deviceCode":   da.DeviceCode,
			"grantType":    deviceGrantType,
		})
		if err != nil {
			switch parsed.Get("error").String() {
			case "authorization_pending":
				continue
			case "slow_down":
				interval += 5 * time.Second
				log.Debug("oidc asked to slow down device polling")
				continue
			case "expired_token":
				return nil, fmt.Errorf("device code expired before approval")
			}
			return nil, fmt.Errorf("poll device token: %w", err)
		}

		accessToken := parsed.Get("accessToken").String()
		if accessToken == "" {
			return nil, ErrInvalidRefreshResponse
		}
		return &Credentials{
			AccessToken:  accessToken,
			RefreshToken: parsed.Get("refreshToken").String(),
			ExpiresAt:    deriveExpiry(parsed).Format(time.RFC3339),
			AuthMethod:   constant.AuthMethodDeviceOIDC,
			ClientID:     f.clientID,
			ClientSecret: f.clientSecret,
			Provider:     constant.Provider,
			Region:       f.region,
		}, nil
	}
}
