package kiro

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDeviceFlow(t *testing.T) {
	var tokenPolls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/client/register":
			_ = json.NewEncoder(w).Encode(map[string]any{"clientId": "cid", "clientSecret": "csec"})
		case "/device_authorization":
			assert.Equal(t, "cid", gjson.GetBytes(body, "clientId").String())
			assert.Equal(t, "https://example.awsapps.com/start", gjson.GetBytes(body, "startUrl").String())
			_ = json.NewEncoder(w).Encode(map[string]any{
				"deviceCode":              "dc",
				"userCode":                "ABCD-EFGH",
				"verificationUri":         "https://device.sso",
				"verificationUriComplete": "https://device.sso?user_code=ABCD-EFGH",
				"interval":                1,
				"expiresIn":               60,
			})
		case "/token":
			assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", gjson.GetBytes(body, "grantType").String())
			if atomic.AddInt32(&tokenPolls, 1) == 1 {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  "at-device",
				"refreshToken": "rt-device",
				"expiresIn":    3600,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	f := NewDeviceFlow("us-east-1", srv.Client())
	f.baseURL = srv.URL

	da, err := f.StartDeviceAuthorization(context.Background(), "https://example.awsapps.com/start")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", da.UserCode)

	da.Interval = 0 // poll immediately in tests
	creds, err := f.PollDeviceToken(context.Background(), da)
	require.NoError(t, err)
	assert.Equal(t, "at-device", creds.AccessToken)
	assert.Equal(t, "rt-device", creds.RefreshToken)
	assert.Equal(t, "device-oidc", creds.AuthMethod)
	assert.Equal(t, "cid", creds.ClientID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenPolls))
}

func TestDeviceFlowRegisterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewDeviceFlow("us-east-1", srv.Client())
	f.baseURL = srv.URL

	_, err := f.StartDeviceAuthorization(context.Background(), "https://example.awsapps.com/start")
	assert.Error(t, err)
}
