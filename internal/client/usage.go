package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/constant"
)

const usageURLTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

// FetchUsage retrieves the account's usage-limits document. The document is
// treated as opaque by callers except for the identity fields.
func (c *Client) FetchUsage(ctx context.Context, token *kiro.Manager) ([]byte, error) {
	creds := token.Credentials()
	target := c.urlOverride
	if target == "" {
		target = fmt.Sprintf(usageURLTemplate, creds.EffectiveRegion())
	}

	body := map[string]string{}
	if creds.ProfileArn != "" {
		body["profileArn"] = creds.ProfileArn
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken())
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-amz-user-agent", constant.AmzUserAgent)
	httpReq.Header.Set("User-Agent", constant.UserAgent)
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.New().String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code:      resp.StatusCode,
			ErrorType: resp.Header.Get("x-amzn-errortype"),
			Message:   firstN(string(data), 500),
		}
	}
	return data, nil
}

// ExtractUserInfo pulls the identity fields out of a usage document; either
// may be empty.
func ExtractUserInfo(usage []byte) (email, userID string) {
	parsed := gjson.ParseBytes(usage)
	email = parsed.Get("email").String()
	if email == "" {
		email = parsed.Get("userInfo.email").String()
	}
	userID = parsed.Get("userId").String()
	if userID == "" {
		userID = parsed.Get("userInfo.userId").String()
	}
	return email, userID
}
