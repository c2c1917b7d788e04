// Package kiro owns per-account Kiro credentials: loading them from disk or
// from an inline blob, refreshing access tokens over the two upstream
// dialects, and persisting rotations atomically.
package kiro

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/constant"
)

// Credentials is the persistent token set for one account.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Region       string `json:"region,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
}

// ExpiryTime parses ExpiresAt; the zero time means unknown.
func (c *Credentials) ExpiryTime() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EffectiveRegion returns the credential region or the default.
func (c *Credentials) EffectiveRegion() string {
	if c.Region != "" {
		return c.Region
	}
	return constant.DefaultRegion
}

// EffectiveAuthMethod defaults to the social dialect.
func (c *Credentials) EffectiveAuthMethod() string {
	if c.AuthMethod != "" {
		return c.AuthMethod
	}
	return constant.AuthMethodSocial
}

// LoadCredentials reads credentials from a file path or, when the argument
// is not a path on disk, from an inline base64-encoded JSON blob.
func LoadCredentials(pathOrBlob string) (*Credentials, error) {
	var data []byte
	if _, err := os.Stat(pathOrBlob); err == nil {
		data, err = os.ReadFile(pathOrBlob)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
	} else {
		decoded, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(pathOrBlob))
		if decErr != nil {
			return nil, fmt.Errorf("credentials %q: not a file and not base64: %w", pathOrBlob, decErr)
		}
		data = decoded
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if creds.RefreshToken == "" && creds.AccessToken == "" {
		return nil, fmt.Errorf("credentials carry neither access nor refresh token")
	}
	return &creds, nil
}

// SaveCredentials writes the credentials via a sibling temp file, fsync and
// rename, so readers never observe a partial file.
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
