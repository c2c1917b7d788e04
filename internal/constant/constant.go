// Package constant defines shared literals used across the proxy: the
// provider tag persisted in account records, default region and probe model,
// and the masquerade headers the upstream expects from a Kiro client.
package constant

const (
	// Provider is the provider family tag stored with every account.
	Provider = "claude-kiro-oauth"

	// DefaultRegion is used when an account carries no region of its own.
	DefaultRegion = "us-east-1"

	// DefaultProbeModel is the model used by pool health checks.
	DefaultProbeModel = "claude-sonnet-4-20250514"

	// AuthMethodSocial is the Kiro desktop OAuth dialect.
	AuthMethodSocial = "social"

	// AuthMethodDeviceOIDC is the AWS SSO-OIDC device-code dialect.
	AuthMethodDeviceOIDC = "device-oidc"
)

// Masquerade headers. The upstream rejects requests that do not look like
// they come from the Kiro IDE build of the AWS SDK.
const (
	KiroAgentMode = "vibe"
	AmzUserAgent  = "aws-sdk-js/1.0.7 KiroIDE"
	UserAgent     = "aws-sdk-js/1.0.7 ua/2.1 os/win32#10.0.26100 lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.7 m/E"
)
