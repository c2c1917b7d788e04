package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// StatusError is a non-2xx upstream answer.
type StatusError struct {
	Code      int
	ErrorType string // x-amzn-errortype header, if present
	Message   string // response body snippet
}

func (e *StatusError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Code, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// Classification buckets an upstream failure for retry and pool-health
// decisions.
type Classification int

const (
	// ClassTransient failures are retried and never counted against the
	// account.
	ClassTransient Classification = iota
	// ClassClientRequest failures (HTTP 400) are the caller's fault; the
	// account is untouched.
	ClassClientRequest
	// ClassFatal failures disable the account immediately.
	ClassFatal
	// ClassCounted failures bump the account's error count.
	ClassCounted
)

var fatalWordings = []string{
	"quota", "suspended", "locked", "forbidden",
	"insufficient", "exceeded your", "account is not active",
}

var retryableWordings = []string{
	"rate limit", "too many requests", "throttl", "slow down",
}

// ContainsRetryableSignal reports rate-limit style wording.
func ContainsRetryableSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, w := range retryableWordings {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func containsFatalWording(msg string) bool {
	lower := strings.ToLower(msg)
	for _, w := range fatalWordings {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Classify maps an error from Send (or a bare message from elsewhere) to a
// pool-health decision.
func Classify(err error) Classification {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		if isConnError(err) {
			return ClassTransient
		}
		return classifyMessage(err.Error())
	}

	switch {
	case statusErr.Code == 400:
		return ClassClientRequest
	case statusErr.Code == 402 || statusErr.Code == 403:
		return ClassFatal
	case statusErr.Code == 429:
		if containsFatalWording(statusErr.Message) {
			return ClassFatal
		}
		return ClassTransient
	case statusErr.Code == 401:
		if ContainsRetryableSignal(statusErr.Message) {
			return ClassTransient
		}
		return ClassFatal
	case statusErr.Code >= 500:
		return ClassTransient
	}
	return ClassCounted
}

// ClassifyMessage classifies a bare error message, for callers that only
// have text (e.g. admin-surface health marking).
func ClassifyMessage(msg string) Classification {
	return classifyMessage(msg)
}

func classifyMessage(msg string) Classification {
	switch {
	case ContainsRetryableSignal(msg):
		return ClassTransient
	case containsFatalWording(msg),
		strings.Contains(strings.ToLower(msg), "invalid token"),
		strings.Contains(strings.ToLower(msg), "token expired"):
		return ClassFatal
	}
	return ClassCounted
}

// isConnError reports socket-level failures worth a plain retry. Context
// cancellation is never retried.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}
