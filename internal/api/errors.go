package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

// errorTypeForStatus maps an HTTP status to the Claude error type vocabulary.
func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// writeClaudeError writes the unary Claude error envelope.
func writeClaudeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// writeNativeError translates the final failure of a request into the Claude
// error envelope, picking status and type from the upstream error when one
// is available.
func writeNativeError(c *gin.Context, err error) {
	status := http.StatusServiceUnavailable
	message := "no upstream account could serve the request"

	var statusErr *client.StatusError
	switch {
	case errors.As(err, &statusErr):
		status = statusErr.Code
		message = statusErr.Message
		if message == "" {
			message = statusErr.Error()
		}
	case errors.Is(err, pool.ErrNoAccounts):
		// keep the defaults
	case err != nil:
		message = err.Error()
	}
	writeClaudeError(c, status, errorTypeForStatus(status), message)
}

// adminError writes the admin-side error envelope.
func adminError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}
