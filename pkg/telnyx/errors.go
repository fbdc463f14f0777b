package telnyx

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured is returned when the client has no API key or connection.
var ErrNotConfigured = errors.New("telnyx: credentials not configured")

// UpstreamRequestError reports a Call Control request that did not succeed.
// StatusCode is zero when the request never produced a response.
type UpstreamRequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamRequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("telnyx %s: request failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("telnyx %s: API error (%d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamRequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request could succeed.
func (e *UpstreamRequestError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable unwraps err looking for a retryable UpstreamRequestError.
func IsRetryable(err error) bool {
	var upstream *UpstreamRequestError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	return false
}
