package cloud

import (
	"fmt"
	"net/http"
)

// UpstreamError is a failure reported by the processing service itself, either through
// a non-2xx status or an {"ok": false} body.
type UpstreamError struct {
	Op         string
	StatusCode int
	Message    string
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and rate limiting.
// Other client errors and in-body rejections are permanent.
func (e *UpstreamError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
