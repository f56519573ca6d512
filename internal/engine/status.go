package engine

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hyperifyio/talven/internal/fetch"
)

// CheckStatus turns blocking and failing HTTP statuses into typed failures.
// 429 is rate limiting, 401/403 are access denied; both honor Retry-After as
// an explicit suspension duration. Other non-2xx statuses are response errors.
func CheckStatus(resp *fetch.Response, now time.Time) error {
	if resp == nil {
		return ResponseError("empty response", nil)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return TooManyRequests(fetch.RetryAfter(resp.Header, now))
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return AccessDenied(fetch.RetryAfter(resp.Header, now), fmt.Sprintf("HTTP %d", resp.StatusCode))
	default:
		return ResponseError(fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
}
