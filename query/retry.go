package query

import (
	"fmt"
	"strings"
)

// HTTPError is a non-200 service response. Body is the (bounded) response
// payload, kept for the retryability heuristics and for surfacing to the
// caller.
type HTTPError struct {
	StatusCode int
	Body       []byte
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("query: %s returned %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 256))
}

// Retryable classifies this response per IsRetryable.
func (e *HTTPError) Retryable() bool {
	return IsRetryable(e.StatusCode, e.Body)
}

// IsRetryable reports whether an HTTP response may be retried. Most of the
// table is status-driven; 404 and 500 consult the body because the
// services fold both transient routing misses and hard "named resource is
// gone" failures into the same status.
func IsRetryable(statusCode int, body []byte) bool {
	switch statusCode {
	case 200:
		return false
	case 300, 301, 302, 303, 307, 408, 409, 412, 416, 417, 502, 503, 504:
		return true
	case 404:
		// the resource may simply not be reachable through this node yet;
		// only a body naming a missing/deleted resource is terminal.
		s := strings.ToLower(string(body))
		if (strings.Contains(s, "not_found") || strings.Contains(s, "not found")) &&
			(strings.Contains(s, "missing") || strings.Contains(s, "deleted")) {
			return false
		}
		return true
	case 500:
		// a missing named view is a hard failure; other 500s are worth a
		// retry elsewhere.
		s := strings.ToLower(string(body))
		if strings.Contains(s, "missing_named_view") || strings.Contains(s, "missing named view") {
			return false
		}
		return true
	default:
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
