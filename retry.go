package gocoral

import (
	"errors"
	"math/rand"
	"time"
)

const (
	retryBackoffBase = 1 * time.Millisecond
	retryBackoffCap  = 500 * time.Millisecond
)

// fullJitterBackoff returns a random delay in [0, min(cap, base<<attempt)).
// Full jitter spreads synchronized retries; the zero lower bound is
// intentional.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	ceil := max
	if attempt < 63 {
		if d := base << uint(attempt); d < ceil {
			ceil = d
		}
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceil)))
}

// retryWait decides how long to wait before attempt n+1. fastRetry is set
// when a fresher cluster map is already in hand after an NMV, in which case
// there is nothing to wait for. Returns ErrTimeout when the wake time would
// pass the deadline; the caller's deadline is the only retry budget.
func retryWait(attempt int, fastRetry bool, deadline time.Time) (time.Duration, error) {
	if fastRetry {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		return 0, nil
	}

	d := fullJitterBackoff(retryBackoffBase, retryBackoffCap, attempt)
	if !deadline.IsZero() && time.Now().Add(d).After(deadline) {
		return 0, ErrTimeout
	}
	return d, nil
}

// isRetryableKVErr classifies a failed attempt. Transient statuses and
// routing misses retry under the deadline; domain and handshake failures
// stop immediately. Unknown statuses retry only for idempotent ops.
func isRetryableKVErr(err error, idempotent bool) bool {
	var nmv *notMyVBucketError
	if errors.As(err, &nmv) {
		return true
	}
	switch {
	case errors.Is(err, ErrTmpFail), errors.Is(err, ErrBusy), errors.Is(err, ErrOutOfMemory):
		return true
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrConnectionLost), errors.Is(err, ErrNoMap), errors.Is(err, ErrNoNode):
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return idempotent
	}
	return false
}
