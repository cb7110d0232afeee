package gocoral

import (
	"testing"
	"time"
)

func TestFullJitterBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		ceil := retryBackoffCap
		if d := retryBackoffBase << uint(attempt); d < ceil {
			ceil = d
		}
		for i := 0; i < 50; i++ {
			d := fullJitterBackoff(retryBackoffBase, retryBackoffCap, attempt)
			if d < 0 || d >= ceil {
				t.Fatalf("attempt %d: delay %v outside [0,%v)", attempt, d, ceil)
			}
		}
	}
}

func TestRetryWaitStopsAtDeadline(t *testing.T) {
	deadline := time.Now().Add(-time.Millisecond)
	if _, err := retryWait(10, false, deadline); err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if _, err := retryWait(0, true, deadline); err != ErrTimeout {
		t.Fatalf("fast retry past deadline: err = %v, want ErrTimeout", err)
	}
}

func TestRetryWaitFastNMV(t *testing.T) {
	d, err := retryWait(3, true, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if d != 0 {
		t.Fatalf("fast retry delay = %v, want 0", d)
	}
}

func TestIsRetryableKVErr(t *testing.T) {
	cases := []struct {
		err        error
		idempotent bool
		want       bool
	}{
		{&notMyVBucketError{}, false, true},
		{ErrTmpFail, false, true},
		{ErrBusy, false, true},
		{ErrOutOfMemory, false, true},
		{ErrConnectionLost, false, true},
		{ErrNoCapacity, false, true},
		{ErrKeyNotFound, true, false},
		{ErrKeyExists, false, false},
		{ErrAuthFailure, true, false},
		{ErrAccessDenied, true, false},
		{&statusError{status: 0x99}, true, true},
		{&statusError{status: 0x99}, false, false},
	}
	for i, tc := range cases {
		if got := isRetryableKVErr(tc.err, tc.idempotent); got != tc.want {
			t.Fatalf("case %d (%v): got %v, want %v", i, tc.err, got, tc.want)
		}
	}
}
