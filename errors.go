package gocoral

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/unkn0wn-root/gocoral/memd"
)

// Transport and routing errors.
var (
	ErrTimeout        = errors.New("operation deadline exceeded")
	ErrConnectionLost = errors.New("connection lost")
	ErrNoCapacity     = errors.New("no connection available before deadline")
	ErrShutdown       = errors.New("agent closed")
	ErrNoMap          = errors.New("no cluster map available")
	ErrNoNode         = errors.New("cluster map has no node for partition")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Handshake errors. Fatal for the connection; never retried with the same
// credentials.
var (
	ErrAuthFailure        = errors.New("authentication failed")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrFeatureUnsupported = errors.New("server does not support required feature")
)

// Domain errors. Most are surfaced to the caller unchanged; ErrTmpFail,
// ErrBusy and ErrOutOfMemory are retried by the dispatcher until the
// deadline, which then reports ErrTimeout.
var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeyExists    = errors.New("key already exists")
	ErrCASMismatch  = errors.New("cas mismatch")
	ErrNotStored    = errors.New("not stored")
	ErrDeltaBadVal  = errors.New("value is not a counter")
	ErrTooBig       = errors.New("value too large")
	ErrLocked       = errors.New("document locked")
	ErrTmpFail      = errors.New("temporary server failure")
	ErrBusy         = errors.New("server busy")
	ErrOutOfMemory  = errors.New("server out of memory")
	ErrAccessDenied = errors.New("access denied")
	ErrRangeError   = errors.New("requested range not valid")
)

// KVError annotates a failed operation with the opcode and key it was
// performing. Unwraps to the underlying cause so sentinel checks keep
// working.
type KVError struct {
	Op    memd.OpCode
	Key   []byte
	Cause error
}

func (e *KVError) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("kv op 0x%02x key %q: %v", uint8(e.Op), e.Key, e.Cause)
	}
	return fmt.Sprintf("kv op 0x%02x: %v", uint8(e.Op), e.Cause)
}

func (e *KVError) Unwrap() error {
	return e.Cause
}

// notMyVBucketError is internal to the dispatch/retry loop: the addressed
// node no longer owns the partition. Carries the embedded config blob when
// the server sent one.
type notMyVBucketError struct {
	configBlob []byte
}

func (e *notMyVBucketError) Error() string { return "not my vbucket" }

// statusError wraps a status the dispatcher has no dedicated mapping for.
type statusError struct {
	status memd.Status
	op     memd.OpCode
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server status 0x%02x (op 0x%02x)", uint16(e.status), uint8(e.op))
}

// Status returns the raw protocol status for callers that inspect it.
func (e *statusError) Status() memd.Status { return e.status }

// isFatalTransport reports whether an error indicates a broken or unusable
// socket that should drain the connection. Timeouts and server statuses are
// non-fatal: the socket itself is still coherent.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return false
	}

	if errors.Is(err, ErrConnectionLost) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
