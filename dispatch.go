package gocoral

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/unkn0wn-root/gocoral/memd"
)

// kvRequest is one routed KV operation as the dispatcher sees it.
type kvRequest struct {
	Op       memd.OpCode
	Key      []byte
	Value    []byte
	Extras   []byte
	Datatype uint8
	CAS      uint64

	// RoutingKey overrides Key for partition selection when the wire key
	// differs from the routed document key (observe, noop).
	RoutingKey []byte

	// ReplicaIdx selects the replica chain position; 0 is the active owner.
	ReplicaIdx int

	// idempotent ops may retry on statuses the dispatcher cannot classify.
	idempotent bool
}

type kvResponse struct {
	Value         []byte
	Extras        []byte
	Datatype      uint8
	CAS           uint64
	MutationToken *MutationToken
}

// MutationToken identifies a mutation's position in a partition's history.
// Returned when mutation tokens were negotiated; used for query consistency
// vectors.
type MutationToken struct {
	VBID   uint16
	VBUUID uint64
	SeqNo  uint64
}

// dispatch routes, sends and classifies one operation, retrying transient
// failures until the context deadline. The snapshot loaded at the top of an
// attempt stays in effect for that whole attempt; a concurrent map swap is
// only observed on the next retry.
func (a *Agent) dispatch(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	select {
	case <-a.closedCh:
		return nil, &KVError{Op: req.Op, Key: req.Key, Cause: ErrShutdown}
	default:
	}
	if !validKey(req.routingKey()) {
		return nil, &KVError{Op: req.Op, Key: req.Key, Cause: ErrInvalidConfig}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.KVTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	start := time.Now()
	defer func() {
		a.met.opLatency.Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	for {
		resp, fastRetry, err := a.attempt(ctx, req)
		if err == nil {
			a.met.ops.WithLabelValues(opLabel(req.Op), "ok").Inc()
			return resp, nil
		}

		if !isRetryableKVErr(err, req.idempotent) {
			a.met.ops.WithLabelValues(opLabel(req.Op), "error").Inc()
			return nil, &KVError{Op: req.Op, Key: req.Key, Cause: err}
		}

		wait, werr := retryWait(attempt, fastRetry, deadline)
		if werr != nil {
			a.met.ops.WithLabelValues(opLabel(req.Op), "timeout").Inc()
			return nil, &KVError{Op: req.Op, Key: req.Key, Cause: werr}
		}
		a.met.retries.Inc()
		attempt++

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				a.met.ops.WithLabelValues(opLabel(req.Op), "timeout").Inc()
				return nil, &KVError{Op: req.Op, Key: req.Key, Cause: ErrTimeout}
			}
		}
	}
}

// attempt performs a single routed try. fastRetry reports that a fresher
// map was installed while handling the failure, so the retry can skip its
// back-off.
func (a *Agent) attempt(ctx context.Context, req *kvRequest) (resp *kvResponse, fastRetry bool, err error) {
	rc := a.cm.get()
	if rc == nil {
		return nil, false, ErrNoMap
	}

	vb := partitionForKey(req.routingKey(), rc.numVBuckets())
	addr, err := rc.nodeForVB(vb, req.ReplicaIdx)
	if err != nil {
		return nil, false, err
	}

	acquireCtx := ctx
	if a.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, a.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := a.poolFor(addr).acquire(acquireCtx)
	if err != nil {
		return nil, false, err
	}
	defer a.poolFor(addr).release(conn)

	value, datatype := req.Value, req.Datatype
	if datatype&memd.DatatypeCompressed != 0 && !conn.negotiated(memd.FeatureSnappy) {
		// this connection did not negotiate snappy; send the value expanded
		if v, dt, derr := maybeDecompress(value, datatype); derr == nil {
			value, datatype = v, dt
		}
	}

	pkt := &memd.Packet{
		Magic:    memd.MagicReq,
		Op:       req.Op,
		VBucket:  vb,
		Datatype: datatype,
		CAS:      req.CAS,
		Extras:   req.Extras,
		Key:      req.Key,
		Value:    value,
	}
	out, err := conn.send(ctx, pkt)
	if err != nil {
		return nil, false, err
	}

	return a.classify(req, conn, rc, out)
}

// classify turns a response status into the caller-visible outcome, feeding
// NMV config blobs to the provider on the way.
func (a *Agent) classify(req *kvRequest, conn *memdConn, rcAtSend *routeConfig, out *memd.Packet) (*kvResponse, bool, error) {
	switch out.Status {
	case memd.StatusSuccess:
		resp := &kvResponse{
			Value:    out.Value,
			Extras:   out.Extras,
			Datatype: out.Datatype,
			CAS:      out.CAS,
		}
		if isMutationOp(req.Op) && conn.negotiated(memd.FeatureMutationTokens) && len(out.Extras) >= 16 {
			resp.MutationToken = &MutationToken{
				VBID:   partitionForKey(req.routingKey(), rcAtSend.numVBuckets()),
				VBUUID: binary.BigEndian.Uint64(out.Extras[0:]),
				SeqNo:  binary.BigEndian.Uint64(out.Extras[8:]),
			}
		}
		return resp, false, nil

	case memd.StatusKeyNotFound:
		return nil, false, ErrKeyNotFound
	case memd.StatusKeyExists:
		// the server reports both "exists on add" and "cas mismatch on
		// replace/delete" under one status; the request shape decides.
		if req.CAS != 0 {
			return nil, false, ErrCASMismatch
		}
		return nil, false, ErrKeyExists
	case memd.StatusNotStored:
		return nil, false, ErrNotStored
	case memd.StatusBadDelta:
		return nil, false, ErrDeltaBadVal
	case memd.StatusTooBig:
		return nil, false, ErrTooBig
	case memd.StatusLocked:
		return nil, false, ErrLocked
	case memd.StatusRangeError:
		return nil, false, ErrRangeError

	case memd.StatusNotMyVBucket:
		prevRev := int64(-1)
		if rc := a.cm.get(); rc != nil {
			prevRev = rc.rev
		}
		a.provider.onNMV(out.Value, conn.host)
		fast := false
		if rc := a.cm.get(); rc != nil && rc.rev > prevRev {
			fast = true
		}
		return nil, fast, &notMyVBucketError{configBlob: out.Value}

	case memd.StatusTmpFail:
		return nil, false, ErrTmpFail
	case memd.StatusBusy:
		return nil, false, ErrBusy
	case memd.StatusOutOfMemory:
		return nil, false, ErrOutOfMemory

	case memd.StatusAuthError:
		return nil, false, ErrAuthFailure
	case memd.StatusAccessError:
		return nil, false, ErrAccessDenied

	default:
		return nil, false, &statusError{status: out.Status, op: req.Op}
	}
}

func (r *kvRequest) routingKey() []byte {
	if r.RoutingKey != nil {
		return r.RoutingKey
	}
	return r.Key
}

func isMutationOp(op memd.OpCode) bool {
	switch op {
	case memd.OpSet, memd.OpAdd, memd.OpReplace, memd.OpDelete,
		memd.OpIncrement, memd.OpDecrement, memd.OpAppend, memd.OpPrepend:
		return true
	}
	return false
}

func opLabel(op memd.OpCode) string {
	switch op {
	case memd.OpGet:
		return "get"
	case memd.OpSet:
		return "set"
	case memd.OpAdd:
		return "add"
	case memd.OpReplace:
		return "replace"
	case memd.OpDelete:
		return "delete"
	case memd.OpIncrement:
		return "incr"
	case memd.OpDecrement:
		return "decr"
	case memd.OpAppend:
		return "append"
	case memd.OpPrepend:
		return "prepend"
	case memd.OpTouch:
		return "touch"
	case memd.OpGAT:
		return "gat"
	case memd.OpGetReplica:
		return "get_replica"
	case memd.OpObserve:
		return "observe"
	case memd.OpGetLocked:
		return "get_locked"
	case memd.OpUnlockKey:
		return "unlock"
	case memd.OpNoop:
		return "noop"
	default:
		return "0x" + strconv.FormatUint(uint64(op), 16)
	}
}
