package gocoral

import (
	"context"
	"encoding/binary"

	"github.com/unkn0wn-root/gocoral/memd"
)

// StoreOptions carries the optional controls for mutations.
type StoreOptions struct {
	// Flags are opaque application metadata stored with the document.
	Flags uint32
	// Expiry in seconds; 0 means no expiration.
	Expiry uint32
	// CAS, when non-zero, makes the mutation conditional on the stored
	// version.
	CAS uint64
	// Transcoder encodes the value; JSONTranscoder when nil.
	Transcoder Transcoder
}

func (o *StoreOptions) transcoder() Transcoder {
	if o.Transcoder != nil {
		return o.Transcoder
	}
	return JSONTranscoder{}
}

// GetResult is a fetched document. Value is decompressed; Datatype keeps
// the remaining flags.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	CAS      uint64
}

// ContentInto decodes the document body through a transcoder.
func (r *GetResult) ContentInto(tc Transcoder, out any) error {
	if tc == nil {
		tc = JSONTranscoder{}
	}
	return tc.Decode(r.Value, r.Datatype, out)
}

// StoreResult reports a completed mutation.
type StoreResult struct {
	CAS           uint64
	MutationToken *MutationToken
}

// CounterResult reports a counter mutation.
type CounterResult struct {
	Value         uint64
	CAS           uint64
	MutationToken *MutationToken
}

// ObserveResult reports a key's storage state on its owning node.
type ObserveResult struct {
	KeyState uint8
	CAS      uint64
}

// Key storage states reported by Observe.
const (
	KeyStateNotPersisted = uint8(0x00)
	KeyStatePersisted    = uint8(0x01)
	KeyStateNotFound     = uint8(0x80)
	KeyStateDeleted      = uint8(0x81)
)

// Get fetches a document from the partition's active owner.
func (a *Agent) Get(ctx context.Context, key []byte) (*GetResult, error) {
	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpGet, Key: key, idempotent: true})
	if err != nil {
		return nil, err
	}
	return getResultFrom(resp)
}

// GetReplica fetches a document from a replica. replicaIdx is 1-based into
// the partition's replica chain.
func (a *Agent) GetReplica(ctx context.Context, key []byte, replicaIdx int) (*GetResult, error) {
	if replicaIdx < 1 {
		return nil, &KVError{Op: memd.OpGetReplica, Key: key, Cause: ErrRangeError}
	}
	resp, err := a.dispatch(ctx, &kvRequest{
		Op:         memd.OpGetReplica,
		Key:        key,
		ReplicaIdx: replicaIdx,
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return getResultFrom(resp)
}

// GetAndTouch fetches a document and refreshes its expiry in one trip.
func (a *Agent) GetAndTouch(ctx context.Context, key []byte, expiry uint32) (*GetResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpGAT, Key: key, Extras: extras})
	if err != nil {
		return nil, err
	}
	return getResultFrom(resp)
}

// GetAndLock fetches a document and write-locks it for lockTime seconds.
func (a *Agent) GetAndLock(ctx context.Context, key []byte, lockTime uint32) (*GetResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, lockTime)
	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpGetLocked, Key: key, Extras: extras})
	if err != nil {
		return nil, err
	}
	return getResultFrom(resp)
}

// Unlock releases a lock taken by GetAndLock. The CAS must be the one the
// lock returned.
func (a *Agent) Unlock(ctx context.Context, key []byte, cas uint64) error {
	_, err := a.dispatch(ctx, &kvRequest{Op: memd.OpUnlockKey, Key: key, CAS: cas})
	return err
}

// Touch refreshes a document's expiry without fetching it.
func (a *Agent) Touch(ctx context.Context, key []byte, expiry uint32) (*StoreResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpTouch, Key: key, Extras: extras})
	if err != nil {
		return nil, err
	}
	return &StoreResult{CAS: resp.CAS, MutationToken: resp.MutationToken}, nil
}

// Set unconditionally stores a document.
func (a *Agent) Set(ctx context.Context, key []byte, value any, opts StoreOptions) (*StoreResult, error) {
	return a.store(ctx, memd.OpSet, key, value, opts)
}

// Add stores a document only if the key does not exist.
func (a *Agent) Add(ctx context.Context, key []byte, value any, opts StoreOptions) (*StoreResult, error) {
	opts.CAS = 0
	return a.store(ctx, memd.OpAdd, key, value, opts)
}

// Replace stores a document only if the key exists, optionally CAS-guarded.
func (a *Agent) Replace(ctx context.Context, key []byte, value any, opts StoreOptions) (*StoreResult, error) {
	return a.store(ctx, memd.OpReplace, key, value, opts)
}

func (a *Agent) store(ctx context.Context, op memd.OpCode, key []byte, value any, opts StoreOptions) (*StoreResult, error) {
	body, datatype, err := opts.transcoder().Encode(value)
	if err != nil {
		return nil, &KVError{Op: op, Key: key, Cause: err}
	}
	if a.cfg.EnableCompression {
		body, datatype = maybeCompress(body, datatype, a.cfg.CompressionThreshold)
	}

	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:], opts.Flags)
	binary.BigEndian.PutUint32(extras[4:], opts.Expiry)

	resp, err := a.dispatch(ctx, &kvRequest{
		Op:       op,
		Key:      key,
		Value:    body,
		Extras:   extras,
		Datatype: datatype,
		CAS:      opts.CAS,
	})
	if err != nil {
		return nil, err
	}
	return &StoreResult{CAS: resp.CAS, MutationToken: resp.MutationToken}, nil
}

// Delete removes a document, optionally CAS-guarded.
func (a *Agent) Delete(ctx context.Context, key []byte, cas uint64) (*StoreResult, error) {
	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpDelete, Key: key, CAS: cas})
	if err != nil {
		return nil, err
	}
	return &StoreResult{CAS: resp.CAS, MutationToken: resp.MutationToken}, nil
}

// Increment adds delta to a counter document, seeding it with initial when
// absent and expiry is not the no-create sentinel (0xffffffff).
func (a *Agent) Increment(ctx context.Context, key []byte, delta, initial uint64, expiry uint32) (*CounterResult, error) {
	return a.counter(ctx, memd.OpIncrement, key, delta, initial, expiry)
}

// Decrement subtracts delta from a counter document; the stored value
// floors at zero.
func (a *Agent) Decrement(ctx context.Context, key []byte, delta, initial uint64, expiry uint32) (*CounterResult, error) {
	return a.counter(ctx, memd.OpDecrement, key, delta, initial, expiry)
}

func (a *Agent) counter(ctx context.Context, op memd.OpCode, key []byte, delta, initial uint64, expiry uint32) (*CounterResult, error) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], delta)
	binary.BigEndian.PutUint64(extras[8:], initial)
	binary.BigEndian.PutUint32(extras[16:], expiry)

	resp, err := a.dispatch(ctx, &kvRequest{Op: op, Key: key, Extras: extras})
	if err != nil {
		return nil, err
	}
	if len(resp.Value) < 8 {
		return nil, &KVError{Op: op, Key: key, Cause: ErrDeltaBadVal}
	}
	return &CounterResult{
		Value:         binary.BigEndian.Uint64(resp.Value),
		CAS:           resp.CAS,
		MutationToken: resp.MutationToken,
	}, nil
}

// Append concatenates raw bytes after a document's current value.
func (a *Agent) Append(ctx context.Context, key, value []byte, cas uint64) (*StoreResult, error) {
	return a.adjoin(ctx, memd.OpAppend, key, value, cas)
}

// Prepend concatenates raw bytes before a document's current value.
func (a *Agent) Prepend(ctx context.Context, key, value []byte, cas uint64) (*StoreResult, error) {
	return a.adjoin(ctx, memd.OpPrepend, key, value, cas)
}

func (a *Agent) adjoin(ctx context.Context, op memd.OpCode, key, value []byte, cas uint64) (*StoreResult, error) {
	resp, err := a.dispatch(ctx, &kvRequest{Op: op, Key: key, Value: value, CAS: cas})
	if err != nil {
		return nil, err
	}
	return &StoreResult{CAS: resp.CAS, MutationToken: resp.MutationToken}, nil
}

// Observe reports the storage state of a key on its owning node.
func (a *Agent) Observe(ctx context.Context, key []byte) (*ObserveResult, error) {
	rc := a.cm.get()
	if rc == nil {
		return nil, &KVError{Op: memd.OpObserve, Key: key, Cause: ErrNoMap}
	}
	vb := partitionForKey(key, rc.numVBuckets())

	// observe bodies carry (vbid, keylen, key) tuples.
	body := make([]byte, 4+len(key))
	binary.BigEndian.PutUint16(body[0:], vb)
	binary.BigEndian.PutUint16(body[2:], uint16(len(key)))
	copy(body[4:], key)

	resp, err := a.dispatch(ctx, &kvRequest{Op: memd.OpObserve, RoutingKey: key, Value: body, idempotent: true})
	if err != nil {
		return nil, err
	}
	// response tuple: vbid(2) keylen(2) key keystate(1) cas(8)
	if len(resp.Value) < 4+len(key)+9 {
		return nil, &KVError{Op: memd.OpObserve, Key: key, Cause: &statusError{status: memd.StatusInternalError, op: memd.OpObserve}}
	}
	off := 4 + len(key)
	return &ObserveResult{
		KeyState: resp.Value[off],
		CAS:      binary.BigEndian.Uint64(resp.Value[off+1:]),
	}, nil
}

// Noop round-trips an empty operation, useful as a connection liveness
// probe.
func (a *Agent) Noop(ctx context.Context) error {
	// noop carries no key on the wire; route it as if it had one so it
	// exercises a real node.
	_, err := a.dispatch(ctx, &kvRequest{Op: memd.OpNoop, RoutingKey: []byte("_noop"), idempotent: true})
	return err
}

func getResultFrom(resp *kvResponse) (*GetResult, error) {
	value, datatype, err := maybeDecompress(resp.Value, resp.Datatype)
	if err != nil {
		return nil, err
	}
	var flags uint32
	if len(resp.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(resp.Extras)
	}
	return &GetResult{
		Value:    value,
		Flags:    flags,
		Datatype: datatype,
		CAS:      resp.CAS,
	}, nil
}
