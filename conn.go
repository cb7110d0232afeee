package gocoral

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/gocoral/memd"
)

type connState int32

const (
	stateConnecting connState = iota
	stateHelloNegotiating
	stateAuthenticating
	stateBucketSelecting
	stateReady
	stateDraining
	stateClosed
)

// memdConn is one multiplexed KV session. A single reader goroutine demuxes
// responses by opaque; writes are serialized under wmu. Requests may only be
// written while the state is Ready.
type memdConn struct {
	addr string
	host string // hostname part, used for $HOST substitution
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	wmu  sync.Mutex

	state     atomic.Int32
	opaque    atomic.Uint32
	pend      sync.Map // opaque -> *pendingOp
	closed    chan struct{}
	closeOnce sync.Once
	features  map[memd.Feature]bool

	// wbuf is the encode scratch for the writer; wmu serializes access.
	wbuf []byte

	maxFrame int
	writeTO  time.Duration
	log      *zap.Logger

	// onConfigBlob receives config payloads pushed by the server (duplex
	// clustermap notifications). May be nil.
	onConfigBlob func(blob []byte, sourceHost string)
}

type pendingOp struct {
	ch       chan *memd.Packet
	enqueued time.Time
}

// helloClientID is the JSON blob sent as the HELLO key so server logs can
// attribute connections.
type helloClientID struct {
	Agent  string `json:"a"`
	ConnID string `json:"i"`
}

// dialMemd establishes a connection and walks the full handshake: HELLO
// feature negotiation, SASL when credentials are set, SELECT_BUCKET when a
// bucket is named. The read loop starts only once the connection is Ready.
func dialMemd(ctx context.Context, addr string, cfg *Config, onConfigBlob func([]byte, string)) (*memdConn, error) {
	d := &net.Dialer{
		Timeout:   cfg.Lim.ConnectTimeout,
		KeepAlive: 45 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			_ = c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			})
			return nil
		},
	}

	var c net.Conn
	var err error
	if tc := cfg.tlsConfig(); tc != nil {
		td := tls.Dialer{NetDialer: d, Config: tc}
		c, err = td.DialContext(ctx, "tcp", addr)
	} else {
		c, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	host, _, _ := net.SplitHostPort(addr)
	mc := &memdConn{
		addr:         addr,
		host:         host,
		conn:         c,
		r:            bufio.NewReaderSize(c, cfg.Lim.ReadBufSize),
		w:            bufio.NewWriterSize(c, cfg.Lim.WriteBufSize),
		closed:       make(chan struct{}),
		features:     make(map[memd.Feature]bool),
		maxFrame:     cfg.Lim.MaxFrameSize,
		writeTO:      cfg.KVTimeout,
		log:          cfg.Logger.With(zap.String("endpoint", addr)),
		onConfigBlob: onConfigBlob,
	}
	mc.state.Store(int32(stateConnecting))

	if err := mc.handshake(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	mc.state.Store(int32(stateReady))
	mc.log.Debug("kv connection ready")
	go mc.readLoop()
	return mc, nil
}

func (mc *memdConn) handshake(cfg *Config) error {
	hsDeadline := time.Now().Add(cfg.Lim.ConnectTimeout)

	mc.state.Store(int32(stateHelloNegotiating))
	if err := mc.hello(cfg, hsDeadline); err != nil {
		return err
	}

	if cfg.Username != "" {
		mc.state.Store(int32(stateAuthenticating))
		if err := mc.authenticate(cfg, hsDeadline); err != nil {
			return err
		}
	}

	if cfg.Bucket != "" {
		mc.state.Store(int32(stateBucketSelecting))
		if err := mc.selectBucket(cfg.Bucket, hsDeadline); err != nil {
			return err
		}
	}
	return nil
}

// hello advertises the client feature set and records the server's
// intersection.
func (mc *memdConn) hello(cfg *Config, deadline time.Time) error {
	want := []memd.Feature{
		memd.FeatureDatatype,
		memd.FeatureJSON,
		memd.FeatureXattr,
		memd.FeatureXerror,
		memd.FeatureSelectBucket,
		memd.FeatureDuplex,
		memd.FeatureClusterMapNotif,
		memd.FeatureAltRequests,
		memd.FeatureTracing,
	}
	if cfg.TLS.Enable {
		want = append(want, memd.FeatureTLS)
	}
	if cfg.EnableMutationTokens {
		want = append(want, memd.FeatureMutationTokens)
	}
	if cfg.EnableCompression {
		want = append(want, memd.FeatureSnappy)
	}
	if cfg.EnableUnorderedExec {
		want = append(want, memd.FeatureUnorderedExec)
	}

	cid, _ := json.Marshal(helloClientID{Agent: cfg.AgentName, ConnID: uuid.NewString()})
	val := make([]byte, 2*len(want))
	for i, f := range want {
		binary.BigEndian.PutUint16(val[i*2:], uint16(f))
	}

	resp, err := mc.roundTrip(&memd.Packet{
		Magic: memd.MagicReq,
		Op:    memd.OpHello,
		Key:   cid,
		Value: val,
	}, deadline)
	if err != nil {
		return errors.Wrap(err, "hello")
	}
	if resp.Status != memd.StatusSuccess {
		// an old server may not speak HELLO; treat as no features.
		return nil
	}
	for i := 0; i+1 < len(resp.Value); i += 2 {
		mc.features[memd.Feature(binary.BigEndian.Uint16(resp.Value[i:]))] = true
	}
	return nil
}

// authenticate runs SASL, preferring the strongest SCRAM profile the server
// lists. PLAIN is acceptable only under TLS. Auth failures are terminal for
// the connection and are never retried with the same credentials.
func (mc *memdConn) authenticate(cfg *Config, deadline time.Time) error {
	resp, err := mc.roundTrip(&memd.Packet{Magic: memd.MagicReq, Op: memd.OpSASLListMechs}, deadline)
	if err != nil {
		return errors.Wrap(err, "sasl list mechs")
	}
	serverMechs := strings.Fields(string(resp.Value))

	mech := pickSASLMech(serverMechs, cfg.TLS.Enable)
	if mech == "" {
		return errors.Wrapf(ErrFeatureUnsupported, "no usable sasl mechanism in %v", serverMechs)
	}

	if mech == "PLAIN" {
		payload := make([]byte, 0, len(cfg.Username)+len(cfg.Password)+2)
		payload = append(payload, 0)
		payload = append(payload, cfg.Username...)
		payload = append(payload, 0)
		payload = append(payload, cfg.Password...)
		resp, err := mc.roundTrip(&memd.Packet{
			Magic: memd.MagicReq,
			Op:    memd.OpSASLAuth,
			Key:   []byte("PLAIN"),
			Value: payload,
		}, deadline)
		if err != nil {
			return errors.Wrap(err, "sasl plain")
		}
		if resp.Status != memd.StatusSuccess {
			return ErrAuthFailure
		}
		return nil
	}

	sc, err := newScramClient(mech, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	resp, err = mc.roundTrip(&memd.Packet{
		Magic: memd.MagicReq,
		Op:    memd.OpSASLAuth,
		Key:   []byte(mech),
		Value: sc.clientFirst(),
	}, deadline)
	if err != nil {
		return errors.Wrap(err, "sasl auth")
	}
	if resp.Status != memd.StatusAuthContinue {
		return ErrAuthFailure
	}

	final, err := sc.clientFinal(resp.Value)
	if err != nil {
		return errors.Wrap(ErrAuthFailure, err.Error())
	}
	resp, err = mc.roundTrip(&memd.Packet{
		Magic: memd.MagicReq,
		Op:    memd.OpSASLStep,
		Key:   []byte(mech),
		Value: final,
	}, deadline)
	if err != nil {
		return errors.Wrap(err, "sasl step")
	}
	if resp.Status != memd.StatusSuccess {
		return ErrAuthFailure
	}
	if err := sc.verifyServerFinal(resp.Value); err != nil {
		return errors.Wrap(ErrAuthFailure, err.Error())
	}
	return nil
}

func pickSASLMech(serverMechs []string, tlsOn bool) string {
	have := make(map[string]bool, len(serverMechs))
	for _, m := range serverMechs {
		have[strings.ToUpper(m)] = true
	}
	for _, m := range []string{"SCRAM-SHA512", "SCRAM-SHA256", "SCRAM-SHA1"} {
		if have[m] {
			return m
		}
	}
	if tlsOn && have["PLAIN"] {
		return "PLAIN"
	}
	return ""
}

func (mc *memdConn) selectBucket(bucket string, deadline time.Time) error {
	resp, err := mc.roundTrip(&memd.Packet{
		Magic: memd.MagicReq,
		Op:    memd.OpSelectBucket,
		Key:   []byte(bucket),
	}, deadline)
	if err != nil {
		return errors.Wrap(err, "select bucket")
	}
	switch resp.Status {
	case memd.StatusSuccess:
		return nil
	case memd.StatusKeyNotFound:
		return ErrBucketNotFound
	case memd.StatusAccessError, memd.StatusAuthError:
		return ErrAccessDenied
	default:
		return &statusError{status: resp.Status, op: memd.OpSelectBucket}
	}
}

// roundTrip performs a synchronous exchange during the handshake, before
// the read loop owns the stream.
func (mc *memdConn) roundTrip(pkt *memd.Packet, deadline time.Time) (*memd.Packet, error) {
	pkt.Opaque = mc.opaque.Add(1)
	if err := mc.writePacket(pkt, deadline); err != nil {
		return nil, err
	}
	_ = mc.conn.SetReadDeadline(deadline)
	defer mc.conn.SetReadDeadline(time.Time{})
	for {
		resp, err := memd.ReadPacket(mc.r, mc.maxFrame)
		if err != nil {
			return nil, err
		}
		// discard stray pushes during the handshake
		if resp.Magic == memd.MagicServerReq {
			continue
		}
		if resp.Opaque != pkt.Opaque {
			continue
		}
		return resp, nil
	}
}

func (mc *memdConn) writePacket(pkt *memd.Packet, deadline time.Time) error {
	mc.wmu.Lock()
	defer mc.wmu.Unlock()

	buf, err := memd.AppendPacket(mc.wbuf[:0], pkt)
	if err != nil {
		return err
	}
	mc.wbuf = buf

	if deadline.IsZero() {
		deadline = time.Now().Add(mc.writeTO)
	}
	_ = mc.conn.SetWriteDeadline(deadline)
	if _, err := mc.w.Write(buf); err != nil {
		return err
	}
	return mc.w.Flush()
}

// send dispatches one request and waits for its response or the context
// deadline. On timeout the pending entry is removed here, so a late
// response is discarded by the read loop. Whichever side removes the entry
// delivers the outcome.
func (mc *memdConn) send(ctx context.Context, pkt *memd.Packet) (*memd.Packet, error) {
	if connState(mc.state.Load()) != stateReady {
		return nil, ErrConnectionLost
	}

	op := pkt.Opaque
	if op == 0 {
		op = mc.opaque.Add(1)
		pkt.Opaque = op
	}

	p := &pendingOp{ch: make(chan *memd.Packet, 1), enqueued: time.Now()}
	mc.pend.Store(op, p)

	deadline, _ := ctx.Deadline()
	if err := mc.writePacket(pkt, deadline); err != nil {
		mc.pend.Delete(op)
		if isFatalTransport(err) {
			mc.drain(err)
			return nil, ErrConnectionLost
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}

	select {
	case resp := <-p.ch:
		return resp, nil
	case <-mc.closed:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		mc.pend.Delete(op)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// readLoop parses inbound frames and routes them by opaque. Unsolicited or
// late responses are dropped; server-pushed clustermap notifications go to
// the config provider.
func (mc *memdConn) readLoop() {
	for {
		pkt, err := memd.ReadPacket(mc.r, mc.maxFrame)
		if err != nil {
			mc.drain(err)
			return
		}

		if pkt.Magic == memd.MagicServerReq {
			if pkt.Op == memd.OpClusterMapNotif && mc.onConfigBlob != nil && len(pkt.Value) > 0 {
				mc.onConfigBlob(pkt.Value, mc.host)
			}
			continue
		}

		pAny, ok := mc.pend.LoadAndDelete(pkt.Opaque)
		if !ok {
			continue
		}
		pAny.(*pendingOp).ch <- pkt
	}
}

// drain moves the connection to Draining, fails every pending entry with
// ErrConnectionLost, then closes. Safe to call from multiple goroutines.
func (mc *memdConn) drain(cause error) {
	mc.closeOnce.Do(func() {
		mc.state.Store(int32(stateDraining))
		close(mc.closed)

		mc.pend.Range(func(k, _ any) bool {
			mc.pend.Delete(k)
			return true
		})
		_ = mc.conn.Close()
		mc.state.Store(int32(stateClosed))
		if cause != nil {
			mc.log.Debug("kv connection drained", zap.Error(cause))
		}
	})
}

func (mc *memdConn) close() {
	mc.drain(nil)
}

func (mc *memdConn) ready() bool {
	return connState(mc.state.Load()) == stateReady
}

// negotiated reports whether the server accepted a HELLO feature.
func (mc *memdConn) negotiated(f memd.Feature) bool {
	return mc.features[f]
}
