package gocoral

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/unkn0wn-root/gocoral/memd"
)

// fakeKVServer speaks just enough of the binary protocol to bring a
// connection to Ready and exercise the dispatch paths. The handshake steps
// HELLO, SASL mechanism listing and SELECT_BUCKET are answered
// automatically; everything else, SASL auth and step included,
// goes through handle, which may return zero or more response packets. A
// response with opaque zero inherits the request's opaque; a preset opaque
// is kept, which lets a handler answer earlier held requests out of order.
type fakeKVServer struct {
	t  *testing.T
	ln net.Listener

	mu     sync.Mutex
	handle func(pkt *memd.Packet) []*memd.Packet

	reqCh chan *memd.Packet
}

func newFakeKVServer(t *testing.T, handle func(pkt *memd.Packet) []*memd.Packet) *fakeKVServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeKVServer{t: t, ln: ln, handle: handle, reqCh: make(chan *memd.Packet, 64)}
	t.Cleanup(func() { _ = ln.Close() })
	go s.acceptLoop()
	return s
}

func (s *fakeKVServer) addr() string { return s.ln.Addr().String() }

func (s *fakeKVServer) setHandler(h func(pkt *memd.Packet) []*memd.Packet) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *fakeKVServer) handler() func(pkt *memd.Packet) []*memd.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *fakeKVServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(c)
	}
}

func (s *fakeKVServer) serveConn(c net.Conn) {
	defer c.Close()
	for {
		pkt, err := memd.ReadPacket(c, 0)
		if err != nil {
			return
		}

		var resps []*memd.Packet
		switch pkt.Op {
		case memd.OpHello:
			// accept every requested feature
			resps = append(resps, &memd.Packet{
				Magic:  memd.MagicRes,
				Op:     memd.OpHello,
				Opaque: pkt.Opaque,
				Value:  append([]byte(nil), pkt.Value...),
			})
		case memd.OpSASLListMechs:
			resps = append(resps, &memd.Packet{
				Magic:  memd.MagicRes,
				Op:     memd.OpSASLListMechs,
				Opaque: pkt.Opaque,
				Value:  []byte("PLAIN SCRAM-SHA1 SCRAM-SHA256 SCRAM-SHA512"),
			})
		case memd.OpSelectBucket:
			resps = append(resps, &memd.Packet{
				Magic:  memd.MagicRes,
				Op:     memd.OpSelectBucket,
				Opaque: pkt.Opaque,
			})
		default:
			select {
			case s.reqCh <- pkt:
			default:
			}
			if h := s.handler(); h != nil {
				for _, r := range h(pkt) {
					if r == nil {
						continue
					}
					if r.Opaque == 0 {
						r.Opaque = pkt.Opaque
					}
					resps = append(resps, r)
				}
			}
		}

		for _, resp := range resps {
			buf, err := memd.EncodePacket(resp)
			if err != nil {
				s.t.Errorf("fake server encode: %v", err)
				return
			}
			if _, err := c.Write(buf); err != nil {
				return
			}
		}
	}
}

// successRes builds a plain success response for a request.
func successRes(op memd.OpCode, value []byte, cas uint64) *memd.Packet {
	return &memd.Packet{Magic: memd.MagicRes, Op: op, Status: memd.StatusSuccess, Value: value, CAS: cas}
}

func statusRes(op memd.OpCode, status memd.Status) *memd.Packet {
	return &memd.Packet{Magic: memd.MagicRes, Op: op, Status: status}
}

// singleNodeConfig builds a config blob mapping every one of 64 partitions
// to the given server address.
func singleNodeConfig(rev int64, addr string) []byte {
	return multiNodeConfig(rev, []string{addr}, 0)
}

// multiNodeConfig maps all 64 partitions to servers[owner].
func multiNodeConfig(rev int64, servers []string, owner int) []byte {
	blob := `{"rev":` + itoa(rev) + `,"name":"default","vBucketServerMap":{"hashAlgorithm":"CRC","numReplicas":0,"serverList":[`
	for i, s := range servers {
		if i > 0 {
			blob += ","
		}
		blob += `"` + s + `"`
	}
	blob += `],"vBucketMap":[`
	for i := 0; i < 64; i++ {
		if i > 0 {
			blob += ","
		}
		blob += `[` + itoa(int64(owner)) + `]`
	}
	blob += `]}}`
	return []byte(blob)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// newTestAgent wires an Agent around an already-known map, bypassing
// bootstrap.
func newTestAgent(t *testing.T, blob []byte) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.fillDefaults()

	a := &Agent{
		cfg:      cfg,
		met:      newAgentMetrics(nil),
		log:      cfg.Logger,
		pools:    make(map[string]*connPool),
		closedCh: make(chan struct{}),
	}
	a.provider = newConfigProvider(&a.cfg, &a.cm, a.met)
	if !a.provider.applyBlob(blob, "127.0.0.1") {
		t.Fatalf("test config rejected")
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// uint64BE is a tiny helper for counter test values.
func uint64BE(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
