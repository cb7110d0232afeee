package gocoral

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/unkn0wn-root/gocoral/memd"
)

func TestCreateAgentBootstrapsOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pools/default/b/default" {
			_, _ = w.Write(singleNodeConfig(3, "$HOST:11210"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Bucket = "default"
	cfg.Seeds = []string{"127.0.0.1:11210"}
	cfg.HTTPSeeds = []string{hostPortOf(t, srv.URL)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := CreateAgent(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	defer a.Close()

	if a.NumVBuckets() != 64 {
		t.Fatalf("NumVBuckets = %d, want 64", a.NumVBuckets())
	}
}

func TestCreateAgentBootstrapsOverKV(t *testing.T) {
	kv := newFakeKVServer(t, nil)
	kv.setHandler(func(pkt *memd.Packet) []*memd.Packet {
		if pkt.Op != memd.OpGetClusterConfig {
			return []*memd.Packet{statusRes(pkt.Op, memd.StatusUnknownCommand)}
		}
		resp := successRes(memd.OpGetClusterConfig, singleNodeConfig(2, kv.addr()), 0)
		return []*memd.Packet{resp}
	})

	cfg := DefaultConfig()
	cfg.Bucket = "default"
	cfg.Seeds = []string{kv.addr()}
	// no manager runs here; the HTTP attempt must fail over to KV
	cfg.HTTPSeeds = []string{"127.0.0.1:1"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := CreateAgent(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	defer a.Close()

	if rc := a.cm.get(); rc == nil || rc.rev != 2 {
		t.Fatalf("map = %+v", rc)
	}
}

func TestCreateAgentFailsWithNoSeeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := CreateAgent(ctx, Config{}); err == nil {
		t.Fatalf("agent created with no seeds")
	}
}

func TestAgentCloseIsIdempotentAndStopsOps(t *testing.T) {
	srv := newFakeKVServer(t, func(pkt *memd.Packet) []*memd.Packet {
		return []*memd.Packet{successRes(pkt.Op, []byte("v"), 1)}
	})
	a := newTestAgent(t, singleNodeConfig(1, srv.addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.Get(ctx, []byte("k")); err != nil {
		t.Fatalf("get before close: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := a.Get(ctx, []byte("k")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("post-close get err = %v, want ErrShutdown", err)
	}
}
