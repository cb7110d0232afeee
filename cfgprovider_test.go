package gocoral

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testProvider(t *testing.T, seeds ...string) (*configProvider, *clusterMap) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bucket = "default"
	cfg.HTTPSeeds = seeds
	cfg.fillDefaults()

	cm := &clusterMap{}
	cp := newConfigProvider(&cfg, cm, newAgentMetrics(nil))
	t.Cleanup(cp.stop)
	return cp, cm
}

func hostPortOf(t *testing.T, srvURL string) string {
	t.Helper()
	u, err := url.Parse(srvURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return u.Host
}

func TestProviderApplyBlobDedupAndRevisions(t *testing.T) {
	cp, cm := testProvider(t)

	blob := singleNodeConfig(3, "n1:11210")
	if !cp.applyBlob(blob, "n1") {
		t.Fatalf("first blob rejected")
	}
	// identical blob: digest short-circuit
	if cp.applyBlob(blob, "n1") {
		t.Fatalf("duplicate blob applied")
	}
	// older revision: parsed but refused by the map
	if cp.applyBlob(singleNodeConfig(2, "n1:11210"), "n1") {
		t.Fatalf("older revision applied")
	}
	if !cp.applyBlob(singleNodeConfig(4, "n1:11210"), "n1") {
		t.Fatalf("newer revision rejected")
	}
	if cm.get().rev != 4 {
		t.Fatalf("rev = %d, want 4", cm.get().rev)
	}

	if cp.applyBlob([]byte("not json"), "n1") {
		t.Fatalf("garbage applied")
	}
	if cp.applyBlob(nil, "n1") {
		t.Fatalf("empty blob applied")
	}
}

func TestProviderBootstrapHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/default/b/default" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(singleNodeConfig(5, "$HOST:11210"))
	}))
	defer srv.Close()

	cp, cm := testProvider(t, hostPortOf(t, srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cp.bootstrapHTTP(ctx, hostPortOf(t, srv.URL)); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	rc := cm.get()
	if rc == nil || rc.rev != 5 {
		t.Fatalf("map = %+v", rc)
	}
	if !strings.HasPrefix(rc.kvServers[0], "127.0.0.1:") {
		t.Fatalf("$HOST not substituted: %q", rc.kvServers[0])
	}
}

func TestProviderBootstrapHTTPBucketMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cp, _ := testProvider(t, hostPortOf(t, srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cp.bootstrapHTTP(ctx, hostPortOf(t, srv.URL)); err != ErrBucketNotFound {
		t.Fatalf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestProviderStreamingAppliesRevisions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/default/bs/default" {
			http.NotFound(w, r)
			return
		}
		fl, _ := w.(http.Flusher)
		_, _ = w.Write(singleNodeConfig(10, "n1:11210"))
		_, _ = w.Write([]byte(streamChunkSep))
		if fl != nil {
			fl.Flush()
		}
		_, _ = w.Write(singleNodeConfig(11, "n1:11210"))
		_, _ = w.Write([]byte(streamChunkSep))
		if fl != nil {
			fl.Flush()
		}
	}))
	defer srv.Close()

	cp, cm := testProvider(t, hostPortOf(t, srv.URL))
	cp.watch()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if rc := cm.get(); rc != nil && rc.rev == 11 {
			break
		}
		if time.Now().After(deadline) {
			rc := cm.get()
			t.Fatalf("streamed revisions not applied, map = %+v", rc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProviderNMVAppliesEmbeddedBlob(t *testing.T) {
	cp, cm := testProvider(t)
	cp.applyBlob(singleNodeConfig(1, "n1:11210"), "n1")

	cp.onNMV(singleNodeConfig(2, "n2:11210"), "n2")
	if cm.get().rev != 2 {
		t.Fatalf("embedded NMV blob not applied, rev = %d", cm.get().rev)
	}

	// an NMV with no blob schedules an out-of-band refresh instead
	cp.onNMV(nil, "n1")
	select {
	case <-cp.refreshCh:
	default:
		t.Fatalf("blobless NMV did not schedule a refresh")
	}
}

func TestSplitConfigChunks(t *testing.T) {
	data := []byte("aaa" + streamChunkSep + "bbb" + streamChunkSep)

	adv, tok, err := splitConfigChunks(data, false)
	if err != nil || string(tok) != "aaa" {
		t.Fatalf("first chunk: %q %v", tok, err)
	}
	adv2, tok2, err := splitConfigChunks(data[adv:], false)
	if err != nil || string(tok2) != "bbb" {
		t.Fatalf("second chunk: %q %v", tok2, err)
	}
	if rest := data[adv+adv2:]; len(rest) != 0 {
		t.Fatalf("leftover %q", rest)
	}

	// incomplete chunk: ask for more unless at EOF
	if adv, tok, _ := splitConfigChunks([]byte("partial"), false); adv != 0 || tok != nil {
		t.Fatalf("partial chunk consumed early")
	}
	if _, tok, _ := splitConfigChunks([]byte("partial"), true); string(tok) != "partial" {
		t.Fatalf("final chunk dropped at EOF")
	}
}
