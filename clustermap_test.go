package gocoral

import (
	"fmt"
	"sync"
	"testing"
)

const testConfigBlob = `{
	"rev": 42,
	"name": "default",
	"nodesExt": [
		{"hostname": "$HOST", "services": {"kv": 11210, "mgmt": 8091, "n1ql": 8093, "fts": 8094, "cbas": 8095, "capi": 8092}},
		{"hostname": "node2.local", "services": {"kv": 11210, "mgmt": 8091}}
	],
	"vBucketServerMap": {
		"hashAlgorithm": "CRC",
		"numReplicas": 1,
		"serverList": ["$HOST:11210", "node2.local:11210"],
		"vBucketMap": [[0,1],[1,0],[0,-1],[1,-1]]
	},
	"bucketCapabilities": ["cccp", "xattr"],
	"someFutureField": {"ignored": true}
}`

func TestParseRouteConfig(t *testing.T) {
	rc, err := parseRouteConfig([]byte(testConfigBlob), "node1.local")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if rc.rev != 42 {
		t.Fatalf("rev = %d, want 42", rc.rev)
	}
	if rc.bucket != "default" {
		t.Fatalf("bucket = %q", rc.bucket)
	}
	if rc.numVBuckets() != 4 {
		t.Fatalf("numVBuckets = %d, want 4", rc.numVBuckets())
	}
	if got := rc.kvServers[0]; got != "node1.local:11210" {
		t.Fatalf("$HOST not substituted: %q", got)
	}
	if !rc.hasCapability("cccp") {
		t.Fatalf("capability cccp missing")
	}

	addr, err := rc.nodeForVB(0, 0)
	if err != nil || addr != "node1.local:11210" {
		t.Fatalf("nodeForVB(0,0) = %q, %v", addr, err)
	}
	addr, err = rc.nodeForVB(1, 1)
	if err != nil || addr != "node1.local:11210" {
		t.Fatalf("nodeForVB(1,1) = %q, %v", addr, err)
	}
	if _, err := rc.nodeForVB(2, 1); err != ErrNoNode {
		t.Fatalf("replica of unreplicated vb: err = %v, want ErrNoNode", err)
	}
	if _, err := rc.nodeForVB(0, 5); err != ErrRangeError {
		t.Fatalf("replica index out of chain: err = %v, want ErrRangeError", err)
	}

	eps := rc.serviceEndpoints("query")
	if len(eps) != 1 || eps[0] != "http://node1.local:8093" {
		t.Fatalf("query endpoints = %v", eps)
	}
}

func TestParseRouteConfigRejectsNonPowerOfTwo(t *testing.T) {
	blob := `{"rev":1,"vBucketServerMap":{"serverList":["a:11210"],"vBucketMap":[[0],[0],[0]]}}`
	if _, err := parseRouteConfig([]byte(blob), "h"); err == nil {
		t.Fatalf("expected error for 3 partitions")
	}
}

func TestClusterMapRevisionMonotonic(t *testing.T) {
	var m clusterMap

	if !m.apply(&routeConfig{rev: 5}) {
		t.Fatalf("initial apply rejected")
	}
	if m.apply(&routeConfig{rev: 5}) {
		t.Fatalf("equal revision applied")
	}
	if m.apply(&routeConfig{rev: 3}) {
		t.Fatalf("older revision applied")
	}
	if !m.apply(&routeConfig{rev: 9}) {
		t.Fatalf("newer revision rejected")
	}
	if m.get().rev != 9 {
		t.Fatalf("rev = %d, want 9", m.get().rev)
	}
}

func TestClusterMapConcurrentApplyKeepsHighestRev(t *testing.T) {
	var m clusterMap
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(rev int64) {
			defer wg.Done()
			m.apply(&routeConfig{rev: rev})
		}(int64(i))
	}
	wg.Wait()
	if got := m.get().rev; got != 64 {
		t.Fatalf("rev = %d, want 64", got)
	}
}

func TestParseRouteConfigMalformed(t *testing.T) {
	for i, blob := range []string{
		`not json`,
		`{"rev":1}`,
		fmt.Sprintf(`{"rev":1,"vBucketServerMap":{"serverList":[],"vBucketMap":%s}}`, `[]`),
	} {
		if _, err := parseRouteConfig([]byte(blob), "h"); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
