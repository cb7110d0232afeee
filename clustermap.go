package gocoral

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// routeNode is one cluster node with the ports it exposes per service.
// Zero means the node does not run that service.
type routeNode struct {
	Hostname      string
	KVPort        int
	MgmtPort      int
	ViewsPort     int
	QueryPort     int
	SearchPort    int
	AnalyticsPort int
}

func (n routeNode) kvAddr() string {
	return net.JoinHostPort(n.Hostname, strconv.Itoa(n.KVPort))
}

func (n routeNode) httpAddr(port int) string {
	return net.JoinHostPort(n.Hostname, strconv.Itoa(port))
}

// routeConfig is an immutable topology snapshot. A new snapshot replaces
// the old one atomically; nothing here is mutated after parse.
type routeConfig struct {
	rev          int64
	bucket       string
	nodes        []routeNode
	kvServers    []string // index space of vbMap entries
	vbMap        [][]int  // per partition: [owner, replica1, ...]; -1 = none
	numReplicas  int
	capabilities map[string]struct{}
}

func (rc *routeConfig) numVBuckets() int {
	return len(rc.vbMap)
}

func (rc *routeConfig) hasCapability(cap string) bool {
	_, ok := rc.capabilities[cap]
	return ok
}

// nodeForVB resolves the KV address serving the given partition at the given
// replica index (0 = active owner).
func (rc *routeConfig) nodeForVB(vb uint16, replicaIdx int) (string, error) {
	if int(vb) >= len(rc.vbMap) {
		return "", ErrNoNode
	}
	chain := rc.vbMap[vb]
	if replicaIdx >= len(chain) {
		return "", ErrRangeError
	}
	srv := chain[replicaIdx]
	if srv < 0 || srv >= len(rc.kvServers) {
		return "", ErrNoNode
	}
	return rc.kvServers[srv], nil
}

// serviceEndpoints lists the HTTP base URLs of every node running the named
// service.
func (rc *routeConfig) serviceEndpoints(service string) []string {
	scheme := "http"
	var out []string
	for _, n := range rc.nodes {
		var port int
		switch service {
		case "mgmt":
			port = n.MgmtPort
		case "views":
			port = n.ViewsPort
		case "query":
			port = n.QueryPort
		case "search":
			port = n.SearchPort
		case "analytics":
			port = n.AnalyticsPort
		}
		if port > 0 {
			out = append(out, fmt.Sprintf("%s://%s", scheme, n.httpAddr(port)))
		}
	}
	return out
}

// Wire shapes of the terse bucket config. Unknown fields are ignored so new
// server releases stay parseable.
type cfgNodeExt struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
}

type cfgVBucketServerMap struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

type cfgBucket struct {
	Rev                int64               `json:"rev"`
	Name               string              `json:"name"`
	NodesExt           []cfgNodeExt        `json:"nodesExt"`
	VBSMap             cfgVBucketServerMap `json:"vBucketServerMap"`
	BucketCapabilities []string            `json:"bucketCapabilities"`
}

// parseRouteConfig decodes a config blob into a snapshot. sourceHost
// replaces the $HOST placeholder the server emits for the node the blob was
// fetched from.
func parseRouteConfig(blob []byte, sourceHost string) (*routeConfig, error) {
	var cfg cfgBucket
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse cluster config")
	}
	if len(cfg.VBSMap.VBucketMap) == 0 {
		return nil, errors.New("cluster config has no vbucket map")
	}
	if !validPartitionCount(len(cfg.VBSMap.VBucketMap)) {
		return nil, errors.Wrapf(ErrInvalidConfig, "partition count %d not a power of two", len(cfg.VBSMap.VBucketMap))
	}

	rc := &routeConfig{
		rev:          cfg.Rev,
		bucket:       cfg.Name,
		vbMap:        cfg.VBSMap.VBucketMap,
		numReplicas:  cfg.VBSMap.NumReplicas,
		capabilities: make(map[string]struct{}, len(cfg.BucketCapabilities)),
	}
	for _, c := range cfg.BucketCapabilities {
		rc.capabilities[c] = struct{}{}
	}

	for _, s := range cfg.VBSMap.ServerList {
		rc.kvServers = append(rc.kvServers, strings.Replace(s, "$HOST", sourceHost, 1))
	}

	for _, ne := range cfg.NodesExt {
		host := ne.Hostname
		if host == "" || host == "$HOST" {
			host = sourceHost
		}
		n := routeNode{Hostname: host}
		for svc, port := range ne.Services {
			switch svc {
			case "kv", "kvSSL":
				n.KVPort = port
			case "mgmt", "mgmtSSL":
				n.MgmtPort = port
			case "capi", "capiSSL":
				n.ViewsPort = port
			case "n1ql", "n1qlSSL":
				n.QueryPort = port
			case "fts", "ftsSSL":
				n.SearchPort = port
			case "cbas", "cbasSSL":
				n.AnalyticsPort = port
			}
		}
		rc.nodes = append(rc.nodes, n)
	}

	return rc, nil
}

// clusterMap is the atomically swapped holder of the current snapshot.
// Readers load once per operation and keep that snapshot until their next
// retry; writers only move the revision forward.
type clusterMap struct {
	ptr atomic.Pointer[routeConfig]
}

func (m *clusterMap) get() *routeConfig {
	return m.ptr.Load()
}

// apply installs rc only when its revision is strictly newer. Returns
// whether the snapshot was installed.
func (m *clusterMap) apply(rc *routeConfig) bool {
	for {
		cur := m.ptr.Load()
		if cur != nil && rc.rev <= cur.rev {
			return false
		}
		if m.ptr.CompareAndSwap(cur, rc) {
			return true
		}
	}
}
