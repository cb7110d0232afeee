package gocoral

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	cfgBackoffBase = 100 * time.Millisecond
	cfgBackoffCap  = 10 * time.Second

	// streamChunkSep separates config revisions on the streaming endpoint.
	streamChunkSep = "\n\n\n\n"
)

// configProvider keeps the cluster map current. One long-lived streaming
// HTTP subscription delivers revisions as they happen; NMV-embedded blobs
// and server-pushed notifications are applied out of band. Identical raw
// blobs are skipped by digest before the JSON is touched.
type configProvider struct {
	bucket    string
	httpSeeds []string
	username  string
	password  string
	scheme    string

	cm      *clusterMap
	httpCli *http.Client
	log     *zap.Logger
	met     *agentMetrics

	lastDigest atomic.Uint64
	refreshCh  chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	seedIdx    int
}

func newConfigProvider(cfg *Config, cm *clusterMap, met *agentMetrics) *configProvider {
	scheme := "http"
	if cfg.TLS.Enable {
		scheme = "https"
	}
	return &configProvider{
		bucket:    cfg.Bucket,
		httpSeeds: cfg.HTTPSeeds,
		username:  cfg.Username,
		password:  cfg.Password,
		scheme:    scheme,
		cm:        cm,
		httpCli: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   cfg.tlsConfig(),
				DisableKeepAlives: false,
			},
		},
		log:       cfg.Logger.Named("cfg"),
		met:       met,
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// applyBlob parses and installs a raw config blob. Returns whether the map
// advanced. sourceHost substitutes the $HOST placeholder.
func (cp *configProvider) applyBlob(blob []byte, sourceHost string) bool {
	if len(blob) == 0 {
		return false
	}

	digest := xxhash.Sum64(blob)
	if digest == cp.lastDigest.Load() {
		return false
	}

	rc, err := parseRouteConfig(blob, sourceHost)
	if err != nil {
		cp.log.Warn("discarding unparseable config", zap.Error(err))
		return false
	}

	if !cp.cm.apply(rc) {
		cp.lastDigest.Store(digest)
		return false
	}
	cp.lastDigest.Store(digest)
	if cp.met != nil {
		cp.met.configUpdates.Inc()
	}
	cp.log.Debug("cluster map advanced",
		zap.Int64("rev", rc.rev),
		zap.Int("nodes", len(rc.nodes)),
		zap.Int("partitions", rc.numVBuckets()))
	return true
}

// applyBlobIgnoreResult adapts applyBlob to the connection push callback.
func (cp *configProvider) applyBlobIgnoreResult(blob []byte, sourceHost string) {
	cp.applyBlob(blob, sourceHost)
}

// onNMV handles a not-my-vbucket signal: apply the embedded blob when the
// server sent one, otherwise schedule an out-of-band refresh.
func (cp *configProvider) onNMV(blob []byte, sourceHost string) {
	if len(blob) > 0 {
		if cp.applyBlob(blob, sourceHost) {
			return
		}
	}
	select {
	case cp.refreshCh <- struct{}{}:
	default:
	}
}

// bootstrapHTTP fetches one config snapshot from the terse endpoint of the
// given seed.
func (cp *configProvider) bootstrapHTTP(ctx context.Context, seed string) error {
	blob, host, err := cp.fetchTerse(ctx, seed)
	if err != nil {
		return err
	}
	if !cp.applyBlob(blob, host) && cp.cm.get() == nil {
		return errors.New("seed returned no usable config")
	}
	return nil
}

func (cp *configProvider) terseURL(seed string) string {
	return fmt.Sprintf("%s://%s/pools/default/b/%s", cp.scheme, seed, cp.bucket)
}

func (cp *configProvider) fetchTerse(ctx context.Context, seed string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cp.terseURL(seed), nil)
	if err != nil {
		return nil, "", err
	}
	if cp.username != "" {
		req.SetBasicAuth(cp.username, cp.password)
	}

	resp, err := cp.httpCli.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "fetch config from %s", seed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrBucketNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("config endpoint %s returned %d", seed, resp.StatusCode)
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", err
	}
	host, _, _ := net.SplitHostPort(seed)
	return blob, host, nil
}

// watch runs the streaming subscription until stop. Each drop reconnects
// with full-jitter exponential back-off, rotating through the seeds. An
// out-of-band refresh request resets the cadence immediately.
func (cp *configProvider) watch() {
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		attempt := 0
		for {
			select {
			case <-cp.stopCh:
				return
			default:
			}

			seed := cp.nextSeed()
			if seed == "" {
				return
			}
			err := cp.streamFrom(seed)
			if err != nil && !errors.Is(err, context.Canceled) {
				cp.log.Debug("config stream dropped", zap.String("seed", seed), zap.Error(err))
			}

			delay := fullJitterBackoff(cfgBackoffBase, cfgBackoffCap, attempt)
			attempt++
			select {
			case <-cp.stopCh:
				return
			case <-cp.refreshCh:
				attempt = 0
			case <-time.After(delay):
			}
		}
	}()
}

func (cp *configProvider) nextSeed() string {
	if len(cp.httpSeeds) == 0 {
		return ""
	}
	s := cp.httpSeeds[cp.seedIdx%len(cp.httpSeeds)]
	cp.seedIdx++
	return s
}

// streamFrom holds one chunked subscription open, applying every config
// revision the server pushes. Chunks are separated by a blank-line marker.
func (cp *configProvider) streamFrom(seed string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cp.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	url := fmt.Sprintf("%s://%s/pools/default/bs/%s", cp.scheme, seed, cp.bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cp.username != "" {
		req.SetBasicAuth(cp.username, cp.password)
	}

	resp, err := cp.httpCli.Do(req)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", seed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrBucketNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("streaming endpoint %s returned %d", seed, resp.StatusCode)
	}

	host, _, _ := net.SplitHostPort(seed)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 20<<20)
	sc.Split(splitConfigChunks)
	for sc.Scan() {
		chunk := bytes.TrimSpace(sc.Bytes())
		if len(chunk) == 0 {
			continue
		}
		cp.applyBlob(chunk, host)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// splitConfigChunks is a bufio.SplitFunc cutting the stream at the
// four-newline marker the server emits between revisions.
func splitConfigChunks(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(streamChunkSep)); i >= 0 {
		return i + len(streamChunkSep), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (cp *configProvider) stop() {
	cp.stopOnce.Do(func() {
		close(cp.stopCh)
	})
	cp.wg.Wait()
}
