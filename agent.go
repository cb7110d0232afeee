// Package gocoral is the core client for the Coral distributed document
// database. It tracks cluster topology, routes each KV operation to the
// node owning its partition over a small pool of multiplexed connections,
// and exposes the HTTP query services through streaming result readers.
package gocoral

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/gocoral/memd"
	"github.com/unkn0wn-root/gocoral/query"
)

// Agent is the cluster handle. Its lifetime bounds every subcomponent:
// config provider, per-node pools and in-flight operations.
type Agent struct {
	cfg      Config
	cm       clusterMap
	provider *configProvider
	met      *agentMetrics
	log      *zap.Logger

	poolsMu sync.Mutex
	pools   map[string]*connPool

	qclientInit sync.Once
	q           *query.Client

	closeOnce sync.Once
	closedCh  chan struct{}
}

// errBootstrapped aborts the seed race once one seed has produced a config.
var errBootstrapped = errors.New("bootstrapped")

// CreateAgent connects to the cluster and blocks until an initial cluster
// map is obtained or ctx expires. Each seed is raced: the HTTP terse
// endpoint first, the KV config command as fallback.
func CreateAgent(ctx context.Context, cfg Config) (*Agent, error) {
	cfg.fillDefaults()
	if len(cfg.Seeds) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "no seeds")
	}
	if len(cfg.HTTPSeeds) == 0 {
		for _, s := range cfg.Seeds {
			host, _, err := net.SplitHostPort(s)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidConfig, "bad seed %q", s)
			}
			cfg.HTTPSeeds = append(cfg.HTTPSeeds, net.JoinHostPort(host, "8091"))
		}
	}

	a := &Agent{
		cfg:      cfg,
		met:      newAgentMetrics(cfg.Registerer),
		log:      cfg.Logger.Named("gocoral"),
		pools:    make(map[string]*connPool),
		closedCh: make(chan struct{}),
	}
	a.provider = newConfigProvider(&a.cfg, &a.cm, a.met)

	if err := a.bootstrap(ctx); err != nil {
		a.provider.stop()
		return nil, err
	}

	a.provider.watch()
	return a, nil
}

// bootstrap races all seeds; the winner's config becomes the first map.
// The group context cancels the losers once a seed succeeds.
func (a *Agent) bootstrap(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, seed := range a.cfg.Seeds {
		kvSeed := seed
		httpSeed := a.cfg.HTTPSeeds[i%len(a.cfg.HTTPSeeds)]
		g.Go(func() error {
			if err := a.provider.bootstrapHTTP(gctx, httpSeed); err == nil {
				return errBootstrapped
			}
			if err := a.bootstrapKV(gctx, kvSeed); err == nil {
				return errBootstrapped
			} else if gctx.Err() == nil {
				a.log.Debug("seed bootstrap failed", zap.String("seed", kvSeed), zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, errBootstrapped) || a.cm.get() != nil {
		if a.cm.get() == nil {
			return ErrNoMap
		}
		return nil
	}
	if err != nil {
		return err
	}
	return errors.Wrap(ErrNoMap, "no seed produced a cluster config")
}

// bootstrapKV dials one seed and asks it for the current config over the
// KV plane.
func (a *Agent) bootstrapKV(ctx context.Context, seed string) error {
	mc, err := dialMemd(ctx, seed, &a.cfg, a.provider.applyBlobIgnoreResult)
	if err != nil {
		a.met.dialFailures.Inc()
		return err
	}
	defer mc.close()

	resp, err := mc.send(ctx, &memd.Packet{
		Magic: memd.MagicReq,
		Op:    memd.OpGetClusterConfig,
	})
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		return errors.Errorf("get cluster config: status 0x%02x", uint16(resp.Status))
	}
	if !a.provider.applyBlob(resp.Value, mc.host) && a.cm.get() == nil {
		return errors.New("seed returned no usable config")
	}
	return nil
}

// poolFor returns (creating on first use) the pool for a KV endpoint.
func (a *Agent) poolFor(addr string) *connPool {
	a.poolsMu.Lock()
	defer a.poolsMu.Unlock()
	if p, ok := a.pools[addr]; ok {
		return p
	}
	p := newConnPool(addr, a.cfg.NumKVConnections, a.log, func(ctx context.Context) (*memdConn, error) {
		dctx, cancel := context.WithTimeout(ctx, a.cfg.Lim.ConnectTimeout)
		defer cancel()
		mc, err := dialMemd(dctx, addr, &a.cfg, a.provider.onNMV)
		if err != nil {
			a.met.dialFailures.Inc()
		}
		return mc, err
	})
	a.pools[addr] = p
	return p
}

// queryEndpoints implements the endpoint source for the query subpackage.
func (a *Agent) queryEndpoints(service string) []string {
	rc := a.cm.get()
	if rc == nil {
		return nil
	}
	return rc.serviceEndpoints(service)
}

// queryExecutor builds the HTTP query client bound to this agent's
// topology and credentials.
func (a *Agent) queryExecutor() *query.Client {
	return query.NewClient(query.ClientConfig{
		Endpoints: a.queryEndpoints,
		Bucket:    a.cfg.Bucket,
		Username:  a.cfg.Username,
		Password:  a.cfg.Password,
		TLS:       a.cfg.tlsConfig(),
		Timeout:   a.cfg.QueryTimeout,
		Logger:    a.cfg.Logger,
	})
}

// Close shuts the agent down: the config subscription stops and every pool
// drains. In-flight operations fail with ErrShutdown or ErrConnectionLost.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		close(a.closedCh)
		a.provider.stop()

		a.poolsMu.Lock()
		pools := make([]*connPool, 0, len(a.pools))
		for _, p := range a.pools {
			pools = append(pools, p)
		}
		a.pools = make(map[string]*connPool)
		a.poolsMu.Unlock()

		for _, p := range pools {
			p.close()
		}
		a.log.Debug("agent closed")
	})
	return nil
}

// NumVBuckets reports the partition count of the current map, or zero when
// no map is held yet.
func (a *Agent) NumVBuckets() int {
	rc := a.cm.get()
	if rc == nil {
		return 0
	}
	return rc.numVBuckets()
}
