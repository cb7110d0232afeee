package gocoral

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// connPool is the bounded set of connections to one node. Acquire hands out
// the least-leased Ready connection; when none exists and the pool is not at
// size, a replacement dial starts and the caller joins a FIFO waiter queue.
// Connections that drained are pruned and lazily replaced on the next
// acquire.
type connPool struct {
	addr string
	size int
	dial func(ctx context.Context) (*memdConn, error)
	log  *zap.Logger

	mu      sync.Mutex
	conns   []*poolConn
	waiters []*poolWaiter // FIFO
	dialing int
	closed  bool
}

type poolConn struct {
	mc     *memdConn
	leases int
}

type poolWaiter struct {
	ch chan acquireRes
}

type acquireRes struct {
	mc  *memdConn
	err error
}

func newConnPool(addr string, size int, log *zap.Logger, dial func(ctx context.Context) (*memdConn, error)) *connPool {
	if size < 1 {
		size = 1
	}
	if size > 64 {
		size = 64
	}
	return &connPool{
		addr: addr,
		size: size,
		dial: dial,
		log:  log.With(zap.String("endpoint", addr)),
	}
}

// acquire returns a Ready connection or waits until one appears or the
// context deadline lapses, in which case it reports ErrNoCapacity. The
// waiter queue is strictly FIFO.
func (p *connPool) acquire(ctx context.Context) (*memdConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	p.pruneLocked()

	if pc := p.leastLeasedLocked(); pc != nil {
		pc.leases++
		p.mu.Unlock()
		return pc.mc, nil
	}

	if len(p.conns)+p.dialing < p.size {
		p.dialing++
		go p.dialAndInstall()
	}

	w := &poolWaiter{ch: make(chan acquireRes, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.mc, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, q := range p.waiters {
			if q == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// a connection may have been delivered while we were cancelling;
		// hand the lease back so it is not stranded.
		select {
		case res := <-w.ch:
			if res.mc != nil {
				p.release(res.mc)
			}
		default:
		}
		return nil, ErrNoCapacity
	}
}

// release returns a lease taken by acquire. Safe after cancellation and
// after the connection drained.
func (p *connPool) release(mc *memdConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		if pc.mc == mc {
			if pc.leases > 0 {
				pc.leases--
			}
			return
		}
	}
}

func (p *connPool) pruneLocked() {
	kept := p.conns[:0]
	for _, pc := range p.conns {
		if pc.mc.ready() {
			kept = append(kept, pc)
		} else {
			pc.mc.close()
		}
	}
	p.conns = kept
}

func (p *connPool) leastLeasedLocked() *poolConn {
	var best *poolConn
	for _, pc := range p.conns {
		if best == nil || pc.leases < best.leases {
			best = pc
		}
	}
	return best
}

func (p *connPool) dialAndInstall() {
	ctx := context.Background()
	mc, err := p.dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		// wake everyone: the error classifies for retry upstream, and a
		// sleeping waiter cannot trigger the next dial attempt.
		ws := p.waiters
		p.waiters = nil
		p.mu.Unlock()
		p.log.Warn("kv dial failed", zap.Error(err))
		for _, w := range ws {
			w.ch <- acquireRes{err: err}
		}
		return
	}

	if p.closed {
		p.mu.Unlock()
		mc.close()
		return
	}

	// the new connection is multiplexed, so every queued waiter can share
	// it; each takes its own lease, in arrival order.
	pc := &poolConn{mc: mc}
	p.conns = append(p.conns, pc)
	ws := p.waiters
	p.waiters = nil
	pc.leases += len(ws)
	p.mu.Unlock()
	for _, w := range ws {
		w.ch <- acquireRes{mc: mc}
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	ws := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, pc := range conns {
		pc.mc.close()
	}
	for _, w := range ws {
		w.ch <- acquireRes{err: ErrShutdown}
	}
}
