package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Dialer establishes a connection from the given configuration.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

// Pool shares broker connections across listeners. Connections are keyed by
// the effective connection parameters and reference-counted by lease; the
// underlying connection closes when the last lease is released.
type Pool struct {
	mu     sync.Mutex
	dialer Dialer
	conns  map[string]*pooledConn
	logger *slog.Logger
}

type pooledConn struct {
	conn Conn
	refs int
}

// NewPool creates a connection pool using the given dialer.
func NewPool(dialer Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = Logger("broker>pool")
	}
	return &Pool{
		dialer: dialer,
		conns:  make(map[string]*pooledConn),
		logger: logger,
	}
}

// Lease is one listener's attachment to a pooled connection.
type Lease struct {
	pool     *Pool
	key      string
	conn     Conn
	released bool
	mu       sync.Mutex
}

// Conn returns the shared connection.
func (l *Lease) Conn() Conn {
	return l.conn
}

// Release detaches from the pooled connection, closing it when this was the
// last attachment. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.key)
}

// Get leases a connection for the given configuration, dialing a new one
// when no listener currently shares the same effective parameters.
func (p *Pool) Get(ctx context.Context, cfg Config) (*Lease, error) {
	key := cfg.Key()

	p.mu.Lock()
	if pc, ok := p.conns[key]; ok {
		pc.refs++
		p.mu.Unlock()
		p.logger.Debug("reusing pooled connection", "addr", cfg.Addr(), "refs", pc.refs)
		return &Lease{pool: p, key: key, conn: pc.conn}, nil
	}
	p.mu.Unlock()

	// Dial outside the lock so a slow connect does not stall siblings.
	conn, err := p.dialer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if pc, ok := p.conns[key]; ok {
		// Lost the race with a concurrent dial for the same key.
		pc.refs++
		p.mu.Unlock()
		conn.Close()
		return &Lease{pool: p, key: key, conn: pc.conn}, nil
	}
	p.conns[key] = &pooledConn{conn: conn, refs: 1}
	p.mu.Unlock()

	p.logger.Debug("opened pooled connection", "addr", cfg.Addr())
	return &Lease{pool: p, key: key, conn: conn}, nil
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	pc, ok := p.conns[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	pc.refs--
	if pc.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.conns, key)
	p.mu.Unlock()

	if err := pc.conn.Close(); err != nil {
		p.logger.Warn("failed to close pooled connection", "error", err)
	}
}

// CloseAll force-closes every pooled connection regardless of outstanding
// leases. Used by the supervisor during final teardown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		if err := pc.conn.Close(); err != nil {
			p.logger.Warn("failed to close pooled connection", "error", err)
		}
	}
}

// Size returns the number of distinct pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
