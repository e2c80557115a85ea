// Package proxy implements the netstore fan-out proxy: one client session is
// transparently multiplexed into parallel sessions against several storage
// backends. Uploads are applied to all of them through a distributed
// two-phase commit; downloads are served from any healthy one.
package proxy

import (
	"net"
	"time"

	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/metrics"
)

// Config holds the proxy settings.
type Config struct {
	adapter.BaseConfig

	// Backends lists the storage servers as host:port pairs. Every backend
	// holds the full namespace.
	Backends []string

	// ReconnectDelay is the pause before re-dialing a lost pool backend.
	ReconnectDelay time.Duration
}

// Proxy is the fan-out proxy. It embeds the shared TCP lifecycle and owns
// the pool of persistent backend connections.
type Proxy struct {
	*adapter.BaseAdapter

	pool    []*Backend
	metrics metrics.ProxyMetrics
}

// New creates a proxy and dials its pool backends in the background.
// Metrics may be nil.
func New(cfg Config, m metrics.ProxyMetrics) *Proxy {
	base := adapter.NewBaseAdapter(cfg.BaseConfig, "proxy")
	base.Metrics = m

	pool := make([]*Backend, 0, len(cfg.Backends))
	for _, addr := range cfg.Backends {
		pool = append(pool, NewPoolBackend(addr, cfg.ReconnectDelay, m))
	}

	return &Proxy{
		BaseAdapter: base,
		pool:        pool,
		metrics:     m,
	}
}

// NewConnection implements adapter.ConnectionFactory.
func (p *Proxy) NewConnection(conn net.Conn) adapter.ConnectionHandler {
	return newFrontend(p, conn)
}

// PoolSnapshot returns the current pool backends. The slice is a copy; the
// backends are shared.
func (p *Proxy) PoolSnapshot() []*Backend {
	out := make([]*Backend, len(p.pool))
	copy(out, p.pool)
	return out
}

// Stop shuts down the listener and the backend pool.
func (p *Proxy) Stop() error {
	err := p.BaseAdapter.Stop()
	for _, b := range p.pool {
		b.Close()
	}
	return err
}
