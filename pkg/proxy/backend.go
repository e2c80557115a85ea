package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/metrics"
)

// ErrNotConnected reports an operation on a backend whose connection is
// currently down.
var ErrNotConnected = errors.New("proxy: backend not connected")

// dialTimeout bounds the dial of a transaction backend.
const dialTimeout = 10 * time.Second

// Backend is one proxy-to-storage connection.
//
// Two lifecycles share this type. Pool backends (autoconnect) are created at
// proxy startup, live for the whole process, re-dial with a fixed delay when
// the connection drops, and only ever serve downloads. Transaction backends
// are dialed per client write transaction, one per pool backend, and are
// closed when the transaction finishes.
type Backend struct {
	addr           string
	autoconnect    bool
	reconnectDelay time.Duration
	metrics        metrics.ProxyMetrics

	mu   sync.Mutex
	conn net.Conn

	// opMu serializes request/response exchanges. Pool backends are shared
	// by every frontend session, so a download must own the stream for its
	// whole duration.
	opMu sync.Mutex

	lost     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoolBackend creates an autoconnecting pool backend and starts its
// reconnect loop.
func NewPoolBackend(addr string, reconnectDelay time.Duration, m metrics.ProxyMetrics) *Backend {
	b := &Backend{
		addr:           addr,
		autoconnect:    true,
		reconnectDelay: reconnectDelay,
		metrics:        m,
		lost:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
	go b.run()
	return b
}

// Transaction dials a fresh, non-autoconnecting connection to the same
// address for use inside one write transaction.
func (b *Backend) Transaction() (*Backend, error) {
	conn, err := net.DialTimeout("tcp", b.addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Backend{
		addr: b.addr,
		conn: conn,
		stop: make(chan struct{}),
	}, nil
}

// Addr returns the backend host:port.
func (b *Backend) Addr() string {
	return b.addr
}

// Connected reports whether the backend currently has a live connection.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Lock acquires exclusive use of the backend stream for one exchange.
func (b *Backend) Lock() {
	b.opMu.Lock()
}

// Unlock releases the backend stream.
func (b *Backend) Unlock() {
	b.opMu.Unlock()
}

// Write sends data, returning ErrNotConnected when the connection is down.
// A write error marks the backend down.
func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		b.MarkDown(err)
		return err
	}
	return nil
}

// Read fills p from the backend stream. A read error marks the backend down.
func (b *Backend) Read(p []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if _, err := io.ReadFull(conn, p); err != nil {
		b.MarkDown(err)
		return err
	}
	return nil
}

// MarkDown closes the current connection and, for pool backends, wakes the
// reconnect loop.
func (b *Backend) MarkDown(reason error) {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()

	if b.autoconnect {
		logger.Warn("Lost connection to backend", "backend", b.addr, "error", reason)
		if b.metrics != nil {
			b.metrics.SetBackendUp(b.addr, false)
		}
		select {
		case b.lost <- struct{}{}:
		default:
		}
	}
}

// Close shuts the backend down for good. Pool backends stop reconnecting.
func (b *Backend) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// run is the pool backend connect loop: dial, wait for loss, re-dial after
// the configured delay.
func (b *Backend) run() {
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", b.addr, dialTimeout)
		if err != nil {
			logger.Debug("Backend dial failed", "backend", b.addr, "error", err)
			select {
			case <-time.After(b.reconnectDelay):
				continue
			case <-b.stop:
				return
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		logger.Info("Connected to backend", "backend", b.addr)
		if b.metrics != nil {
			b.metrics.SetBackendUp(b.addr, true)
		}

		select {
		case <-b.lost:
			select {
			case <-time.After(b.reconnectDelay):
			case <-b.stop:
				return
			}
		case <-b.stop:
			return
		}
	}
}
