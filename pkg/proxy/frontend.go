package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/wire"
)

// chunkSize is the granularity used when forwarding payload streams.
const chunkSize = 32 * 1024

// Frontend is the proxy-side handler for one client connection.
//
// The transaction state distinguishes three situations: no write has
// occurred since the last commit/rollback (txActive false), a transaction
// with live backends, and a transaction whose backend dials all failed
// (txActive true, empty slice). The last one keeps consuming writes from the
// client but answers RESP_ERROR.
type Frontend struct {
	proxy *Proxy
	conn  net.Conn
	r     *bufio.Reader

	txActive   bool
	txBackends []*Backend

	log *slog.Logger
}

func newFrontend(p *Proxy, conn net.Conn) *Frontend {
	return &Frontend{
		proxy: p,
		conn:  conn,
		r:     bufio.NewReaderSize(conn, chunkSize),
		log: logger.With(
			"client_ip", conn.RemoteAddr().String(),
			"connection_id", uuid.NewString(),
		),
	}
}

// Serve runs the frontend request loop until the client disconnects or a
// protocol-fatal error occurs. Any open transaction backends are closed on
// exit.
func (f *Frontend) Serve(ctx context.Context) {
	defer f.closeTransaction()

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := wire.ReadRequest(f.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.log.Debug("Frontend read failed", "error", err)
			}
			return
		}

		start := time.Now()
		var status wire.Status

		switch req {
		case wire.ReqUpload:
			status, err = newUploadOperation(f).run()
		case wire.ReqPrepare:
			status, err = newVoteOperation(f, wire.ReqPrepare).run()
		case wire.ReqCommit:
			status, err = newVoteOperation(f, wire.ReqCommit).run()
		case wire.ReqRollback:
			f.handleRollback()
		case wire.ReqDownload:
			status, err = newDownloadOperation(f).run()
		default:
			f.log.Error("Received bogus request byte", "request", int8(req))
			return
		}

		if err != nil {
			f.log.Warn("Request failed, closing connection",
				"request", req.String(), "error", err)
			return
		}

		if f.proxy.metrics != nil && req != wire.ReqRollback {
			f.proxy.metrics.RecordRequest(req.String(), time.Since(start), status.String())
		}
	}
}

// initTransaction lazily dials one transaction backend per pool backend on
// the first write request of a transaction. All dials run concurrently; the
// successful ones become the transaction set. An empty set is kept (not
// reset) so that subsequent writes are still consumed and answered with
// RESP_ERROR.
func (f *Frontend) initTransaction() []*Backend {
	if f.txActive {
		return f.txBackends
	}
	f.txActive = true
	f.txBackends = []*Backend{}

	pool := f.proxy.PoolSnapshot()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, b := range pool {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			tx, err := b.Transaction()
			if err != nil {
				f.log.Warn("Transaction backend dial failed", "backend", b.Addr(), "error", err)
				return
			}
			mu.Lock()
			f.txBackends = append(f.txBackends, tx)
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	f.log.Debug("Transaction initialized",
		"backends", len(f.txBackends), "pool", len(pool))
	return f.txBackends
}

// removeFromTransaction tells the backend to roll back, closes it and drops
// it from the transaction set.
func (f *Frontend) removeFromTransaction(backend *Backend) {
	_ = backend.Write([]byte{byte(wire.ReqRollback)})
	backend.Close()

	for i, b := range f.txBackends {
		if b == backend {
			f.txBackends = append(f.txBackends[:i], f.txBackends[i+1:]...)
			break
		}
	}
}

// clearTransaction closes every transaction backend and resets the
// transaction state.
func (f *Frontend) clearTransaction() {
	for _, b := range f.txBackends {
		b.Close()
	}
	f.txBackends = nil
	f.txActive = false
}

// closeTransaction is the disconnect path: transaction backends are closed
// so their servers abort the pending uploads.
func (f *Frontend) closeTransaction() {
	if !f.txActive {
		return
	}
	f.log.Debug("Closing transaction backends", "backends", len(f.txBackends))
	f.clearTransaction()
}

// handleRollback forwards REQ_ROLLBACK to every transaction backend and
// clears the transaction. No response is sent.
func (f *Frontend) handleRollback() {
	f.log.Debug("rollback")
	if !f.txActive {
		return
	}
	for _, b := range f.txBackends {
		_ = b.Write([]byte{byte(wire.ReqRollback)})
	}
	f.clearTransaction()
}
