package proxy

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/wire"
)

// scriptedBackend starts a fake storage server that answers exactly one
// download request for content, closing the connection after cutAfter
// payload bytes. cutAfter < 0 serves the complete response.
func scriptedBackend(t *testing.T, content []byte, cutAfter int) *Backend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Read the download request frame.
		if _, err := wire.ReadRequest(conn); err != nil {
			return
		}
		if _, err := wire.ReadPath(conn); err != nil {
			return
		}

		_ = wire.WriteStatus(conn, wire.StatusOK)
		_ = wire.WriteInt64(conn, int64(len(content)))

		if cutAfter >= 0 && cutAfter < len(content) {
			conn.Write(content[:cutAfter])
			return // drop the connection mid-stream
		}

		conn.Write(content)
		conn.Write(digest(content))
		_ = wire.WriteInt32(conn, 1234567890)
	}()

	b := NewPoolBackend(ln.Addr().String(), 50*time.Millisecond, nil)
	t.Cleanup(b.Close)

	require.Eventually(t, b.Connected, 2*time.Second, 5*time.Millisecond)
	return b
}

// pipeFrontend builds a Frontend writing to an in-memory pipe and returns a
// function that yields everything the "client" received.
func pipeFrontend(t *testing.T, p *Proxy) (*Frontend, func() []byte) {
	t.Helper()

	client, proxySide := net.Pipe()

	var mu sync.Mutex
	var received bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				mu.Lock()
				received.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	f := newFrontend(p, proxySide)

	collect := func() []byte {
		proxySide.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return append([]byte{}, received.Bytes()...)
	}
	t.Cleanup(func() { client.Close() })

	return f, collect
}

func newTestProxy(backends ...*Backend) *Proxy {
	return &Proxy{
		BaseAdapter: adapter.NewBaseAdapter(adapter.BaseConfig{
			BindAddress:     "127.0.0.1",
			ShutdownTimeout: time.Second,
		}, "proxy"),
		pool: backends,
	}
}

func TestDownloadSkipsAlreadySentBytesOnFailover(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 10000) // 100 KB
	// The cut lands inside the second 32 KiB chunk, so one full chunk has
	// already been forwarded to the client when the backend dies.
	partial := scriptedBackend(t, content, 40000)
	full := scriptedBackend(t, content, -1)

	p := newTestProxy(partial, full)
	f, collect := pipeFrontend(t, p)

	op := newDownloadOperation(f)

	done, err := op.attempt(partial, "big")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Greater(t, op.sentBytes, int64(chunkSize))

	// Second attempt replays the full response; the prefix already delivered
	// must be skipped.
	done, err = op.attempt(full, "big")
	require.NoError(t, err)
	assert.True(t, done)

	got := collect()

	// The client sees exactly one well-formed response.
	r := bytes.NewReader(got)
	st, err := wire.ReadStatus(r)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, st)

	length, err := wire.ReadInt64(r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), length)

	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	assert.Equal(t, content, body)

	hash, err := wire.ReadHash(r)
	require.NoError(t, err)
	assert.Equal(t, digest(content), hash)

	mtime, err := wire.ReadInt32(r)
	require.NoError(t, err)
	assert.Equal(t, int32(1234567890), mtime)

	// Nothing extra was emitted.
	assert.Zero(t, r.Len())
}

func TestDownloadWriteSkipArithmetic(t *testing.T) {
	p := newTestProxy()
	f, collect := pipeFrontend(t, p)

	op := newDownloadOperation(f)

	// First attempt delivered 5 bytes before dying.
	require.NoError(t, op.write([]byte("abcde")))
	assert.Equal(t, int64(5), op.sentBytes)

	// Retry: the replayed response drops its first five bytes.
	op.skippedBytes = 0
	require.NoError(t, op.write([]byte("abc")))
	require.NoError(t, op.write([]byte("defgh")))

	assert.Equal(t, []byte("abcdefgh"), collect())
	assert.Equal(t, int64(8), op.sentBytes)
}

func TestBackendTransactionChildIndependent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	pool := NewPoolBackend(ln.Addr().String(), 50*time.Millisecond, nil)
	defer pool.Close()
	require.Eventually(t, pool.Connected, 2*time.Second, 5*time.Millisecond)

	tx, err := pool.Transaction()
	require.NoError(t, err)
	assert.True(t, tx.Connected())

	// Closing the child must not touch the pool connection.
	tx.Close()
	assert.True(t, pool.Connected())
}

func TestBackendWriteWhenDownReturnsNotConnected(t *testing.T) {
	b := &Backend{addr: "127.0.0.1:1", stop: make(chan struct{})}
	assert.ErrorIs(t, b.Write([]byte("x")), ErrNotConnected)
	assert.ErrorIs(t, b.Read(make([]byte, 1)), ErrNotConnected)
}
