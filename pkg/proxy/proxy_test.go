package proxy

import (
	"context"
	"crypto/sha512"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/server"
	"github.com/marmos91/netstore/pkg/wire"
)

func digest(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}

// startStorage runs a storage server on a random port. The returned stop
// function shuts it down; it is also called at test cleanup.
func startStorage(t *testing.T) (addr, root string, stop func()) {
	t.Helper()

	root = t.TempDir()
	srv, err := server.New(server.Config{
		BaseConfig: adapter.BaseConfig{
			BindAddress:     "127.0.0.1",
			Port:            0,
			ShutdownTimeout: time.Second,
		},
		Root: root,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeWithFactory(ctx, srv)
	}()

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}
	t.Cleanup(stop)

	return srv.GetListenerAddr(), srv.Root(), stop
}

// startProxy runs a proxy on a random port against the given backends.
func startProxy(t *testing.T, backends ...string) (addr string, p *Proxy) {
	t.Helper()

	p = New(Config{
		BaseConfig: adapter.BaseConfig{
			BindAddress:     "127.0.0.1",
			Port:            0,
			ShutdownTimeout: time.Second,
		},
		Backends:       backends,
		ReconnectDelay: 100 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.ServeWithFactory(ctx, p)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		for _, b := range p.pool {
			b.Close()
		}
	})

	return p.GetListenerAddr(), p
}

// waitConnected blocks until every pool backend of p reports a live
// connection.
func waitConnected(t *testing.T, p *Proxy, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n := 0
		for _, b := range p.pool {
			if b.Connected() {
				n++
			}
		}
		return n >= want
	}, 5*time.Second, 10*time.Millisecond)
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendUpload(t *testing.T, conn net.Conn, path string, content []byte) wire.Status {
	t.Helper()
	require.NoError(t, wire.WriteRequest(conn, wire.ReqUpload))
	require.NoError(t, wire.WritePath(conn, path))
	require.NoError(t, wire.WriteInt64(conn, int64(len(content))))
	_, err := conn.Write(content)
	require.NoError(t, err)
	_, err = conn.Write(digest(content))
	require.NoError(t, err)

	st, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	return st
}

func sendSimple(t *testing.T, conn net.Conn, req wire.Request) wire.Status {
	t.Helper()
	require.NoError(t, wire.WriteRequest(conn, req))
	st, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	return st
}

func sendDownload(t *testing.T, conn net.Conn, path string) (wire.Status, []byte) {
	t.Helper()
	require.NoError(t, wire.WriteRequest(conn, wire.ReqDownload))
	require.NoError(t, wire.WritePath(conn, path))

	st, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	if st != wire.StatusOK {
		return st, nil
	}

	length, err := wire.ReadInt64(conn)
	require.NoError(t, err)
	content := make([]byte, length)
	_, err = io.ReadFull(conn, content)
	require.NoError(t, err)

	hash, err := wire.ReadHash(conn)
	require.NoError(t, err)
	assert.Equal(t, digest(content), hash)

	_, err = wire.ReadInt32(conn) // mtime
	require.NoError(t, err)
	return st, content
}

func TestUploadFansOutToAllBackends(t *testing.T) {
	addr1, root1, _ := startStorage(t)
	addr2, root2, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr1, addr2)
	waitConnected(t, p, 2)

	conn := dialProxy(t, proxyAddr)

	content := []byte("replicated")
	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "k", content))
	require.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqPrepare))
	require.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))

	for _, root := range []string{root1, root2} {
		got, err := os.ReadFile(filepath.Join(root, "k"))
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	st, got := sendDownload(t, conn, "k")
	assert.Equal(t, wire.StatusOK, st)
	assert.Equal(t, content, got)
}

func TestCommitSucceedsWhenOneBackendDies(t *testing.T) {
	addr1, _, stop1 := startStorage(t)
	addr2, root2, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr1, addr2)
	waitConnected(t, p, 2)

	conn := dialProxy(t, proxyAddr)

	content := []byte("survives")
	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "k", content))

	// Kill the first backend before prepare: its vote fails, the survivor
	// carries the commit.
	stop1()

	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqPrepare))
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))

	got, err := os.ReadFile(filepath.Join(root2, "k"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadFailsOverToLiveBackend(t *testing.T) {
	liveAddr, _, _ := startStorage(t)

	// One bogus pool backend that can never connect, one live one.
	proxyAddr, p := startProxy(t, "127.0.0.1:1", liveAddr)
	waitConnected(t, p, 1)

	// Seed the live backend directly.
	seed := dialProxy(t, liveAddr)
	require.Equal(t, wire.StatusOK, sendUpload(t, seed, "f", []byte("data")))
	require.Equal(t, wire.StatusOK, sendSimple(t, seed, wire.ReqCommit))

	conn := dialProxy(t, proxyAddr)
	st, got := sendDownload(t, conn, "f")
	assert.Equal(t, wire.StatusOK, st)
	assert.Equal(t, []byte("data"), got)
}

func TestDownloadAllBackendsFailReturnsError(t *testing.T) {
	proxyAddr, _ := startProxy(t, "127.0.0.1:1")

	conn := dialProxy(t, proxyAddr)
	st, _ := sendDownload(t, conn, "missing")
	assert.Equal(t, wire.StatusError, st)

	// The connection is still usable.
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))
}

func TestDownloadMissingFileReturnsError(t *testing.T) {
	addr, _, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr)
	waitConnected(t, p, 1)

	conn := dialProxy(t, proxyAddr)
	st, _ := sendDownload(t, conn, "nope")
	assert.Equal(t, wire.StatusError, st)
}

func TestUploadWithNoBackendsReturnsError(t *testing.T) {
	proxyAddr, _ := startProxy(t, "127.0.0.1:1")

	conn := dialProxy(t, proxyAddr)
	// The payload is fully consumed and answered with an error.
	assert.Equal(t, wire.StatusError, sendUpload(t, conn, "x", []byte("y")))

	// Prepare on the failed (empty) transaction reports the error too.
	assert.Equal(t, wire.StatusError, sendSimple(t, conn, wire.ReqPrepare))
}

func TestCommitIdempotentWithoutTransaction(t *testing.T) {
	addr, _, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr)
	waitConnected(t, p, 1)

	conn := dialProxy(t, proxyAddr)
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqPrepare))
}

func TestRollbackDropsTransaction(t *testing.T) {
	addr, root, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr)
	waitConnected(t, p, 1)

	conn := dialProxy(t, proxyAddr)

	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "gone", []byte("x")))
	require.NoError(t, wire.WriteRequest(conn, wire.ReqRollback))

	// Rollback has no response; the following commit acts as a barrier and
	// is an idempotent no-op on the now-empty transaction.
	assert.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "gone.tmp"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	_, err := os.Stat(filepath.Join(root, "gone"))
	assert.True(t, os.IsNotExist(err))
}

func TestFrontendDisconnectAbortsBackendTransactions(t *testing.T) {
	addr, root, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr)
	waitConnected(t, p, 1)

	conn := dialProxy(t, proxyAddr)
	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "orphan", []byte("x")))
	conn.Close()

	// Closing the frontend closes the transaction backend, and the storage
	// server aborts the staged upload.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "orphan.tmp"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownRequestByteClosesConnection(t *testing.T) {
	addr, _, _ := startStorage(t)
	proxyAddr, _ := startProxy(t, addr)

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte{99})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	_, err = conn.Read(buf[:])
	assert.Error(t, err)
}

func TestUploadSameConnectionSequentialTransactions(t *testing.T) {
	addr, root, _ := startStorage(t)
	proxyAddr, p := startProxy(t, addr)
	waitConnected(t, p, 1)

	conn := dialProxy(t, proxyAddr)

	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "a", []byte("1")))
	require.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))

	// A new transaction after commit dials fresh backends.
	require.Equal(t, wire.StatusOK, sendUpload(t, conn, "b", []byte("2")))
	require.Equal(t, wire.StatusOK, sendSimple(t, conn, wire.ReqCommit))

	for _, name := range []string{"a", "b"} {
		_, err := os.Stat(filepath.Join(root, name))
		assert.NoError(t, err)
	}
}
