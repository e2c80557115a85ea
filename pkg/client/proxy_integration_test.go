package client

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/proxy"
)

// startProxyWithBackends runs two storage servers and a proxy in front of
// them, returning the proxy address.
func startProxyWithBackends(t *testing.T) string {
	t.Helper()

	addr1 := startStorage(t)
	addr2 := startStorage(t)

	p := proxy.New(proxy.Config{
		BaseConfig: adapter.BaseConfig{
			BindAddress:     "127.0.0.1",
			Port:            0,
			ShutdownTimeout: time.Second,
		},
		Backends:       []string{addr1, addr2},
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
		_ = p.Stop()
	})

	// Wait for both pool backends to come up.
	require.Eventually(t, func() bool {
		for _, b := range p.PoolSnapshot() {
			if !b.Connected() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	return p.GetListenerAddr()
}

func TestClientThroughProxyRoundTrip(t *testing.T) {
	proxyAddr := startProxyWithBackends(t)

	up := connect(t, proxyAddr, t.TempDir())
	content := bytes.Repeat([]byte("payload "), 16384) // 128 KiB
	require.NoError(t, up.Put("dir/file.bin", bytes.NewReader(content), nil))
	require.NoError(t, up.Prepare())
	require.NoError(t, up.Commit())

	down := connect(t, proxyAddr, t.TempDir())
	path, err := down.Get("dir/file.bin")
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestClientThroughProxyRollback(t *testing.T) {
	proxyAddr := startProxyWithBackends(t)

	up := connect(t, proxyAddr, t.TempDir())
	require.NoError(t, up.Put("doomed", bytes.NewReader([]byte("x")), nil))
	require.NoError(t, up.Rollback())

	down := connect(t, proxyAddr, t.TempDir())
	_, err := down.Get("doomed")
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestClientThroughProxyTransactionManager(t *testing.T) {
	proxyAddr := startProxyWithBackends(t)

	c := connect(t, proxyAddr, t.TempDir())
	tx := &coordinator{}
	require.NoError(t, c.Put("managed", bytes.NewReader([]byte("tpc")), tx))
	require.NoError(t, tx.commit())

	down := connect(t, proxyAddr, t.TempDir())
	path, err := down.Get("managed")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("tpc"), got)
}
