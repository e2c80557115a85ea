package client

import (
	"bytes"
	"crypto/sha512"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/netstore/pkg/wire"
)

// corruptingServer answers download requests for content, deliberately
// sending a wrong hash for the first badResponses requests.
func corruptingServer(t *testing.T, content []byte, badResponses int) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	sum := sha512.Sum512(content)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		served := 0
		for {
			if _, err := wire.ReadRequest(conn); err != nil {
				return
			}
			if _, err := wire.ReadPath(conn); err != nil {
				return
			}

			_ = wire.WriteStatus(conn, wire.StatusOK)
			_ = wire.WriteInt64(conn, int64(len(content)))
			conn.Write(content)

			if served < badResponses {
				conn.Write(bytes.Repeat([]byte{0xff}, wire.HashSize))
			} else {
				conn.Write(sum[:])
			}
			served++
			_ = wire.WriteInt32(conn, int32(time.Now().Unix()))
		}
	}()

	return ln.Addr().String()
}

func TestDownloadRetriesOnceOnHashMismatch(t *testing.T) {
	content := []byte("eventually consistent bytes")
	addr := corruptingServer(t, content, 1)

	c := connect(t, addr, t.TempDir())

	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer out.Close()

	_, err = c.Download("f", out)
	require.NoError(t, err)

	got, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadFailsAfterSecondMismatch(t *testing.T) {
	content := []byte("never right")
	addr := corruptingServer(t, content, 2)

	c := connect(t, addr, t.TempDir())

	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer out.Close()

	_, err = c.Download("f", out)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestDownloadNotFound(t *testing.T) {
	addr := startStorage(t)
	c := connect(t, addr, t.TempDir())

	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer out.Close()

	_, err = c.Download("missing", out)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestDownloadEmptyFile(t *testing.T) {
	addr := startStorage(t)

	up := connect(t, addr, t.TempDir())
	require.NoError(t, up.Put("empty", bytes.NewReader(nil), nil))
	require.NoError(t, up.Commit())

	c := connect(t, addr, t.TempDir())
	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer out.Close()

	_, err = c.Download("empty", out)
	require.NoError(t, err)

	info, err := out.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
