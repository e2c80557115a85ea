package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/marmos91/netstore/pkg/wire"
)

// downloadOperation serves a download from a randomly chosen pool backend,
// failing over to the remaining ones on error.
//
// The retry-mid-stream contract: sentBytes counts response bytes already
// written to the client across all attempts; skippedBytes counts bytes of
// the current backend's response already consumed, whether dropped or
// forwarded. On every write, bytes with position below sentBytes are
// skipped, so after a failover the client sees
// one contiguous, correctly-sized, correctly-hashed stream.
type downloadOperation struct {
	f *Frontend

	sentBytes    int64
	skippedBytes int64
}

func newDownloadOperation(f *Frontend) *downloadOperation {
	return &downloadOperation{f: f}
}

func (op *downloadOperation) run() (wire.Status, error) {
	path, err := wire.ReadPath(op.f.r)
	if err != nil {
		return 0, err
	}

	// Try each live pool backend at most once, in random order.
	candidates := op.f.proxy.PoolSnapshot()
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	op.f.log.Debug("download", "path", path, "candidates", len(candidates))

	for _, backend := range candidates {
		sentBefore := op.sentBytes

		done, err := op.attempt(backend, path)
		if err != nil {
			return 0, err
		}
		if done {
			return wire.StatusOK, nil
		}

		if op.sentBytes > sentBefore {
			if op.f.proxy.metrics != nil {
				op.f.proxy.metrics.RecordDownloadFailover()
			}
			op.f.log.Debug("Lost backend mid-download, retrying",
				"backend", backend.Addr(), "sent_bytes", op.sentBytes)
		}
	}

	if op.sentBytes > 0 {
		// The length prefix has been committed to the client and no backend
		// can finish the stream. Terminating the connection is the only way
		// to avoid handing over a truncated file.
		return 0, fmt.Errorf("lost all backends after %d bytes", op.sentBytes)
	}

	return wire.StatusError, wire.WriteStatus(op.f.conn, wire.StatusError)
}

// attempt runs one full download exchange against a single backend. It
// returns done=true when the response was forwarded completely, done=false
// when the next backend should be tried, and a non-nil error only for
// frontend-side failures, which are fatal to the connection.
func (op *downloadOperation) attempt(backend *Backend, path string) (bool, error) {
	// Pool backends are shared across frontend sessions; own the stream for
	// the whole exchange.
	backend.Lock()
	defer backend.Unlock()

	if !backend.Connected() {
		return false, nil
	}

	op.skippedBytes = 0

	var frame bytes.Buffer
	frame.WriteByte(byte(wire.ReqDownload))
	if err := wire.WritePath(&frame, path); err != nil {
		return false, err
	}
	if err := backend.Write(frame.Bytes()); err != nil {
		return false, nil
	}

	var status [1]byte
	if err := backend.Read(status[:]); err != nil {
		return false, nil
	}
	if wire.Status(int8(status[0])) != wire.StatusOK {
		// NOTFOUND, UPLOADING or ERROR: leave the stream healthy and try
		// another backend.
		return false, nil
	}

	if err := op.write(status[:]); err != nil {
		return false, err
	}

	var sizeBuf [8]byte
	if err := backend.Read(sizeBuf[:]); err != nil {
		return false, nil
	}
	size := int64(binary.BigEndian.Uint64(sizeBuf[:]))
	if err := op.write(sizeBuf[:]); err != nil {
		return false, err
	}

	buf := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if err := backend.Read(buf[:n]); err != nil {
			return false, nil
		}
		if err := op.write(buf[:n]); err != nil {
			return false, err
		}
		remaining -= n
	}

	// Trailer: 64-byte hash plus 32-bit mtime.
	trailer := make([]byte, wire.HashSize+4)
	if err := backend.Read(trailer); err != nil {
		return false, nil
	}
	if err := op.write(trailer); err != nil {
		return false, err
	}

	if op.f.proxy.metrics != nil {
		op.f.proxy.metrics.RecordBytesTransferred("download", uint64(size))
	}

	return true, nil
}

// write forwards response bytes to the client, dropping any prefix already
// delivered by a previous attempt.
func (op *downloadOperation) write(data []byte) error {
	if diff := op.sentBytes - op.skippedBytes; diff > 0 {
		skip := diff
		if skip > int64(len(data)) {
			skip = int64(len(data))
		}
		op.skippedBytes += skip
		data = data[skip:]
	}
	op.skippedBytes += int64(len(data))
	op.sentBytes += int64(len(data))

	if len(data) == 0 {
		return nil
	}
	_, err := op.f.conn.Write(data)
	return err
}
