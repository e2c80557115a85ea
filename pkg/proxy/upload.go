package proxy

import (
	"bytes"
	"io"
	"sync"

	"github.com/marmos91/netstore/pkg/wire"
)

// uploadOperation mirrors one upload frame from the client to every live
// transaction backend and aggregates their status bytes.
//
// The frame is re-emitted byte for byte: request byte, path frame, content
// length, content, hash. Backends that disconnect mid-stream are silently
// dropped; backends that answer non-OK are told to roll back and removed
// from the transaction. The client gets RESP_OK as long as at least one
// backend accepted the upload.
type uploadOperation struct {
	f *Frontend

	// live is the op-local view of the transaction set; backends drop out of
	// it as soon as a write to them fails.
	live []*Backend
}

func newUploadOperation(f *Frontend) *uploadOperation {
	return &uploadOperation{f: f}
}

func (op *uploadOperation) run() (wire.Status, error) {
	tx := op.f.initTransaction()
	op.live = append([]*Backend{}, tx...)

	op.distribute([]byte{byte(wire.ReqUpload)})

	// Path frame
	path, err := wire.ReadPath(op.f.r)
	if err != nil {
		return 0, err
	}
	var frame bytes.Buffer
	if err := wire.WritePath(&frame, path); err != nil {
		return 0, err
	}
	op.distribute(frame.Bytes())

	op.f.log.Debug("upload", "path", path, "backends", len(op.live))

	// Content length
	length, err := wire.ReadInt64(op.f.r)
	if err != nil {
		return 0, err
	}
	if length < 0 {
		return 0, wire.ErrBadFrame
	}
	frame.Reset()
	if err := wire.WriteInt64(&frame, length); err != nil {
		return 0, err
	}
	op.distribute(frame.Bytes())

	// Content
	buf := make([]byte, chunkSize)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(op.f.r, buf[:n]); err != nil {
			return 0, err
		}
		op.distribute(buf[:n])
		remaining -= n
	}

	// Hash
	hash, err := wire.ReadHash(op.f.r)
	if err != nil {
		return 0, err
	}

	if len(op.f.txBackends) == 0 {
		// Not a single backend received the upload in full.
		return wire.StatusError, wire.WriteStatus(op.f.conn, wire.StatusError)
	}
	op.distribute(hash)

	// Collect one status byte from each surviving backend.
	type vote struct {
		backend *Backend
		ok      bool
	}
	votes := make([]vote, len(op.live))

	var wg sync.WaitGroup
	for i, b := range op.live {
		wg.Add(1)
		go func(i int, b *Backend) {
			defer wg.Done()
			var status [1]byte
			if err := b.Read(status[:]); err != nil {
				votes[i] = vote{backend: b, ok: false}
				return
			}
			votes[i] = vote{backend: b, ok: wire.Status(int8(status[0])) == wire.StatusOK}
		}(i, b)
	}
	wg.Wait()

	for _, v := range votes {
		if !v.ok {
			op.f.log.Debug("Backend rejected upload", "backend", v.backend.Addr())
			op.f.removeFromTransaction(v.backend)
		}
	}

	if op.f.proxy.metrics != nil {
		op.f.proxy.metrics.RecordBytesTransferred("upload", uint64(length))
	}

	if len(op.f.txBackends) == 0 {
		return wire.StatusError, wire.WriteStatus(op.f.conn, wire.StatusError)
	}
	return wire.StatusOK, wire.WriteStatus(op.f.conn, wire.StatusOK)
}

// distribute sends data to every live backend, silently dropping any that
// has disconnected.
func (op *uploadOperation) distribute(data []byte) {
	for _, b := range append([]*Backend{}, op.live...) {
		if err := b.Write(data); err != nil {
			op.dropBackend(b)
		}
	}
}

// dropBackend removes a dead backend from the op and the transaction.
func (op *uploadOperation) dropBackend(backend *Backend) {
	backend.Close()
	for i, b := range op.live {
		if b == backend {
			op.live = append(op.live[:i], op.live[i+1:]...)
			break
		}
	}
	for i, b := range op.f.txBackends {
		if b == backend {
			op.f.txBackends = append(op.f.txBackends[:i], op.f.txBackends[i+1:]...)
			break
		}
	}
}
