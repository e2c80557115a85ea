package server

import (
	"bufio"
	"context"
	"crypto/sha512"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/wire"
)

// chunkSize is the read/write granularity for payload streaming.
const chunkSize = 32 * 1024

// Communication is the conversation between one client and this server. It
// owns the connection's transaction: the ordered list of uploads that passed
// their hash check but have not been committed yet.
//
// One goroutine serves the whole connection, so requests never interleave: a
// new request byte is not read until the previous operation has fully
// consumed its payload and issued its response.
type Communication struct {
	server      *Server
	conn        net.Conn
	r           *bufio.Reader
	transaction []*FileUpload

	// current is the upload whose frame is being received. It is tracked
	// separately from the transaction so a connection drop mid-frame still
	// removes the temp file the op created.
	current *FileUpload

	log *slog.Logger
}

func newCommunication(s *Server, conn net.Conn) *Communication {
	return &Communication{
		server: s,
		conn:   conn,
		r:      bufio.NewReaderSize(conn, chunkSize),
		log: logger.With(
			"client_ip", conn.RemoteAddr().String(),
			"connection_id", uuid.NewString(),
		),
	}
}

// Serve runs the request loop until the connection closes or a
// protocol-fatal error occurs. Pending uploads are aborted on exit.
func (c *Communication) Serve(ctx context.Context) {
	defer c.abortPending()

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := wire.ReadRequest(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("Connection read failed", "error", err)
			}
			return
		}

		start := time.Now()
		var status wire.Status

		switch req {
		case wire.ReqUpload:
			status, err = c.handleUpload()
		case wire.ReqPrepare:
			status, err = c.handlePrepare()
		case wire.ReqCommit:
			status, err = c.handleCommit()
		case wire.ReqRollback:
			c.handleRollback()
		case wire.ReqDownload:
			status, err = c.handleDownload()
		default:
			c.log.Error("Received bogus request byte", "request", int8(req))
			return
		}

		if err != nil {
			c.log.Warn("Request failed, closing connection",
				"request", req.String(), "error", err)
			return
		}

		if c.server.metrics != nil && req != wire.ReqRollback {
			c.server.metrics.RecordRequest(req.String(), time.Since(start), status.String())
		}
	}
}

// abortPending aborts every pending upload, including one whose frame was
// cut short. Called when the connection closes before commit.
func (c *Communication) abortPending() {
	if c.current != nil {
		c.current.Abort()
		c.current = nil
	}
	for _, op := range c.transaction {
		op.Abort()
	}
	c.transaction = nil
}

// handleUpload processes one upload frame. Local upload errors (open, write,
// hash mismatch) consume the full payload and answer RESP_ERROR so the
// connection stays usable; only protocol or path errors are returned and
// close the connection.
func (c *Communication) handleUpload() (wire.Status, error) {
	name, err := wire.ReadPath(c.r)
	if err != nil {
		return 0, err
	}

	target, err := c.server.ResolvePath(name)
	if err != nil {
		return 0, err
	}

	c.log.Debug("upload", "path", name)

	upload := NewFileUpload()
	c.current = upload

	// At most one pending upload per target path: a second upload to the
	// same path aborts and drops the earlier one before it begins.
	stagedTemp := target + ".tmp"
	for i, op := range c.transaction {
		if op.StagedTemp() == stagedTemp {
			op.Abort()
			c.transaction = append(c.transaction[:i], c.transaction[i+1:]...)
			break
		}
	}

	upload.Start(target)

	length, err := wire.ReadInt64(c.r)
	if err != nil {
		return 0, err
	}
	if length < 0 {
		return 0, wire.ErrBadFrame
	}

	buf := make([]byte, chunkSize)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(c.r, buf[:n]); err != nil {
			return 0, err
		}
		upload.Write(buf[:n])
		remaining -= n
	}

	expected, err := wire.ReadHash(c.r)
	if err != nil {
		return 0, err
	}

	if err := upload.Finish(expected); err != nil {
		// Finish already unlinked any temp file the op owned.
		c.current = nil
		c.log.Warn("Upload rejected", "path", name, "error", err)
		return wire.StatusError, wire.WriteStatus(c.conn, wire.StatusError)
	}

	if c.server.metrics != nil {
		c.server.metrics.RecordBytesTransferred("upload", uint64(length))
	}

	c.transaction = append(c.transaction, upload)
	c.current = nil
	return wire.StatusOK, wire.WriteStatus(c.conn, wire.StatusOK)
}

// handlePrepare probes that every pending upload could commit.
// The transaction is kept either way.
func (c *Communication) handlePrepare() (wire.Status, error) {
	c.log.Debug("prepare", "pending", len(c.transaction))

	status := wire.StatusOK
	for _, op := range c.transaction {
		if err := op.Prepare(); err != nil {
			c.log.Warn("Prepare failed", "path", op.Path(), "error", err)
			status = wire.StatusError
			break
		}
	}
	return status, wire.WriteStatus(c.conn, status)
}

// handleCommit commits every pending upload in order. A failure aborts all
// ops, including already-committed ones, which restore the version they
// moved aside.
func (c *Communication) handleCommit() (wire.Status, error) {
	c.log.Debug("commit", "pending", len(c.transaction))

	for _, op := range c.transaction {
		if err := op.Commit(); err != nil {
			c.log.Warn("Commit failed, rolling back transaction",
				"path", op.Path(), "error", err)
			for _, op := range c.transaction {
				op.Abort()
			}
			c.transaction = nil
			return wire.StatusError, wire.WriteStatus(c.conn, wire.StatusError)
		}
	}

	// The transaction is over: versions moved aside are no longer needed.
	for _, op := range c.transaction {
		if op.previousAside != "" {
			os.Remove(op.previousAside)
		}
	}
	c.transaction = nil
	return wire.StatusOK, wire.WriteStatus(c.conn, wire.StatusOK)
}

// handleRollback aborts every pending upload. No response is sent.
func (c *Communication) handleRollback() {
	c.log.Debug("rollback", "pending", len(c.transaction))
	c.abortPending()
}

// handleDownload streams a committed blob back to the client.
func (c *Communication) handleDownload() (wire.Status, error) {
	name, err := wire.ReadPath(c.r)
	if err != nil {
		return 0, err
	}

	target, err := c.server.ResolvePath(name)
	if err != nil {
		return 0, err
	}

	c.log.Debug("download", "path", name)

	// A sibling temp file signals an upload in progress.
	if _, err := os.Lstat(target + ".tmp"); err == nil {
		return wire.StatusUploading, wire.WriteStatus(c.conn, wire.StatusUploading)
	}

	file, err := os.Open(target)
	if err != nil {
		return wire.StatusNotFound, wire.WriteStatus(c.conn, wire.StatusNotFound)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return wire.StatusNotFound, wire.WriteStatus(c.conn, wire.StatusNotFound)
	}

	if err := wire.WriteStatus(c.conn, wire.StatusOK); err != nil {
		return 0, err
	}
	if err := wire.WriteInt64(c.conn, info.Size()); err != nil {
		return 0, err
	}

	sha := sha512.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			sha.Write(buf[:n])
			if _, werr := c.conn.Write(buf[:n]); werr != nil {
				return 0, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if _, err := c.conn.Write(sha.Sum(nil)); err != nil {
		return 0, err
	}
	if err := wire.WriteInt32(c.conn, int32(info.ModTime().Unix())); err != nil {
		return 0, err
	}

	if c.server.metrics != nil {
		c.server.metrics.RecordBytesTransferred("download", uint64(info.Size()))
	}

	return wire.StatusOK, nil
}
