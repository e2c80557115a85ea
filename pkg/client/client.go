// Package client implements the netstore client connection: it talks the
// wire protocol to a storage server or a proxy, keeps a local cache of
// downloaded files and can participate in an external two-phase-commit
// transaction manager.
//
// A Connection uses blocking socket I/O and belongs to one logical caller at
// a time; it is not internally synchronized.
package client

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/wire"
)

// chunkSize is the upload/download streaming granularity.
const chunkSize = 1024 * 1024

// The three error categories an application integrating via the client ever
// needs to handle, plus the local path validation failure and the
// missing-server cause that Upload and Download wrap.
var (
	ErrUploadFailed   = errors.New("netstore: upload failed")
	ErrDownloadFailed = errors.New("netstore: download failed")
	ErrCommitFailed   = errors.New("netstore: commit failed")
	ErrInvalidPath    = errors.New("netstore: invalid path")
	ErrNoServer       = errors.New("netstore: no server configured")
)

// Config holds the client settings.
type Config struct {
	// Server is the storage server or proxy as host:port. Empty means no
	// remote: cache-only operations still work, remote ones fail.
	Server string

	// CacheDir is the local folder holding downloaded files. Empty means a
	// session-scoped temporary directory, removed on Close.
	CacheDir string
}

// Connection is one client connection to a storage server or proxy.
type Connection struct {
	conn     net.Conn
	cacheDir string

	// ephemeral marks a session-scoped temp cache removed on Close.
	ephemeral bool

	sortKey string

	// joined tracks the transactions this connection has already joined, so
	// repeated uploads within one transaction register only once.
	joinedMu sync.Mutex
	joined   map[Transaction]struct{}
}

// Connect creates a connection per cfg. With an empty cfg.Server no socket
// is opened: Upload and Download return ErrNoServer-wrapped failures, and
// Prepare, Commit and Rollback are no-ops.
func Connect(cfg Config) (*Connection, error) {
	c := &Connection{
		cacheDir: cfg.CacheDir,
		sortKey:  fmt.Sprintf("netstore(%s)", uuid.NewString()),
		joined:   make(map[Transaction]struct{}),
	}

	if cfg.Server != "" {
		conn, err := net.Dial("tcp", cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Server, err)
		}
		c.conn = conn
	}

	return c, nil
}

// Close closes the socket and removes a session-scoped cache directory.
func (c *Connection) Close() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	if c.ephemeral && c.cacheDir != "" {
		os.RemoveAll(c.cacheDir)
		c.cacheDir = ""
	}
	return err
}

// CacheDir returns the cache directory, creating a session-scoped temporary
// one on first use when none was configured.
func (c *Connection) CacheDir() (string, error) {
	if c.cacheDir == "" {
		dir, err := os.MkdirTemp("", "netstore-")
		if err != nil {
			return "", fmt.Errorf("failed to create cache directory: %w", err)
		}
		c.cacheDir = dir
		c.ephemeral = true
	}
	return c.cacheDir, nil
}

// cachePath maps a logical path to its location in the cache, verifying it
// stays inside the cache directory.
func (c *Connection) cachePath(path string) (string, error) {
	dir, err := c.CacheDir()
	if err != nil {
		return "", err
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	if strings.HasPrefix(path, "/") || filepath.IsAbs(filepath.FromSlash(path)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	joined := filepath.Join(root, filepath.FromSlash(path))
	real, err := realPath(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if real != root && !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return real, nil
}

// realPath resolves symlinks in path, tolerating not-yet-existing tails.
func realPath(path string) (string, error) {
	suffix := ""
	p := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// PutFile uploads the file at srcPath under the logical path and places it
// in the cache. With move true the source file is moved into the cache,
// otherwise copied.
//
// Call Commit (or join a transaction) to make the upload visible to other
// clients.
func (c *Connection) PutFile(path, srcPath string, move bool, tx Transaction) error {
	target, err := c.cachePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	if move {
		if err := rename(srcPath, target); err != nil {
			return err
		}
	} else {
		if err := copyFile(srcPath, target); err != nil {
			return err
		}
	}

	if c.conn == nil {
		return nil
	}

	file, err := os.Open(target)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Upload(path, file, tx)
}

// Put copies the contents of source into the cache under the logical path
// and uploads them.
func (c *Connection) Put(path string, source io.Reader, tx Transaction) error {
	target, err := c.cachePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, source); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if c.conn == nil {
		return nil
	}

	file, err := os.Open(target)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Upload(path, file, tx)
}

// Upload sends the upload frame with a running SHA-512 over content. On
// success and with a non-nil tx, the connection joins the transaction so
// prepare/commit/rollback fire at the coordinator's phases.
func (c *Connection) Upload(path string, content io.ReadSeeker, tx Transaction) error {
	if c.conn == nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, ErrNoServer)
	}

	size, err := content.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	var header bytes.Buffer
	header.WriteByte(byte(wire.ReqUpload))
	if err := wire.WritePath(&header, path); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := wire.WriteInt64(&header, size); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if _, err := c.conn.Write(header.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	sha := sha512.New()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := content.Read(buf)
		if n > 0 {
			sha.Write(buf[:n])
			if _, werr := c.conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %w", ErrUploadFailed, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: %w", ErrUploadFailed, rerr)
		}
	}

	if _, err := c.conn.Write(sha.Sum(nil)); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if status != wire.StatusOK {
		return fmt.Errorf("%w: server answered %s", ErrUploadFailed, status)
	}

	logger.Debug("Uploaded", "path", path, "size", size)

	if tx != nil {
		c.join(tx)
	}
	return nil
}

// Download requests the blob at path, streams it into file and verifies the
// trailing hash. On mismatch the transfer is retried once against the same
// server. Returns the server-reported modification time.
func (c *Connection) Download(path string, file *os.File) (time.Time, error) {
	return c.download(path, file, 1)
}

func (c *Connection) download(path string, file *os.File, retry int) (time.Time, error) {
	if c.conn == nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, ErrNoServer)
	}

	var header bytes.Buffer
	header.WriteByte(byte(wire.ReqDownload))
	if err := wire.WritePath(&header, path); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if _, err := c.conn.Write(header.Bytes()); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if status != wire.StatusOK {
		return time.Time{}, fmt.Errorf("%w: %q: server answered %s", ErrDownloadFailed, path, status)
	}

	size, err := wire.ReadInt64(c.conn)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	sha := sha512.New()
	buf := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(c.conn, buf[:n]); err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		}
		sha.Write(buf[:n])
		if _, err := file.Write(buf[:n]); err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		}
		remaining -= n
	}

	hash, err := wire.ReadHash(c.conn)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	mtime, err := wire.ReadInt32(c.conn)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	if !bytes.Equal(sha.Sum(nil), hash) {
		if retry > 0 {
			logger.Warn("Download hash mismatch, retrying", "path", path)
			if err := file.Truncate(0); err != nil {
				return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return time.Time{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
			}
			return c.download(path, file, retry-1)
		}
		return time.Time{}, fmt.Errorf("%w: %q: hash mismatch", ErrDownloadFailed, path)
	}

	return time.Unix(int64(mtime), 0), nil
}

// Prepare asks the server to verify the pending transaction could commit.
// A no-op without a configured server.
func (c *Connection) Prepare() error {
	if c.conn == nil {
		return nil
	}
	if err := wire.WriteRequest(c.conn, wire.ReqPrepare); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	if status != wire.StatusOK {
		return fmt.Errorf("%w: server answered %s", ErrCommitFailed, status)
	}
	return nil
}

// Commit instructs the server to persist all uploaded files so other
// clients can find them. A no-op without a configured server.
func (c *Connection) Commit() error {
	if c.conn == nil {
		return nil
	}
	if err := wire.WriteRequest(c.conn, wire.ReqCommit); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	if status != wire.StatusOK {
		return fmt.Errorf("%w: server answered %s", ErrCommitFailed, status)
	}
	return nil
}

// Rollback abandons the pending transaction. No response is expected.
// A no-op without a configured server.
func (c *Connection) Rollback() error {
	if c.conn == nil {
		return nil
	}
	return wire.WriteRequest(c.conn, wire.ReqRollback)
}

// rename moves src to dst, falling back to copy+remove across filesystems.
func rename(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
