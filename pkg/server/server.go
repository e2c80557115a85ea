// Package server implements the netstore storage server: it persists
// committed blobs under a root directory, runs the per-connection upload
// transaction and serves integrity-checked downloads.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/metrics"
)

// ErrInvalidPath reports a request path escaping the configured root. It is
// protocol-fatal: the connection is dropped without a response.
var ErrInvalidPath = errors.New("server: path escapes root")

// Config holds the storage server settings.
type Config struct {
	adapter.BaseConfig

	// Root is the directory committed blobs are persisted under. It is
	// created if missing and resolved to its real absolute path at startup.
	Root string
}

// Server is the storage server. It embeds the shared TCP lifecycle and adds
// the blob root and per-connection transaction handling.
type Server struct {
	*adapter.BaseAdapter

	root    string
	metrics metrics.ServerMetrics
}

// New creates a storage server rooted at cfg.Root. The root directory is
// created if missing. Metrics may be nil.
func New(cfg Config, m metrics.ServerMetrics) (*Server, error) {
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	root, err := filepath.EvalSymlinks(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}

	base := adapter.NewBaseAdapter(cfg.BaseConfig, "storage")
	base.Metrics = m

	return &Server{
		BaseAdapter: base,
		root:        root,
		metrics:     m,
	}, nil
}

// Root returns the resolved blob root.
func (s *Server) Root() string {
	return s.root
}

// NewConnection implements adapter.ConnectionFactory.
func (s *Server) NewConnection(conn net.Conn) adapter.ConnectionHandler {
	return newCommunication(s, conn)
}

// ResolvePath maps a wire path to the real absolute on-disk location and
// verifies it stays inside the root. The check runs on the symlink-resolved
// path so a link pointing outside the root cannot be used to escape it.
func (s *Server) ResolvePath(name string) (string, error) {
	if strings.HasPrefix(name, "/") || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	joined := filepath.Join(s.root, filepath.FromSlash(name))

	real, err := realPath(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	if real != s.root && !strings.HasPrefix(real, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return real, nil
}

// realPath resolves symlinks in path. EvalSymlinks fails on paths that do
// not exist yet, so the longest existing ancestor is resolved and the
// remainder re-attached.
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
