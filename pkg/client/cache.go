package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/netstore/internal/logger"
)

// Get returns the local path to a file, downloading it from the server if it
// does not already exist in the cache.
//
// Processes sharing a cache directory coordinate through an exclusive
// advisory lock on the "<path>.tmp" sentinel: whoever takes it first
// downloads, the others block and find the file present after the unlock.
func (c *Connection) Get(path string) (string, error) {
	target, err := c.cachePath(path)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	if c.conn == nil {
		return "", fmt.Errorf("%w: %q: not in cache", ErrDownloadFailed, path)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}

	tmpPath := target + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if err := flock(tmp); err != nil {
		return "", err
	}
	defer funlock(tmp)

	// Another process may have downloaded the file while this one was
	// blocked on the lock.
	if _, err := os.Stat(target); err == nil {
		logger.Debug("File appeared while waiting for lock", "path", path)
		os.Remove(tmpPath)
		return target, nil
	}

	if err := tmp.Truncate(0); err != nil {
		return "", err
	}

	mtime, err := c.Download(path, tmp)
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		return "", err
	}

	return target, nil
}
