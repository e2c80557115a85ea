//go:build !windows

package client

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock takes a blocking exclusive advisory lock on f.
func flock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// funlock releases the advisory lock on f.
func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
