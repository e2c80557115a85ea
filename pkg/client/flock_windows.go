//go:build windows

package client

import "os"

// Windows has no flock; cache coordination across processes degrades to the
// existence re-check after open.
func flock(_ *os.File) error {
	return nil
}

func funlock(_ *os.File) error {
	return nil
}
