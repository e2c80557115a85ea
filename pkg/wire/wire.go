// Package wire implements the netstore binary protocol shared by the client,
// the storage server and the fan-out proxy.
//
// Every request starts with a single signed request byte, followed by a
// request-specific frame. All multi-byte integers are big-endian and content
// integrity is carried as a raw 64-byte SHA-512 digest. The numeric values of
// the request and status bytes are a compatibility contract with deployed
// peers and must not change.
package wire

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Request identifies the operation a client asks for. It is transmitted as a
// single signed byte.
type Request int8

// Request byte values (stable on the wire).
const (
	ReqUpload   Request = 1
	ReqPrepare  Request = 2
	ReqCommit   Request = 3
	ReqRollback Request = 4
	ReqDownload Request = 5
)

// Status is the single-byte response code returned for most requests.
type Status int8

// Status byte values (stable on the wire).
const (
	StatusOK        Status = 1
	StatusError     Status = 2
	StatusNotFound  Status = 3
	StatusUploading Status = 4
)

// HashSize is the size of the raw SHA-512 digest trailing every content
// stream.
const HashSize = sha512.Size

// MaxPathLen bounds the path length accepted from the wire. Anything larger
// is treated as a protocol violation rather than an allocation request.
const MaxPathLen = 4096

// ErrBadFrame reports a malformed frame (negative or oversized length
// prefix). It is protocol-fatal: the connection must be closed.
var ErrBadFrame = errors.New("wire: malformed frame")

func (r Request) String() string {
	switch r {
	case ReqUpload:
		return "UPLOAD"
	case ReqPrepare:
		return "PREPARE"
	case ReqCommit:
		return "COMMIT"
	case ReqRollback:
		return "ROLLBACK"
	case ReqDownload:
		return "DOWNLOAD"
	default:
		return fmt.Sprintf("Request(%d)", int8(r))
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusUploading:
		return "UPLOADING"
	default:
		return fmt.Sprintf("Status(%d)", int8(s))
	}
}

// ReadRequest reads the request byte that starts every frame.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Request(int8(buf[0])), nil
}

// WriteRequest writes a request byte.
func WriteRequest(w io.Writer, req Request) error {
	_, err := w.Write([]byte{byte(req)})
	return err
}

// ReadStatus reads a single status byte.
func ReadStatus(r io.Reader) (Status, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Status(int8(buf[0])), nil
}

// WriteStatus writes a single status byte.
func WriteStatus(w io.Writer, st Status) error {
	_, err := w.Write([]byte{byte(st)})
	return err
}

// ReadInt32 reads a big-endian signed 32-bit integer.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteInt32 writes a big-endian signed 32-bit integer.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadInt64 reads a big-endian signed 64-bit integer.
func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteInt64 writes a big-endian signed 64-bit integer.
func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadPath reads a length-prefixed UTF-8 path (int32 length followed by that
// many bytes). Lengths outside [0, MaxPathLen] yield ErrBadFrame.
func ReadPath(r io.Reader) (string, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return "", err
	}
	if n < 0 || n > MaxPathLen {
		return "", fmt.Errorf("%w: path length %d", ErrBadFrame, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WritePath writes a length-prefixed UTF-8 path.
func WritePath(w io.Writer, path string) error {
	if len(path) > MaxPathLen {
		return fmt.Errorf("%w: path length %d", ErrBadFrame, len(path))
	}
	if err := WriteInt32(w, int32(len(path))); err != nil {
		return err
	}
	_, err := io.WriteString(w, path)
	return err
}

// ReadHash reads the raw 64-byte SHA-512 digest trailing a content stream.
func ReadHash(r io.Reader) ([]byte, error) {
	buf := make([]byte, HashSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
