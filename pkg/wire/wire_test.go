package wire

import (
	"bytes"
	"crypto/sha512"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValues(t *testing.T) {
	// Wire compatibility contract with deployed peers.
	assert.Equal(t, Request(1), ReqUpload)
	assert.Equal(t, Request(2), ReqPrepare)
	assert.Equal(t, Request(3), ReqCommit)
	assert.Equal(t, Request(4), ReqRollback)
	assert.Equal(t, Request(5), ReqDownload)

	assert.Equal(t, Status(1), StatusOK)
	assert.Equal(t, Status(2), StatusError)
	assert.Equal(t, Status(3), StatusNotFound)
	assert.Equal(t, Status(4), StatusUploading)
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, ReqDownload))

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, ReqDownload, req)
}

func TestIntegersBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, 0x01020304))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteInt64(&buf, 0x0102030405060708))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf.Bytes())

	v, err := ReadInt64(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
}

func TestPathRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePath(&buf, "a/b/c.txt"))

	path, err := ReadPath(&buf)
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.txt", path)
}

func TestReadPathRejectsNegativeLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, -1))

	_, err := ReadPath(&buf)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestReadPathRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, MaxPathLen+1))

	_, err := ReadPath(&buf)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestReadPathShortRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, 10))
	buf.WriteString("abc") // only 3 of 10 bytes

	_, err := ReadPath(&buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadHash(t *testing.T) {
	digest := sha512.Sum512([]byte("payload"))

	got, err := ReadHash(bytes.NewReader(digest[:]))
	require.NoError(t, err)
	assert.Equal(t, digest[:], got)

	_, err = ReadHash(bytes.NewReader(digest[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "UPLOAD", ReqUpload.String())
	assert.Equal(t, "ROLLBACK", ReqRollback.String())
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "UPLOADING", StatusUploading.String())
	assert.Equal(t, "Request(9)", Request(9).String())
}
