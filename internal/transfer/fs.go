package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"

	"tessera/internal/fileutil"
)

// Error is the error class for archive failures.
var Error = errs.Class("transfer")

var errChecksumUnsupported = Error.New("remote checksum unavailable")

// File is an open archive file.
type File interface {
	io.ReadWriteSeeker
	io.Closer
}

// FS is the archive surface the client relies on. Paths are absolute and
// slash-separated.
type FS interface {
	Stat(name string) (os.FileInfo, error)
	MkdirAll(dir string) error
	OpenFile(name string, flag int) (File, error)
	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error
	Remove(name string) error
	// Checksum returns the hex SHA256 of name as computed by the archive.
	Checksum(ctx context.Context, name string) (string, error)
	Close() error
}

type localFS struct{}

// NewLocalFS returns an FS backed by the local filesystem.
func NewLocalFS() FS {
	return localFS{}
}

func (localFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(filepath.FromSlash(name))
}

func (localFS) MkdirAll(dir string) error {
	return os.MkdirAll(filepath.FromSlash(dir), 0o755)
}

func (localFS) OpenFile(name string, flag int) (File, error) {
	f, err := os.OpenFile(filepath.FromSlash(name), flag, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (localFS) Rename(oldname, newname string) error {
	return os.Rename(filepath.FromSlash(oldname), filepath.FromSlash(newname))
}

func (localFS) Remove(name string) error {
	return os.Remove(filepath.FromSlash(name))
}

func (localFS) Checksum(_ context.Context, name string) (string, error) {
	sum, _, err := fileutil.SHA256File(filepath.FromSlash(name))
	return sum, err
}

func (localFS) Close() error { return nil }

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
