// Package fs describes the file layer consumed by the virtual memory core.
// The underlying file system is not reentrant; every call into a File goes
// through a Guard which serializes them.
package fs

import (
	"io"

	"gophervm/kernel"
	"gophervm/kernel/sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Open when no file exists with the given name.
	ErrNotFound = &kernel.Error{Module: "fs", Message: "file not found", Kind: kernel.KindValidation}

	// ErrClosed is returned when operating on a closed file handle.
	ErrClosed = &kernel.Error{Module: "fs", Message: "file already closed", Kind: kernel.KindConsistency}

	errNegativeOffset = &kernel.Error{Module: "fs", Message: "negative file offset", Kind: kernel.KindValidation}
)

// File is an open file handle. Each handle has its own position; handles
// returned by Duplicate refer to the same underlying file.
type File interface {
	io.Reader
	io.Writer
	io.WriterAt

	// Seek sets the position of the next Read or Write to pos bytes from
	// the start of the file.
	Seek(pos int64) error

	// Tell returns the current position.
	Tell() int64

	// Length returns the size of the file in bytes.
	Length() (int64, error)

	// Duplicate opens a new handle to the same file.
	Duplicate() (File, error)

	// Close releases the handle.
	Close() error
}

// FileSystem opens files by name.
type FileSystem interface {
	Open(name string) (File, error)
}

// Guard is the file system lock. Each method acquires the lock right before
// calling into the file layer and releases it when the call returns,
// including on error paths.
type Guard struct {
	lock sync.Spinlock
}

// Open opens name on fsys.
func (g *Guard) Open(fsys FileSystem, name string) (File, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	return fsys.Open(name)
}

// ReadAt positions f at offset and reads up to len(buf) bytes. Reaching the
// end of the file is not an error; the number of bytes read is returned.
func (g *Guard) ReadAt(f File, buf []byte, offset int64) (int, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	if err := f.Seek(offset); err != nil {
		return 0, errors.Wrapf(err, "seek to %d", offset)
	}

	n, err := readFull(f, buf)
	if err != nil {
		return n, errors.Wrapf(err, "read %d bytes at %d", len(buf), offset)
	}
	return n, nil
}

// Read reads up to len(buf) bytes from the current position of f.
func (g *Guard) Read(f File, buf []byte) (int, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	n, err := readFull(f, buf)
	if err != nil {
		return n, errors.Wrapf(err, "read %d bytes", len(buf))
	}
	return n, nil
}

func readFull(f File, buf []byte) (int, error) {
	var read int
	for read < len(buf) {
		n, err := f.Read(buf[read:])
		read += n
		if errors.Cause(err) == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return read, err
		}
	}

	return read, nil
}

// Write writes buf at the current position of f.
func (g *Guard) Write(f File, buf []byte) (int, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	n, err := f.Write(buf)
	if err != nil {
		return n, errors.Wrapf(err, "write %d bytes", len(buf))
	}

	return n, nil
}

// WriteAt writes buf to f at offset.
func (g *Guard) WriteAt(f File, buf []byte, offset int64) (int, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return n, errors.Wrapf(err, "write %d bytes at %d", len(buf), offset)
	}

	return n, nil
}

// Length returns the size of f.
func (g *Guard) Length(f File) (int64, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	return f.Length()
}

// Duplicate returns a new handle to the file behind f.
func (g *Guard) Duplicate(f File) (File, error) {
	g.lock.Acquire()
	defer g.lock.Release()

	return f.Duplicate()
}

// Close closes f.
func (g *Guard) Close(f File) error {
	g.lock.Acquire()
	defer g.lock.Release()

	return f.Close()
}
