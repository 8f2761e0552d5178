package fs

import (
	"io"

	"github.com/pkg/errors"
)

// memInode holds the contents of an in-memory file together with I/O
// counters. Handles to the same file share the inode.
type memInode struct {
	data []byte

	reads  int
	writes int
}

// MemFile is a File stored in memory.
type MemFile struct {
	inode  *memInode
	pos    int64
	closed bool
}

// NewMemFile returns a handle to a new in-memory file holding a copy of data.
func NewMemFile(data []byte) *MemFile {
	inode := &memInode{data: make([]byte, len(data))}
	copy(inode.data, data)
	return &MemFile{inode: inode}
}

// Read implements io.Reader.
func (f *MemFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	f.inode.reads++
	if f.pos >= int64(len(f.inode.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.inode.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// Write implements io.Writer. Writes past the end of the file extend it.
func (f *MemFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// WriteAt implements io.WriterAt.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	switch {
	case f.closed:
		return 0, ErrClosed
	case off < 0:
		return 0, errNegativeOffset
	}

	f.inode.writes++
	if end := off + int64(len(p)); end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}

	return copy(f.inode.data[off:], p), nil
}

// Seek implements File.
func (f *MemFile) Seek(pos int64) error {
	switch {
	case f.closed:
		return ErrClosed
	case pos < 0:
		return errNegativeOffset
	}

	f.pos = pos
	return nil
}

// Tell implements File.
func (f *MemFile) Tell() int64 {
	return f.pos
}

// Length implements File.
func (f *MemFile) Length() (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}

	return int64(len(f.inode.data)), nil
}

// Duplicate implements File.
func (f *MemFile) Duplicate() (File, error) {
	if f.closed {
		return nil, ErrClosed
	}

	return &MemFile{inode: f.inode}, nil
}

// Close implements File.
func (f *MemFile) Close() error {
	if f.closed {
		return ErrClosed
	}

	f.closed = true
	return nil
}

// Bytes returns a copy of the file contents.
func (f *MemFile) Bytes() []byte {
	out := make([]byte, len(f.inode.data))
	copy(out, f.inode.data)
	return out
}

// Stats returns the number of Read and write calls issued against the file
// through any of its handles.
func (f *MemFile) Stats() (reads, writes int) {
	return f.inode.reads, f.inode.writes
}

// MemFS is a flat, in-memory FileSystem.
type MemFS struct {
	files map[string]*MemFile
}

// NewMemFS returns an empty MemFS.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*MemFile)}
}

// Create adds a file called name with the given contents, replacing any
// existing file, and returns a handle to it.
func (fsys *MemFS) Create(name string, data []byte) *MemFile {
	f := NewMemFile(data)
	fsys.files[name] = f
	return f
}

// Open implements FileSystem.
func (fsys *MemFS) Open(name string) (File, error) {
	f, ok := fsys.files[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "open %q", name)
	}

	return &MemFile{inode: f.inode}, nil
}
