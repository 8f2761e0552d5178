package vm

import (
	"sync/atomic"

	"gophervm/kernel"
	"gophervm/kernel/fs"

	"github.com/pkg/errors"
)

// fileRef is a file handle shared by the pages of a mapping or a segment.
// The handle is closed when the last page releases it.
type fileRef struct {
	file fs.File
	refs int32
}

func newFileRef(file fs.File) *fileRef {
	return &fileRef{file: file}
}

func (r *fileRef) acquire() *fileRef {
	atomic.AddInt32(&r.refs, 1)
	return r
}

func (r *fileRef) release(guard *fs.Guard) error {
	if atomic.AddInt32(&r.refs, -1) != 0 {
		return nil
	}

	return guard.Close(r.file)
}

// duplicate returns a reference to a duplicate of the file. dups caches the
// duplicates created for a single address space copy.
func (r *fileRef) duplicate(guard *fs.Guard, dups map[*fileRef]*fileRef) (*fileRef, error) {
	if dup, ok := dups[r]; ok {
		return dup.acquire(), nil
	}

	f, err := guard.Duplicate(r.file)
	if err != nil {
		return nil, errors.Wrap(err, "duplicate file")
	}

	dup := newFileRef(f)
	dups[r] = dup
	return dup.acquire(), nil
}

// LazyLoad is the Initializer used for segment and mmap pages. It reads
// aux.ReadBytes bytes at aux.Offset and zero-fills the rest of the page.
func LazyLoad(guard *fs.Guard, data []byte, aux *LoadInfo) error {
	if aux == nil || aux.file == nil {
		kernel.Memset(data, 0)
		return nil
	}

	return loadFileRange(guard, data, aux.file.file, aux.Offset, aux.ReadBytes)
}

// loadFileRange reads readBytes bytes of f at offset into data and
// zero-fills the rest of data. A zero-length range issues no read.
func loadFileRange(guard *fs.Guard, data []byte, f fs.File, offset int64, readBytes uintptr) error {
	if readBytes > 0 {
		n, err := guard.ReadAt(f, data[:readBytes], offset)
		if err != nil {
			return errors.Wrapf(err, "load page at file offset %d", offset)
		}

		if uintptr(n) != readBytes {
			return errors.Wrapf(errShortRead, "read %d of %d bytes at file offset %d", n, readBytes, offset)
		}
	}

	kernel.Memset(data[readBytes:], 0)
	return nil
}

// writeFileRange writes the first readBytes bytes of data back to f.
func writeFileRange(guard *fs.Guard, data []byte, f fs.File, offset int64, readBytes uintptr) error {
	if readBytes == 0 {
		return nil
	}

	if _, err := guard.WriteAt(f, data[:readBytes], offset); err != nil {
		return errors.Wrapf(err, "write back page at file offset %d", offset)
	}

	return nil
}
