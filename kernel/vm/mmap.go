package vm

import (
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

// Mmap maps length bytes of file starting at offset to addr. The mapping
// covers ceil(length / mm.PageSize) pages, each loaded from its chunk of the
// file on first access; bytes past the end of the file read as zero. The
// mapping keeps its own handle to file so closing file does not affect it.
//
// Mmap returns addr or a validation error; on error nothing is mapped.
func (as *AddressSpace) Mmap(addr uintptr, length int64, writable bool, file fs.File, offset int64) (uintptr, error) {
	switch {
	case offset < 0 || !mm.IsPageAligned(uintptr(offset)):
		return 0, ErrUnalignedOffset
	case !mm.IsPageAligned(addr):
		return 0, ErrUnalignedAddress
	case !mm.IsUserAddress(addr):
		return 0, ErrInvalidAddress
	case length <= 0:
		return 0, ErrInvalidLength
	}

	pageCount := (uintptr(length) + mm.PageSize - 1) >> mm.PageShift
	end := addr + pageCount<<mm.PageShift
	if end < addr || end > mm.KernelBase {
		return 0, ErrInvalidAddress
	}

	for va := addr; va < end; va += mm.PageSize {
		if as.spt.Find(va) != nil {
			return 0, errors.Wrapf(ErrMappingOverlap, "page 0x%x", va)
		}
	}

	guard := as.frames.guard
	fileLen, err := guard.Length(file)
	if err != nil {
		return 0, errors.Wrap(err, "mmap")
	}
	if fileLen <= 0 {
		return 0, ErrEmptyFile
	}

	dup, err := guard.Duplicate(file)
	if err != nil {
		return 0, errors.Wrap(err, "mmap")
	}

	// The mapping holds a reference until every page is inserted.
	ref := newFileRef(dup).acquire()
	defer func() { _ = ref.release(guard) }()

	mapping := as.nextMapping
	as.nextMapping++

	for va, chunkOffset := addr, offset; va < end; va, chunkOffset = va+mm.PageSize, chunkOffset+int64(mm.PageSize) {
		var readBytes uintptr
		if remaining := fileLen - chunkOffset; remaining > 0 {
			readBytes = mm.PageSize
			if remaining < int64(mm.PageSize) {
				readBytes = uintptr(remaining)
			}
		}

		aux := &LoadInfo{
			Offset:    chunkOffset,
			ReadBytes: readBytes,
			ZeroBytes: mm.PageSize - readBytes,
			file:      ref.acquire(),
			mapping:   mapping,
		}

		p := NewUninitPage(va, writable, TypeFile, LazyLoad, aux)
		if err = as.spt.Insert(p); err != nil {
			_ = as.frames.Release(as, p)
			as.unmapRange(addr, va, mapping)
			return 0, err
		}
	}

	return addr, nil
}

// Munmap removes the pages of the mapping containing addr from addr's page
// onwards. Dirty resident pages are written back to the file first; pages
// that were never loaded are dropped without I/O. Unmapping an address
// without a mapped page is a no-op. The first write back error is returned
// after every page is removed.
func (as *AddressSpace) Munmap(addr uintptr) error {
	p := as.spt.Find(addr)
	if p == nil || p.MappingID() == 0 {
		return nil
	}

	return as.unmapRange(p.va, mm.KernelBase, p.MappingID())
}

// unmapRange removes the pages of mapping in [start, end), stopping at the
// first address that has no page or a page of another mapping.
func (as *AddressSpace) unmapRange(start, end uintptr, mapping MappingID) error {
	var firstErr error

	for va := start; va < end; va += mm.PageSize {
		p := as.spt.Find(va)
		if p == nil || p.MappingID() != mapping {
			break
		}

		if err := as.spt.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
