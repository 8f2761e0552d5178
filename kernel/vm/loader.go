package vm

import (
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

// LoadSegment registers the pages of an executable segment. The segment
// starts at upage and consists of readBytes bytes read from file at offset
// followed by zeroBytes zero bytes. Pages are loaded on first access and
// become anonymous pages once loaded.
func (as *AddressSpace) LoadSegment(file fs.File, offset int64, upage uintptr, readBytes, zeroBytes uintptr, writable bool) error {
	if (readBytes+zeroBytes)&mm.PageOffsetMask != 0 || !mm.IsPageAligned(upage) || offset < 0 || !mm.IsPageAligned(uintptr(offset)) {
		return ErrInvalidSegment
	}

	if !mm.IsUserAddress(upage) || upage+readBytes+zeroBytes > mm.KernelBase {
		return ErrInvalidAddress
	}

	guard := as.frames.guard
	dup, err := guard.Duplicate(file)
	if err != nil {
		return errors.Wrap(err, "load segment")
	}

	ref := newFileRef(dup).acquire()
	defer func() { _ = ref.release(guard) }()

	for readBytes > 0 || zeroBytes > 0 {
		pageReadBytes := readBytes
		if pageReadBytes > mm.PageSize {
			pageReadBytes = mm.PageSize
		}
		pageZeroBytes := mm.PageSize - pageReadBytes

		aux := &LoadInfo{
			Offset:    offset,
			ReadBytes: pageReadBytes,
			ZeroBytes: pageZeroBytes,
			file:      ref.acquire(),
		}

		p := NewUninitPage(upage, writable, TypeAnon, LazyLoad, aux)
		if err = as.spt.Insert(p); err != nil {
			_ = as.frames.Release(as, p)
			return err
		}

		readBytes -= pageReadBytes
		zeroBytes -= pageZeroBytes
		upage += mm.PageSize
		offset += int64(mm.PageSize)
	}

	return nil
}

// SetupStack creates and loads the first stack page right below
// mm.UserStackTop and returns the initial stack pointer.
func (as *AddressSpace) SetupStack() (uintptr, error) {
	p := NewAnonPage(mm.UserStackTop-mm.PageSize, true)
	p.stack = true

	if err := as.spt.Insert(p); err != nil {
		return 0, err
	}

	if err := as.ClaimPage(p.va); err != nil {
		_ = as.spt.Remove(p)
		return 0, err
	}

	as.stackBottom = p.va
	as.rsp = mm.UserStackTop
	return mm.UserStackTop, nil
}

// ClaimPage loads the page containing va.
func (as *AddressSpace) ClaimPage(va uintptr) error {
	p := as.spt.Find(va)
	if p == nil {
		return errors.Wrapf(ErrPageNotFound, "claim 0x%x", va)
	}

	return as.frames.Claim(as, p)
}
