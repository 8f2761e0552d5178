package vm

import (
	"gophervm/kernel/mm"
	"gophervm/kernel/sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// SupplementalPageTable tracks every page of an address space, resident or
// not. It owns its pages; removing a page destroys it.
type SupplementalPageTable struct {
	lock sync.Spinlock

	owner *AddressSpace
	pages map[mm.Page]*Page
}

func (spt *SupplementalPageTable) init(owner *AddressSpace) {
	spt.owner = owner
	spt.pages = make(map[mm.Page]*Page)
}

// Insert adds p to the table. It fails with ErrDuplicatePage if a page
// already exists at the address of p, leaving the existing page untouched.
func (spt *SupplementalPageTable) Insert(p *Page) error {
	spt.lock.Acquire()
	defer spt.lock.Release()

	key := mm.PageFromAddress(p.va)
	if _, exists := spt.pages[key]; exists {
		return errors.Wrapf(ErrDuplicatePage, "insert 0x%x", p.va)
	}

	spt.pages[key] = p
	return nil
}

// Find returns the page containing va or nil if there is none.
func (spt *SupplementalPageTable) Find(va uintptr) *Page {
	spt.lock.Acquire()
	defer spt.lock.Release()

	return spt.pages[mm.PageFromAddress(va)]
}

// Remove unregisters and destroys p, freeing its frame if it is resident.
// Dirty file-backed pages are written back first. Removing a page that is
// not in the table returns ErrPageNotFound and has no side effects.
func (spt *SupplementalPageTable) Remove(p *Page) error {
	spt.lock.Acquire()
	key := mm.PageFromAddress(p.va)
	if spt.pages[key] != p {
		spt.lock.Release()
		return errors.Wrapf(ErrPageNotFound, "remove 0x%x", p.va)
	}
	delete(spt.pages, key)
	spt.lock.Release()

	return spt.owner.frames.Release(spt.owner, p)
}

// Len returns the number of pages in the table.
func (spt *SupplementalPageTable) Len() int {
	spt.lock.Acquire()
	defer spt.lock.Release()

	return len(spt.pages)
}

// Each calls fn for every page in ascending address order until fn returns
// false.
func (spt *SupplementalPageTable) Each(fn func(p *Page) bool) {
	for _, p := range spt.sorted() {
		if !fn(p) {
			return
		}
	}
}

// sorted returns a snapshot of the pages ordered by address.
func (spt *SupplementalPageTable) sorted() []*Page {
	spt.lock.Acquire()
	keys := make([]mm.Page, 0, len(spt.pages))
	for key := range spt.pages {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	pages := make([]*Page, len(keys))
	for i, key := range keys {
		pages[i] = spt.pages[key]
	}
	spt.lock.Release()

	return pages
}

// Copy fills spt with a copy of every page of src. Pages that were never
// loaded are copied unloaded with their own file handle; resident and
// swapped out pages get a fresh frame holding a copy of their contents.
// Copy stops at the first failure; the caller is expected to tear down spt.
func (spt *SupplementalPageTable) Copy(src *SupplementalPageTable) error {
	var (
		ft   = spt.owner.frames
		dups = make(map[*fileRef]*fileRef)
	)

	for _, sp := range src.sorted() {
		dp, err := sp.clone(ft.guard, dups)
		if err != nil {
			return errors.Wrapf(err, "copy page 0x%x", sp.va)
		}

		if err = spt.Insert(dp); err != nil {
			_ = ft.Release(spt.owner, dp)
			return err
		}

		if err = ft.cloneInto(src.owner, sp, spt.owner, dp); err != nil {
			return errors.Wrapf(err, "copy page 0x%x", sp.va)
		}
	}

	return nil
}

// Teardown destroys every page in ascending address order. Dirty resident
// file-backed pages are written back before their frames are released. All
// pages are destroyed even if a write back fails; the first error is
// returned.
func (spt *SupplementalPageTable) Teardown() error {
	var firstErr error

	for _, p := range spt.sorted() {
		if err := spt.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
