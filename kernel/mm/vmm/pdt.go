// Package vmm implements the hardware page table primitives consumed by the
// virtual memory core: a four-level page directory table whose entries use
// the amd64 entry format. The MMU side (translation plus accessed and dirty
// bit updates) is provided by Access.
package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
	"gophervm/kernel/sync"
)

var (
	// flushTLBEntryFn is invoked whenever a present leaf entry changes.
	// Tests override it to observe invalidations.
	flushTLBEntryFn = func(uintptr) {}

	errMapKernelPage = &kernel.Error{Module: "vmm", Message: "kernel pages cannot be mapped into a user page table", Kind: kernel.KindConsistency}
)

// pageTable is one level of the paging hierarchy. Entries of non-leaf levels
// point to the next level table through the tables array.
type pageTable struct {
	entries [1 << 9]pageTableEntry
	tables  [1 << 9]*pageTable
}

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All methods are safe for concurrent use; the frame table unmaps
// pages of other address spaces while evicting.
type PageDirectoryTable struct {
	lock sync.Spinlock

	root *pageTable

	// tableCount tracks the number of allocated tables including root.
	tableCount int
}

// NewPageDirectoryTable returns an empty page directory table.
func NewPageDirectoryTable() *PageDirectoryTable {
	return &PageDirectoryTable{root: &pageTable{}, tableCount: 1}
}

// walk performs a page table walk for the given virtual address. It calls
// the supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false the walk is aborted. Missing tables
// are allocated when create is true; otherwise the walk stops at the first
// missing table. Callers must hold the table lock.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, create bool, walkFn func(pteLevel uint8, pte *pageTableEntry) bool) {
	table := pdt.root
	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &table.entries[index]

		if level < pageLevels-1 && !pte.HasFlags(FlagPresent) && create {
			table.tables[index] = &pageTable{}
			pdt.tableCount++
			*pte = 0
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		if table = table.tables[index]; table == nil {
			return
		}
	}
}

// leaf returns the last level entry for page or nil if the tables leading to
// it do not exist.
func (pdt *PageDirectoryTable) leaf(page mm.Page) *pageTableEntry {
	var leafPte *pageTableEntry
	pdt.walk(page.Address(), false, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			leafPte = pte
			return true
		}

		return pte.HasFlags(FlagPresent)
	})

	return leafPte
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated on the way down. The entry is
// always marked present and user accessible; FlagRW makes it writable.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) error {
	if !mm.IsUserAddress(page.Address()) {
		return errMapKernelPage
	}

	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pdt.walk(page.Address(), true, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent | FlagUserAccessible)
			flushTLBEntryFn(page.Address())
		}
		return true
	})

	return nil
}

// Unmap marks the mapping for page as not present. Like the MMU, Unmap
// leaves the remaining entry bits (including the dirty bit) untouched so that
// the caller can still inspect them. Unmapping a page that is not present
// returns ErrInvalidMapping.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte := pdt.leaf(page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	pte.ClearFlags(FlagPresent)
	flushTLBEntryFn(page.Address())
	return nil
}

// Clear resets the entry for page, discarding any mapping and status bits.
func (pdt *PageDirectoryTable) Clear(page mm.Page) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if pte := pdt.leaf(page); pte != nil {
		if pte.HasFlags(FlagPresent) {
			flushTLBEntryFn(page.Address())
		}
		*pte = 0
	}
}

// Lookup returns the frame that page is mapped to and whether the mapping is
// present.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, bool) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte := pdt.leaf(page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}

	return pte.Frame(), true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, error) {
	frame, present := pdt.Lookup(mm.PageFromAddress(virtAddr))
	if !present {
		return 0, ErrInvalidMapping
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// IsDirty returns true if the entry for page has the dirty bit set. The bit
// is reported even if the page is no longer present.
func (pdt *PageDirectoryTable) IsDirty(page mm.Page) bool {
	return pdt.hasFlag(page, FlagDirty)
}

// SetDirty sets or clears the dirty bit for page.
func (pdt *PageDirectoryTable) SetDirty(page mm.Page, dirty bool) {
	pdt.updateFlag(page, FlagDirty, dirty)
}

// IsAccessed returns true if the entry for page has the accessed bit set.
func (pdt *PageDirectoryTable) IsAccessed(page mm.Page) bool {
	return pdt.hasFlag(page, FlagAccessed)
}

// SetAccessed sets or clears the accessed bit for page.
func (pdt *PageDirectoryTable) SetAccessed(page mm.Page, accessed bool) {
	pdt.updateFlag(page, FlagAccessed, accessed)
}

func (pdt *PageDirectoryTable) hasFlag(page mm.Page, flag PageTableEntryFlag) bool {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte := pdt.leaf(page)
	return pte != nil && pte.HasFlags(flag)
}

func (pdt *PageDirectoryTable) updateFlag(page mm.Page, flag PageTableEntryFlag, set bool) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte := pdt.leaf(page)
	if pte == nil {
		return
	}

	if set {
		pte.SetFlags(flag)
	} else {
		pte.ClearFlags(flag)
	}
}

// Access emulates a user-mode load or store to virtAddr. If the address
// translates to a present page, the accessed bit (and the dirty bit for
// writes) is set and accessFn is invoked with the backing frame and the
// offset of virtAddr within it while the table lock is held, so the mapping
// cannot be torn down by a concurrent eviction until accessFn returns.
//
// Access returns ErrInvalidMapping for a not-present page and
// ErrProtectionFault for a write to a present read-only page.
func (pdt *PageDirectoryTable) Access(virtAddr uintptr, write bool, accessFn func(frame mm.Frame, offset uintptr)) error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte := pdt.leaf(mm.PageFromAddress(virtAddr))
	switch {
	case pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible):
		return ErrInvalidMapping
	case write && !pte.HasFlags(FlagRW):
		return ErrProtectionFault
	}

	pte.SetFlags(FlagAccessed)
	if write {
		pte.SetFlags(FlagDirty)
	}

	accessFn(pte.Frame(), mm.PageOffset(virtAddr))
	return nil
}

// TableCount returns the number of page tables allocated for this directory
// including the top-level one.
func (pdt *PageDirectoryTable) TableCount() int {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	return pdt.tableCount
}

// Destroy drops every table. The directory can be reused afterwards.
func (pdt *PageDirectoryTable) Destroy() {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pdt.root = &pageTable{}
	pdt.tableCount = 1
}
