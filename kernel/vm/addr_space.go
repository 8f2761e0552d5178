package vm

import (
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vmm"
)

// PageTable is the hardware page table of an address space.
type PageTable interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) error
	Unmap(page mm.Page) error
	Clear(page mm.Page)
	Lookup(page mm.Page) (mm.Frame, bool)
	IsDirty(page mm.Page) bool
	SetDirty(page mm.Page, dirty bool)
	IsAccessed(page mm.Page) bool
	SetAccessed(page mm.Page, accessed bool)
	Access(virtAddr uintptr, write bool, accessFn func(frame mm.Frame, offset uintptr)) error
	Destroy()
}

var (
	// newPageTableFn is used by tests to override the page table
	// implementation.
	newPageTableFn = func() PageTable { return vmm.NewPageDirectoryTable() }
)

// AddressSpace is the user address space of a process.
type AddressSpace struct {
	id     ASID
	frames *FrameTable
	pdt    PageTable
	spt    SupplementalPageTable

	// stackBottom is the lowest address of the user stack. The stack
	// spans [stackBottom, mm.UserStackTop).
	stackBottom uintptr

	// rsp is the user stack pointer saved on the last kernel entry. Faults
	// raised while running kernel code use it for stack growth checks.
	rsp uintptr

	nextMapping MappingID

	// faults counts the calls to HandleFault.
	faults uint64
}

// NewAddressSpace returns an empty address space whose pages are backed by
// frames from ft.
func NewAddressSpace(ft *FrameTable) *AddressSpace {
	as := &AddressSpace{
		frames:      ft,
		pdt:         newPageTableFn(),
		stackBottom: mm.UserStackTop,
		nextMapping: 1,
	}
	as.spt.init(as)
	ft.register(as)
	return as
}

// ID returns the address space id.
func (as *AddressSpace) ID() ASID { return as.id }

// SPT returns the supplemental page table of the address space.
func (as *AddressSpace) SPT() *SupplementalPageTable { return &as.spt }

// PageTable returns the hardware page table of the address space.
func (as *AddressSpace) PageTable() PageTable { return as.pdt }

// Frames returns the frame table backing the address space.
func (as *AddressSpace) Frames() *FrameTable { return as.frames }

// Faults returns the number of page faults handled for the address space.
func (as *AddressSpace) Faults() uint64 { return as.faults }

// StackBottom returns the lowest address of the user stack.
func (as *AddressSpace) StackBottom() uintptr { return as.stackBottom }

// SetStackPointer records the user stack pointer on kernel entry.
func (as *AddressSpace) SetStackPointer(rsp uintptr) { as.rsp = rsp }

// StackPointer returns the saved user stack pointer.
func (as *AddressSpace) StackPointer() uintptr { return as.rsp }

// Fork returns a copy of the address space. A partially built copy is torn
// down if any page cannot be copied.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child := NewAddressSpace(as.frames)
	child.stackBottom = as.stackBottom
	child.rsp = as.rsp
	child.nextMapping = as.nextMapping

	if err := child.spt.Copy(&as.spt); err != nil {
		_ = child.Destroy()
		return nil, err
	}

	return child, nil
}

// Destroy tears down every page of the address space, writing back dirty
// file-backed pages, and drops its page table.
func (as *AddressSpace) Destroy() error {
	err := as.spt.Teardown()
	as.pdt.Destroy()
	as.frames.unregister(as)
	return err
}
