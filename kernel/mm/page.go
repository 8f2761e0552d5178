package mm

import "math"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageRoundDown returns the address of the page that contains virtAddr.
func PageRoundDown(virtAddr uintptr) uintptr {
	return virtAddr &^ PageOffsetMask
}

// PageRoundUp rounds size up to the nearest multiple of PageSize.
func PageRoundUp(size uintptr) uintptr {
	return (size + PageOffsetMask) &^ PageOffsetMask
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & PageOffsetMask
}

// IsPageAligned returns true if addr lies on a page boundary.
func IsPageAligned(addr uintptr) bool {
	return addr&PageOffsetMask == 0
}

// IsKernelAddress returns true if virtAddr belongs to the kernel half of the
// address space.
func IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= KernelBase
}

// IsUserAddress returns true if virtAddr is a non-null address in the user
// half of the address space.
func IsUserAddress(virtAddr uintptr) bool {
	return virtAddr != 0 && virtAddr < KernelBase
}
