package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageOffsetMask extracts the offset of an address within its page.
	PageOffsetMask = PageSize - 1
)

// User address space layout.
const (
	// KernelBase is the first kernel virtual address. Every address at or
	// above KernelBase belongs to the kernel and is never mapped into the
	// supplemental page table of a user process.
	KernelBase = uintptr(0x8004000000)

	// UserStackTop is the address right above the first byte of the user
	// stack. The stack grows down from here.
	UserStackTop = uintptr(0x47480000)

	// MaxStackSize is the largest size the user stack is allowed to grow
	// to.
	MaxStackSize = uintptr(1 << 20)

	// StackLimit is the lowest address that may belong to the user stack.
	StackLimit = UserStackTop - MaxStackSize
)
