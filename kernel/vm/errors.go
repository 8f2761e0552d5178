package vm

import "gophervm/kernel"

var (
	// ErrDuplicatePage is returned when inserting a page at an address that
	// already has one.
	ErrDuplicatePage = &kernel.Error{Module: "vm", Message: "page already exists at address", Kind: kernel.KindConsistency}

	// ErrPageNotFound is returned when no page covers an address.
	ErrPageNotFound = &kernel.Error{Module: "vm", Message: "no page at address", Kind: kernel.KindFaultFatal}

	// ErrNoFreeFrames is returned when a frame could not be obtained even
	// after trying to evict a resident page.
	ErrNoFreeFrames = &kernel.Error{Module: "vm", Message: "no evictable frames", Kind: kernel.KindResourceExhausted}

	// ErrNoSwapSlots is returned when an anonymous page cannot be swapped
	// out because the swap device is full.
	ErrNoSwapSlots = &kernel.Error{Module: "vm", Message: "swap device is full", Kind: kernel.KindResourceExhausted}

	// ErrBadAddress is returned for faults on null or kernel addresses.
	ErrBadAddress = &kernel.Error{Module: "vm", Message: "fault on null or kernel address", Kind: kernel.KindFaultFatal}

	// ErrProtectionViolation is returned for faults on present pages.
	ErrProtectionViolation = &kernel.Error{Module: "vm", Message: "protection violation on present page", Kind: kernel.KindFaultFatal}

	// ErrReadOnlyPage is returned for write faults on pages that are not
	// writable.
	ErrReadOnlyPage = &kernel.Error{Module: "vm", Message: "write to read-only page", Kind: kernel.KindFaultFatal}

	// ErrInconsistentBinding is returned when a frame and the page it is
	// bound to disagree.
	ErrInconsistentBinding = &kernel.Error{Module: "vm", Message: "frame binding does not match page", Kind: kernel.KindConsistency}

	// Mmap argument validation errors.
	ErrUnalignedAddress = &kernel.Error{Module: "vm", Message: "address is not page aligned", Kind: kernel.KindValidation}
	ErrUnalignedOffset  = &kernel.Error{Module: "vm", Message: "file offset is not page aligned", Kind: kernel.KindValidation}
	ErrInvalidAddress   = &kernel.Error{Module: "vm", Message: "mapping address is null or not in user space", Kind: kernel.KindValidation}
	ErrInvalidLength    = &kernel.Error{Module: "vm", Message: "mapping length must be positive", Kind: kernel.KindValidation}
	ErrMappingOverlap   = &kernel.Error{Module: "vm", Message: "mapping overlaps existing pages", Kind: kernel.KindValidation}
	ErrEmptyFile        = &kernel.Error{Module: "vm", Message: "cannot map an empty file", Kind: kernel.KindValidation}
	ErrInvalidSegment   = &kernel.Error{Module: "vm", Message: "segment is not page aligned", Kind: kernel.KindValidation}

	errAlreadyResident  = &kernel.Error{Module: "vm", Message: "page is already resident", Kind: kernel.KindConsistency}
	errShortRead        = &kernel.Error{Module: "vm", Message: "short read while loading page", Kind: kernel.KindFaultFatal}
	errUnknownPageState = &kernel.Error{Module: "vm", Message: "unknown page state"}
)
