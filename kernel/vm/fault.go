package vm

import (
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

// Fault describes a page fault.
type Fault struct {
	// Addr is the faulting address.
	Addr uintptr

	// User is set if the fault was raised by user code.
	User bool

	// Write is set if the faulting access was a store.
	Write bool

	// NotPresent is set if the page was not present. Faults on present
	// pages are protection violations.
	NotPresent bool

	// RSP is the stack pointer at the time of a user fault.
	RSP uintptr
}

// HandleFault resolves a page fault in as. A nil error means the faulting
// access can be retried. Any error is fatal for the faulting process; the
// caller is expected to terminate it.
//
// Faults on null or kernel addresses and faults on present pages are fatal.
// A not-present fault on an address without a page grows the stack if the
// address is within the stack window, otherwise it is fatal. Write faults on
// pages that are not writable are fatal. Everything else loads the page.
func (as *AddressSpace) HandleFault(f Fault) error {
	as.faults++

	if !mm.IsUserAddress(f.Addr) {
		return errors.Wrapf(ErrBadAddress, "fault at 0x%x", f.Addr)
	}

	if !f.NotPresent {
		return errors.Wrapf(ErrProtectionViolation, "fault at 0x%x", f.Addr)
	}

	rsp := f.RSP
	if !f.User {
		rsp = as.rsp
	}

	p := as.spt.Find(f.Addr)
	if p == nil {
		if isStackGrowth(f.Addr, rsp) {
			return as.growStack(f.Addr)
		}
		return errors.Wrapf(ErrPageNotFound, "fault at 0x%x", f.Addr)
	}

	if f.Write && !p.writable {
		return errors.Wrapf(ErrReadOnlyPage, "fault at 0x%x", f.Addr)
	}

	if err := as.frames.Claim(as, p); err != nil {
		return errors.Wrapf(err, "fault at 0x%x", f.Addr)
	}

	return nil
}

// isStackGrowth reports whether a fault at addr with stack pointer rsp
// should grow the stack. Two accesses qualify: the probe a push performs 8
// bytes below rsp, and any access at or above rsp. Both must fall within
// MaxStackSize below UserStackTop.
func isStackGrowth(addr, rsp uintptr) bool {
	if addr >= mm.UserStackTop {
		return false
	}

	if rsp >= 8 && rsp-8 == addr && mm.StackLimit <= rsp-8 {
		return true
	}

	return mm.StackLimit <= rsp && rsp <= addr
}

// growStack adds a writable anonymous stack page at addr and loads it.
func (as *AddressSpace) growStack(addr uintptr) error {
	p := NewAnonPage(addr, true)
	p.stack = true

	if err := as.spt.Insert(p); err != nil {
		return err
	}

	if err := as.frames.Claim(as, p); err != nil {
		_ = as.spt.Remove(p)
		return errors.Wrapf(err, "grow stack to 0x%x", p.va)
	}

	if p.va < as.stackBottom {
		as.stackBottom = p.va
	}
	return nil
}
