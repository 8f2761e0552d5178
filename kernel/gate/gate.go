// Package gate routes traps (exceptions and system calls) to the kernel
// handlers registered for them.
package gate

import (
	"io"

	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/sync"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions or the syscall
	// number for syscall entries.
	Info uint64

	// CR2 holds the faulting address for page faults.
	CR2 uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x CR2 = %16x\n", r.RFlags, r.CR2)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// SyscallVector is the trap used by user code to enter the kernel.
	SyscallVector = InterruptNumber(0x80)
)

// Page fault error code bits stored in Registers.Info.
const (
	// PageFaultPresent is set if the fault was caused by a protection
	// violation on a present page.
	PageFaultPresent = uint64(1 << 0)

	// PageFaultWrite is set if the faulting access was a write.
	PageFaultWrite = uint64(1 << 1)

	// PageFaultUser is set if the fault occurred in user mode.
	PageFaultUser = uint64(1 << 2)
)

var (
	handlers    [256]func(*Registers)
	handlerLock sync.Spinlock

	errNoHandler = &kernel.Error{Module: "gate", Message: "no handler installed for interrupt"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes the
// installed one.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlerLock.Acquire()
	defer handlerLock.Release()

	handlers[intNumber] = handler
}

// Dispatch routes a trap to the handler installed for intNumber. The
// handler may modify regs (e.g. to store a syscall return value in RAX).
func Dispatch(intNumber InterruptNumber, regs *Registers) error {
	handlerLock.Acquire()
	handler := handlers[intNumber]
	handlerLock.Release()

	if handler == nil {
		return errNoHandler
	}

	handler(regs)
	return nil
}
