// Package proc implements the user processes that own address spaces.
package proc

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/sync"
	"gophervm/kernel/vm"

	"github.com/pkg/errors"
)

const (
	// StdinFD and StdoutFD are reserved for the console.
	StdinFD  = 0
	StdoutFD = 1

	firstFileFD = 2
)

var (
	// ErrBadFD is returned for a descriptor that is not open.
	ErrBadFD = &kernel.Error{Module: "proc", Message: "bad file descriptor", Kind: kernel.KindValidation}

	// ErrReservedFD is returned when a console descriptor is used where a
	// file is required.
	ErrReservedFD = &kernel.Error{Module: "proc", Message: "console descriptors cannot be mapped", Kind: kernel.KindValidation}

	// ErrExited is returned for operations on a process that has exited.
	ErrExited = &kernel.Error{Module: "proc", Message: "process has exited", Kind: kernel.KindConsistency}

	current     *Process
	currentLock sync.Spinlock

	log = kfmt.NewLogger("[proc] ")
)

// Process is a user process: an address space and its open files.
type Process struct {
	name string
	as   *vm.AddressSpace

	lock   sync.Spinlock
	files  map[int]fs.File
	nextFD int

	exited     bool
	exitStatus int
}

// New returns a process with an empty address space backed by ft.
func New(name string, ft *vm.FrameTable) *Process {
	return newProcess(name, vm.NewAddressSpace(ft))
}

func newProcess(name string, as *vm.AddressSpace) *Process {
	return &Process{
		name:   name,
		as:     as,
		files:  make(map[int]fs.File),
		nextFD: firstFileFD,
	}
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// AddressSpace returns the address space of the process.
func (p *Process) AddressSpace() *vm.AddressSpace { return p.as }

// ExitStatus returns the exit status and whether the process has exited.
func (p *Process) ExitStatus() (int, bool) {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.exitStatus, p.exited
}

// Open opens name in fsys and returns its descriptor.
func (p *Process) Open(fsys fs.FileSystem, name string) (int, error) {
	f, err := p.as.Frames().Guard().Open(fsys, name)
	if err != nil {
		return -1, err
	}

	fd, err := p.AddFile(f)
	if err != nil {
		_ = p.as.Frames().Guard().Close(f)
		return -1, err
	}
	return fd, nil
}

// AddFile installs f in the lowest unused descriptor slot above the console
// descriptors.
func (p *Process) AddFile(f fs.File) (int, error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.exited {
		return -1, ErrExited
	}

	fd := p.nextFD
	p.files[fd] = f
	p.nextFD++
	return fd, nil
}

// File returns the file open at fd.
func (p *Process) File(fd int) (fs.File, error) {
	p.lock.Acquire()
	defer p.lock.Release()

	f, ok := p.files[fd]
	if !ok {
		return nil, errors.Wrapf(ErrBadFD, "fd %d", fd)
	}
	return f, nil
}

// CloseFile closes the file open at fd. Mappings created from the file stay
// valid.
func (p *Process) CloseFile(fd int) error {
	p.lock.Acquire()
	f, ok := p.files[fd]
	delete(p.files, fd)
	p.lock.Release()

	if !ok {
		return errors.Wrapf(ErrBadFD, "fd %d", fd)
	}
	return p.as.Frames().Guard().Close(f)
}

// Mmap maps length bytes of the file open at fd, starting at offset, at
// addr.
func (p *Process) Mmap(addr uintptr, length int64, writable bool, fd int, offset int64) (uintptr, error) {
	if fd == StdinFD || fd == StdoutFD {
		return 0, ErrReservedFD
	}

	f, err := p.File(fd)
	if err != nil {
		return 0, err
	}

	return p.as.Mmap(addr, length, writable, f, offset)
}

// Munmap removes the mapping that contains addr.
func (p *Process) Munmap(addr uintptr) error {
	return p.as.Munmap(addr)
}

// PageFault handles a page fault raised while p was running. A fault that
// cannot be resolved terminates p with exit status -1.
func (p *Process) PageFault(regs *gate.Registers) {
	f := vm.Fault{
		Addr:       uintptr(regs.CR2),
		User:       regs.Info&gate.PageFaultUser != 0,
		Write:      regs.Info&gate.PageFaultWrite != 0,
		NotPresent: regs.Info&gate.PageFaultPresent == 0,
		RSP:        uintptr(regs.RSP),
	}

	if err := p.as.HandleFault(f); err != nil {
		log.Printf("%s: unhandled page fault at 0x%x: %v", p.name, f.Addr, err)
		p.Exit(-1)
	}
}

// Fork returns a child process with a copy of the address space and of
// every open file descriptor.
func (p *Process) Fork(name string) (*Process, error) {
	childAS, err := p.as.Fork()
	if err != nil {
		return nil, err
	}

	child := newProcess(name, childAS)
	guard := p.as.Frames().Guard()

	p.lock.Acquire()
	defer p.lock.Release()

	for fd, f := range p.files {
		dup, err := guard.Duplicate(f)
		if err != nil {
			child.exit()
			return nil, err
		}
		child.files[fd] = dup
	}
	child.nextFD = p.nextFD

	return child, nil
}

// Exit terminates the process with the supplied status. Open files are
// closed and the address space is destroyed, which writes dirty mapped
// pages back to their files. Calling Exit more than once has no effect.
func (p *Process) Exit(status int) {
	p.lock.Acquire()
	if p.exited {
		p.lock.Release()
		return
	}
	p.exited = true
	p.exitStatus = status
	p.lock.Release()

	kfmt.Printf("%s: exit(%d)\n", p.name, status)
	p.exit()

	currentLock.Acquire()
	if current == p {
		current = nil
	}
	currentLock.Release()
}

func (p *Process) exit() {
	guard := p.as.Frames().Guard()

	p.lock.Acquire()
	files := p.files
	p.files = make(map[int]fs.File)
	p.lock.Release()

	for fd, f := range files {
		if err := guard.Close(f); err != nil {
			log.Printf("%s: close fd %d: %v", p.name, fd, err)
		}
	}

	if err := p.as.Destroy(); err != nil {
		log.Printf("%s: destroy address space: %v", p.name, err)
	}
}

// Current returns the running process or nil.
func Current() *Process {
	currentLock.Acquire()
	defer currentLock.Release()
	return current
}

// SetCurrent makes p the running process.
func SetCurrent(p *Process) {
	currentLock.Acquire()
	current = p
	currentLock.Release()
}

// Init installs the page fault handler.
func Init() {
	gate.HandleInterrupt(gate.PageFaultException, pageFaultHandler)
}

func pageFaultHandler(regs *gate.Registers) {
	p := Current()
	if p == nil {
		if w := kfmt.GetOutputSink(); w != nil {
			regs.DumpTo(w)
		}
		kfmt.Panic(errors.Errorf("page fault at 0x%x with no running process", regs.CR2))
		return
	}

	p.PageFault(regs)
}
