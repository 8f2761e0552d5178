// Package syscall decodes system calls issued by user processes.
//
// The syscall number is passed in Info and up to five arguments in RDI, RSI,
// RDX, R10 and R8. The result is returned in RAX.
package syscall

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/proc"

	"github.com/pkg/errors"
)

// System call numbers.
const (
	SysHalt = iota
	SysExit
	SysFork
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
)

const (
	// MapFailed is returned by mmap on failure.
	MapFailed = uint64(0)

	// errReturn is returned by calls that report failure as -1.
	errReturn = ^uint64(0)

	// maxPathLen bounds the length of file names copied from user memory.
	maxPathLen = 512
)

var (
	errUserMemory  = &kernel.Error{Module: "syscall", Message: "invalid user memory access", Kind: kernel.KindFaultFatal}
	errNoFS        = &kernel.Error{Module: "syscall", Message: "no file system mounted", Kind: kernel.KindValidation}
	errPathTooLong = &kernel.Error{Module: "syscall", Message: "path too long", Kind: kernel.KindValidation}

	// rootFS is the file system used by open.
	rootFS fs.FileSystem

	log = kfmt.NewLogger("[syscall] ")
)

// Init installs the syscall handler. Files opened by user processes are
// looked up in fsys.
func Init(fsys fs.FileSystem) {
	rootFS = fsys
	gate.HandleInterrupt(gate.SyscallVector, syscallHandler)
}

func syscallHandler(regs *gate.Registers) {
	p := proc.Current()
	if p == nil {
		kfmt.Panic(errors.Errorf("syscall %d with no running process", regs.Info))
		return
	}

	Dispatch(p, regs)
}

// Dispatch executes the system call described by regs on behalf of p.
// Unknown system calls and accesses to invalid user memory terminate p with
// exit status -1.
func Dispatch(p *proc.Process, regs *gate.Registers) {
	// Faults raised while copying user memory check stack growth against
	// the user stack pointer.
	p.AddressSpace().SetStackPointer(uintptr(regs.RSP))

	var (
		ret uint64
		err error
	)

	switch regs.Info {
	case SysExit:
		p.Exit(int(int32(regs.RDI)))
		return
	case SysOpen:
		ret, err = sysOpen(p, uintptr(regs.RDI))
	case SysFilesize:
		ret, err = sysFilesize(p, int(regs.RDI))
	case SysRead:
		ret, err = sysRead(p, int(regs.RDI), uintptr(regs.RSI), uintptr(regs.RDX))
	case SysWrite:
		ret, err = sysWrite(p, int(regs.RDI), uintptr(regs.RSI), uintptr(regs.RDX))
	case SysClose:
		err = p.CloseFile(int(regs.RDI))
	case SysMmap:
		var addr uintptr
		addr, err = p.Mmap(uintptr(regs.RDI), int64(regs.RSI), regs.RDX != 0, int(regs.R10), int64(regs.R8))
		ret = uint64(addr)
		if err != nil {
			ret = MapFailed
		}
	case SysMunmap:
		err = p.Munmap(uintptr(regs.RDI))
	default:
		log.Printf("%s: unknown syscall %d", p.Name(), regs.Info)
		p.Exit(-1)
		return
	}

	if err != nil {
		if errors.Is(err, errUserMemory) {
			p.Exit(-1)
			return
		}

		if regs.Info != SysMmap {
			ret = errReturn
		}
	}

	regs.RAX = ret
}

func sysOpen(p *proc.Process, pathVA uintptr) (uint64, error) {
	name, err := copyInString(p, pathVA)
	if err != nil {
		return 0, err
	}

	if rootFS == nil {
		return 0, errNoFS
	}

	fd, err := p.Open(rootFS, name)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func sysFilesize(p *proc.Process, fd int) (uint64, error) {
	f, err := p.File(fd)
	if err != nil {
		return 0, err
	}

	size, err := p.AddressSpace().Frames().Guard().Length(f)
	if err != nil {
		return 0, err
	}
	return uint64(size), nil
}

func sysRead(p *proc.Process, fd int, bufVA, size uintptr) (uint64, error) {
	if err := checkUserRange(bufVA, size); err != nil {
		return 0, err
	}

	if fd == proc.StdinFD {
		// There is no input device.
		return 0, nil
	}

	f, err := p.File(fd)
	if err != nil {
		return 0, err
	}

	var (
		as    = p.AddressSpace()
		guard = as.Frames().Guard()
		chunk = make([]byte, mm.PageSize)
		total uintptr
	)

	for total < size {
		want := size - total
		if want > mm.PageSize {
			want = mm.PageSize
		}

		n, err := guard.Read(f, chunk[:want])
		if err != nil {
			return uint64(total), err
		}

		if _, err := as.WriteUser(bufVA+total, chunk[:n]); err != nil {
			log.Printf("%s: copy to 0x%x: %v", p.Name(), bufVA+total, err)
			return 0, errUserMemory
		}

		total += uintptr(n)
		if uintptr(n) < want {
			break
		}
	}

	return uint64(total), nil
}

func sysWrite(p *proc.Process, fd int, bufVA, size uintptr) (uint64, error) {
	if err := checkUserRange(bufVA, size); err != nil {
		return 0, err
	}

	var f fs.File
	if fd != proc.StdoutFD {
		var err error
		if f, err = p.File(fd); err != nil {
			return 0, err
		}
	}

	var (
		as    = p.AddressSpace()
		guard = as.Frames().Guard()
		chunk = make([]byte, mm.PageSize)
		total uintptr
	)

	for total < size {
		want := size - total
		if want > mm.PageSize {
			want = mm.PageSize
		}

		if _, err := as.ReadUser(bufVA+total, chunk[:want]); err != nil {
			log.Printf("%s: copy from 0x%x: %v", p.Name(), bufVA+total, err)
			return 0, errUserMemory
		}

		if f == nil {
			kfmt.Printf("%s", chunk[:want])
			total += want
			continue
		}

		n, err := guard.Write(f, chunk[:want])
		total += uintptr(n)
		if err != nil {
			return uint64(total), err
		}
	}

	return uint64(total), nil
}

// checkUserRange terminates calls whose buffer is not entirely in user
// space.
func checkUserRange(va, size uintptr) error {
	if size == 0 {
		return nil
	}

	end := va + size - 1
	if end < va || !mm.IsUserAddress(va) || !mm.IsUserAddress(end) {
		return errUserMemory
	}
	return nil
}

// copyInString copies a NUL terminated string from user memory.
func copyInString(p *proc.Process, va uintptr) (string, error) {
	var (
		as  = p.AddressSpace()
		buf = make([]byte, 0, 64)
		b   = make([]byte, 1)
	)

	for i := uintptr(0); i < maxPathLen; i++ {
		if _, err := as.ReadUser(va+i, b); err != nil {
			log.Printf("%s: copy from 0x%x: %v", p.Name(), va+i, err)
			return "", errUserMemory
		}

		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}

	return "", errPathTooLong
}
