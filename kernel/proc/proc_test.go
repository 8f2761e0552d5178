package proc

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"gophervm/kernel/fs"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/vm"

	"github.com/pkg/errors"
)

const mapBase = uintptr(0x10000000)

func newTestProcess(t *testing.T, name string, frames, slots uint32) *Process {
	t.Helper()

	ft, err := vm.NewFrameTable(vm.Config{UserFrames: frames, SwapSlots: slots}, &fs.Guard{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ft.Close() })

	return New(name, ft)
}

// captureOutput redirects kfmt output to a buffer until the test ends.
func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	// Drop anything flushed from the early print buffer.
	buf.Reset()
	return &buf
}

func TestFileDescriptors(t *testing.T) {
	p := newTestProcess(t, "fds", 2, 0)

	fsys := fs.NewMemFS()
	fsys.Create("a", []byte("a"))

	fdA, err := p.Open(fsys, "a")
	if err != nil {
		t.Fatal(err)
	}
	fdB, err := p.AddFile(fs.NewMemFile([]byte("b")))
	if err != nil {
		t.Fatal(err)
	}

	if fdA != firstFileFD || fdB != firstFileFD+1 {
		t.Fatalf("expected descriptors %d and %d; got %d and %d", firstFileFD, firstFileFD+1, fdA, fdB)
	}

	if _, err := p.Open(fsys, "missing"); !errors.Is(err, fs.ErrNotFound) {
		t.Fatalf("expected fs.ErrNotFound; got %v", err)
	}

	if err := p.CloseFile(fdA); err != nil {
		t.Fatal(err)
	}

	for _, fd := range []int{fdA, StdinFD, 42} {
		if _, err := p.File(fd); !errors.Is(err, ErrBadFD) {
			t.Errorf("fd %d: expected ErrBadFD; got %v", fd, err)
		}
	}

	if err := p.CloseFile(fdA); !errors.Is(err, ErrBadFD) {
		t.Fatalf("expected ErrBadFD closing fd twice; got %v", err)
	}
}

func TestMmap(t *testing.T) {
	p := newTestProcess(t, "mmap", 4, 0)

	data := []byte("mapped file contents")
	fd, err := p.AddFile(fs.NewMemFile(data))
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		fd     int
		expErr error
	}{
		{StdinFD, ErrReservedFD},
		{StdoutFD, ErrReservedFD},
		{fd + 1, ErrBadFD},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if _, err := p.Mmap(mapBase, 100, false, spec.fd, 0); !errors.Is(err, spec.expErr) {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}

	addr, err := p.Mmap(mapBase, int64(len(data)), false, fd, 0)
	if err != nil {
		t.Fatal(err)
	}

	// The mapping outlives the descriptor.
	if err := p.CloseFile(fd); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if _, err := p.AddressSpace().ReadUser(addr, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("expected mapped contents %q; got %q", data, buf)
	}

	if err := p.Munmap(addr); err != nil {
		t.Fatal(err)
	}
	if p.AddressSpace().SPT().Find(addr) != nil {
		t.Fatal("expected munmap to remove the mapped page")
	}
}

func TestPageFault(t *testing.T) {
	stackAddr := mm.UserStackTop - 16

	specs := []struct {
		regs    gate.Registers
		expExit bool
	}{
		// read of a mapped page
		{gate.Registers{CR2: uint64(mapBase), Info: gate.PageFaultUser}, false},
		// write to a read-only mapping
		{gate.Registers{CR2: uint64(mapBase), Info: gate.PageFaultUser | gate.PageFaultWrite}, true},
		// push below the stack pointer
		{gate.Registers{CR2: uint64(stackAddr - 8), RSP: uint64(stackAddr), Info: gate.PageFaultUser | gate.PageFaultWrite}, false},
		// unmapped address
		{gate.Registers{CR2: uint64(mapBase + 16*mm.PageSize), Info: gate.PageFaultUser}, true},
		// null pointer
		{gate.Registers{CR2: 0, Info: gate.PageFaultUser}, true},
		// kernel address
		{gate.Registers{CR2: uint64(mm.KernelBase), Info: gate.PageFaultUser}, true},
		// protection fault on a present page
		{gate.Registers{CR2: uint64(mapBase), Info: gate.PageFaultUser | gate.PageFaultPresent}, true},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf := captureOutput(t)

			p := newTestProcess(t, "fault", 4, 0)
			fd, _ := p.AddFile(fs.NewMemFile([]byte("ro")))
			if _, err := p.Mmap(mapBase, 2, false, fd, 0); err != nil {
				t.Fatal(err)
			}

			regs := spec.regs
			p.PageFault(&regs)

			status, exited := p.ExitStatus()
			if exited != spec.expExit {
				t.Fatalf("expected exited to be %t; got %t", spec.expExit, exited)
			}

			if !exited {
				pg := p.AddressSpace().SPT().Find(uintptr(regs.CR2))
				if pg == nil {
					t.Fatal("expected a page at the faulting address")
				}
				if _, resident := p.AddressSpace().Frames().Resident(pg); !resident {
					t.Fatal("expected faulting page to be resident")
				}
				return
			}

			if status != -1 {
				t.Fatalf("expected exit status -1; got %d", status)
			}
			if !strings.Contains(buf.String(), "fault: exit(-1)\n") {
				t.Fatalf("expected exit message; got %q", buf.String())
			}
		})
	}
}

func TestFork(t *testing.T) {
	captureOutput(t)

	parent := newTestProcess(t, "parent", 4, 4)
	rsp, err := parent.AddressSpace().SetupStack()
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("stack data")
	if _, err := parent.AddressSpace().WriteUser(rsp-mm.PageSize/2, data); err != nil {
		t.Fatal(err)
	}

	fd, _ := parent.AddFile(fs.NewMemFile([]byte("shared")))

	child, err := parent.Fork("child")
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if _, err := child.AddressSpace().ReadUser(rsp-mm.PageSize/2, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("expected child to see %q; got %q", data, buf)
	}

	parentFile, _ := parent.File(fd)
	childFile, err := child.File(fd)
	if err != nil {
		t.Fatal(err)
	}
	if childFile == parentFile {
		t.Fatal("expected child to receive a duplicated file handle")
	}

	// Writes in the child are private.
	if _, err := child.AddressSpace().WriteUser(rsp-mm.PageSize/2, []byte("CHILD")); err != nil {
		t.Fatal(err)
	}
	if _, err := parent.AddressSpace().ReadUser(rsp-mm.PageSize/2, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("expected parent contents to be unchanged; got %q", buf)
	}

	child.Exit(0)
	if _, err := parentFile.Length(); err != nil {
		t.Fatalf("expected parent file to stay open after child exit; got %v", err)
	}
	parent.Exit(0)
}

func TestExit(t *testing.T) {
	buf := captureOutput(t)

	p := newTestProcess(t, "exiter", 2, 0)
	f := fs.NewMemFile([]byte("x"))
	fd, _ := p.AddFile(f)
	SetCurrent(p)

	p.Exit(3)
	p.Exit(4)

	if got := buf.String(); got != "exiter: exit(3)\n" {
		t.Fatalf("expected a single exit message; got %q", got)
	}

	if status, exited := p.ExitStatus(); !exited || status != 3 {
		t.Fatalf("expected exit status 3; got %d (exited: %t)", status, exited)
	}

	if _, err := f.Length(); !errors.Is(err, fs.ErrClosed) {
		t.Fatalf("expected open files to be closed; got %v", err)
	}

	if _, err := p.File(fd); !errors.Is(err, ErrBadFD) {
		t.Fatalf("expected ErrBadFD; got %v", err)
	}

	if _, err := p.AddFile(fs.NewMemFile(nil)); !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited; got %v", err)
	}

	if Current() != nil {
		t.Fatal("expected exiting process to be cleared as the current process")
	}
}

func TestPageFaultHandler(t *testing.T) {
	captureOutput(t)

	Init()
	defer gate.HandleInterrupt(gate.PageFaultException, nil)
	defer SetCurrent(nil)

	SetCurrent(nil)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected a page fault without a running process to panic")
			}
		}()
		_ = gate.Dispatch(gate.PageFaultException, &gate.Registers{CR2: uint64(mapBase)})
	}()

	p := newTestProcess(t, "handler", 2, 0)
	SetCurrent(p)

	rsp := mm.UserStackTop - 32
	regs := &gate.Registers{CR2: uint64(rsp), RSP: uint64(rsp), Info: gate.PageFaultUser | gate.PageFaultWrite}
	if err := gate.Dispatch(gate.PageFaultException, regs); err != nil {
		t.Fatal(err)
	}

	if _, exited := p.ExitStatus(); exited {
		t.Fatal("expected stack growth fault to be resolved")
	}
	if got := p.AddressSpace().StackBottom(); got != mm.UserStackTop-mm.PageSize {
		t.Fatalf("expected stack bottom 0x%x; got 0x%x", mm.UserStackTop-mm.PageSize, got)
	}
}
