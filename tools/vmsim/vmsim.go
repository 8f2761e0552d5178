// Command vmsim drives a user workload through the demand paging core: it
// loads a lazily paged segment, grows the stack, maps a file, touches more
// pages than there are frames so that pages get evicted, optionally forks
// and finally unmaps the file and exits.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gophervm/kernel/fs"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/proc"
	"gophervm/kernel/syscall"
	"gophervm/kernel/vm"

	"github.com/pkg/errors"
)

const (
	segmentBase = uintptr(0x400000)
	mapBase     = uintptr(0x10000000)

	binName = "vmsim.bin"
	mapName = "vmsim.map"
)

type config struct {
	UserFrames   uint32 `json:"user_frames"`
	SwapSlots    uint32 `json:"swap_slots"`
	SegmentPages int    `json:"segment_pages"`
	StackPages   int    `json:"stack_pages"`
	MapPages     int    `json:"map_pages"`

	// MapFile is a host file to map. An in-memory file is mapped if empty.
	MapFile string `json:"map_file"`

	Fork bool `json:"fork"`
}

func defaultConfig() config {
	return config{
		UserFrames:   8,
		SwapSlots:    64,
		SegmentPages: 6,
		StackPages:   4,
		MapPages:     6,
		Fork:         true,
	}
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[vmsim] error: %s\n", err.Error())
	os.Exit(1)
}

func loadConfig(path string, cfg *config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// fill returns size bytes whose values depend on seed and position.
func fill(seed byte, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i*13)
	}
	return out
}

type simulator struct {
	cfg  config
	fsys *fs.MemFS
	p    *proc.Process
	rsp  uintptr
}

// run executes the workload and returns the final frame table counters.
func run(cfg config, out io.Writer) (vm.Stats, error) {
	kfmt.SetOutputSink(out)

	if err := vm.Init(vm.Config{UserFrames: cfg.UserFrames, SwapSlots: cfg.SwapSlots}); err != nil {
		return vm.Stats{}, err
	}
	ft := vm.Frames()
	defer ft.Close()

	s := &simulator{
		cfg:  cfg,
		fsys: fs.NewMemFS(),
		p:    proc.New("vmsim", ft),
	}

	proc.Init()
	syscall.Init(s.fsys)
	proc.SetCurrent(s.p)
	defer proc.SetCurrent(nil)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"load segment", s.loadSegment},
		{"setup stack", s.setupStack},
		{"map file", s.mapFile},
		{"verify", s.verify},
		{"fork", s.fork},
		{"unmap", s.unmap},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.p.Exit(-1)
			return ft.Stats(), errors.Wrap(err, step.name)
		}
	}

	stats := ft.Stats()
	s.syscall(syscall.SysExit, 0)
	return stats, nil
}

// syscall issues a system call through the trap gate and returns RAX.
func (s *simulator) syscall(nr uint64, args ...uint64) uint64 {
	regs := &gate.Registers{Info: nr, RSP: uint64(s.rsp)}
	for i, arg := range args {
		switch i {
		case 0:
			regs.RDI = arg
		case 1:
			regs.RSI = arg
		case 2:
			regs.RDX = arg
		case 3:
			regs.R10 = arg
		case 4:
			regs.R8 = arg
		}
	}

	if err := gate.Dispatch(gate.SyscallVector, regs); err != nil {
		exit(err)
	}
	return regs.RAX
}

func (s *simulator) checkAlive() error {
	if status, exited := s.p.ExitStatus(); exited {
		return errors.Errorf("process exited with status %d", status)
	}
	return nil
}

// loadSegment registers a segment whose last half page is zero filled.
func (s *simulator) loadSegment() error {
	size := s.cfg.SegmentPages * int(mm.PageSize)
	s.fsys.Create(binName, fill(1, size-int(mm.PageSize/2)))

	fd, err := s.p.Open(s.fsys, binName)
	if err != nil {
		return err
	}
	defer s.p.CloseFile(fd)

	f, err := s.p.File(fd)
	if err != nil {
		return err
	}

	return s.p.AddressSpace().LoadSegment(f, 0, segmentBase, uintptr(size)-mm.PageSize/2, mm.PageSize/2, true)
}

// setupStack creates the first stack page and grows the stack one page at a
// time by faulting on push probes below the stack pointer.
func (s *simulator) setupStack() error {
	if _, err := s.p.AddressSpace().SetupStack(); err != nil {
		return err
	}

	// Pretend the first page is in use.
	s.rsp = s.p.AddressSpace().StackBottom()

	for i := 1; i < s.cfg.StackPages; i++ {
		probe := s.rsp - 8
		regs := &gate.Registers{
			CR2:  uint64(probe),
			RSP:  uint64(s.rsp),
			Info: gate.PageFaultUser | gate.PageFaultWrite,
		}
		if err := gate.Dispatch(gate.PageFaultException, regs); err != nil {
			return err
		}
		if err := s.checkAlive(); err != nil {
			return err
		}

		s.rsp = mm.PageFromAddress(probe).Address()
		if _, err := s.p.AddressSpace().WriteUser(s.rsp, fill(byte(i), int(mm.PageSize))); err != nil {
			return err
		}
	}

	return nil
}

// mapFile maps the configured file and writes a marker into every page.
func (s *simulator) mapFile() error {
	size := s.cfg.MapPages * int(mm.PageSize)

	var (
		fsys fs.FileSystem = s.fsys
		name               = mapName
	)

	if s.cfg.MapFile != "" {
		fsys = fs.OSFS{Root: filepath.Dir(s.cfg.MapFile)}
		name = filepath.Base(s.cfg.MapFile)
	} else {
		s.fsys.Create(mapName, fill(2, size))
	}

	fd, err := s.p.Open(fsys, name)
	if err != nil {
		return err
	}

	addr := s.syscall(syscall.SysMmap, uint64(mapBase), uint64(size), 1, uint64(fd), 0)
	if addr == syscall.MapFailed {
		return errors.Errorf("mmap of %s failed", name)
	}

	// The mapping keeps its own reference to the file.
	if ret := s.syscall(syscall.SysClose, uint64(fd)); ret != 0 {
		return errors.Errorf("close fd %d failed", fd)
	}

	for i := 0; i < s.cfg.MapPages; i++ {
		va := mapBase + uintptr(i)*mm.PageSize
		if _, err := s.p.AddressSpace().WriteUser(va, mapMarker(i)); err != nil {
			return err
		}
	}

	return nil
}

func mapMarker(page int) []byte {
	return []byte(fmt.Sprintf("vmsim page %04d", page))
}

// verify reads back every page of the segment and the stack.
func (s *simulator) verify() error {
	return s.verifySpace(s.p)
}

func (s *simulator) verifySpace(p *proc.Process) error {
	as := p.AddressSpace()

	size := s.cfg.SegmentPages * int(mm.PageSize)
	exp := append(fill(1, size-int(mm.PageSize/2)), make([]byte, mm.PageSize/2)...)
	got := make([]byte, size)
	if _, err := as.ReadUser(segmentBase, got); err != nil {
		return err
	}
	if !bytes.Equal(got, exp) {
		return errors.Errorf("%s: segment contents differ", p.Name())
	}

	page := make([]byte, mm.PageSize)
	for i := 1; i < s.cfg.StackPages; i++ {
		va := mm.UserStackTop - uintptr(i+1)*mm.PageSize
		if _, err := as.ReadUser(va, page); err != nil {
			return err
		}
		if !bytes.Equal(page, fill(byte(i), int(mm.PageSize))) {
			return errors.Errorf("%s: stack page 0x%x differs", p.Name(), va)
		}
	}

	return nil
}

func (s *simulator) fork() error {
	if !s.cfg.Fork {
		return nil
	}

	child, err := s.p.Fork("vmsim-child")
	if err != nil {
		return err
	}

	err = s.verifySpace(child)
	if err == nil {
		// Child writes stay private.
		_, err = child.AddressSpace().WriteUser(segmentBase, []byte("child"))
	}
	child.Exit(0)
	if err != nil {
		return err
	}

	return s.verifySpace(s.p)
}

// unmap unmaps the file and checks that the markers reached it.
func (s *simulator) unmap() error {
	s.syscall(syscall.SysMunmap, uint64(mapBase))
	if err := s.checkAlive(); err != nil {
		return err
	}

	var (
		fsys fs.FileSystem = s.fsys
		name               = mapName
	)
	if s.cfg.MapFile != "" {
		fsys = fs.OSFS{Root: filepath.Dir(s.cfg.MapFile)}
		name = filepath.Base(s.cfg.MapFile)
	}

	fd, err := s.p.Open(fsys, name)
	if err != nil {
		return err
	}
	defer s.p.CloseFile(fd)

	f, err := s.p.File(fd)
	if err != nil {
		return err
	}

	guard := s.p.AddressSpace().Frames().Guard()
	for i := 0; i < s.cfg.MapPages; i++ {
		marker := mapMarker(i)
		got := make([]byte, len(marker))
		if _, err := guard.ReadAt(f, got, int64(i)*int64(mm.PageSize)); err != nil {
			return err
		}
		if !bytes.Equal(got, marker) {
			return errors.Errorf("page %d of %s was not written back", i, name)
		}
	}

	return nil
}

func printStats(w io.Writer, stats vm.Stats) {
	kfmt.Fprintf(w, "frames:    %d total (%s), %d free, %d resident\n",
		stats.TotalFrames, mm.SizeOfPages(stats.TotalFrames), stats.FreeFrames, stats.ResidentFrames)
	kfmt.Fprintf(w, "swap:      %d slots, %d used (%s)\n",
		stats.SwapSlots, stats.UsedSwapSlots, mm.SizeOfPages(stats.UsedSwapSlots))
	kfmt.Fprintf(w, "evictions: %d (swap outs: %d, swap ins: %d)\n", stats.Evictions, stats.SwapOuts, stats.SwapIns)
}

func runTool() error {
	cfg := defaultConfig()

	configFile := flag.String("config", "", "a JSON file with the simulation parameters")
	frames := flag.Uint("frames", 0, "override the number of user frames")
	swapSlots := flag.Uint("swap", 0, "override the number of swap slots")
	mapFile := flag.String("map", "", "a host file to map instead of an in-memory file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "vmsim: run a demand paging workload")
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configFile != "" {
		if err := loadConfig(*configFile, &cfg); err != nil {
			return err
		}
	}
	if *frames != 0 {
		cfg.UserFrames = uint32(*frames)
	}
	if *swapSlots != 0 {
		cfg.SwapSlots = uint32(*swapSlots)
	}
	if *mapFile != "" {
		cfg.MapFile = *mapFile
	}

	stats, err := run(cfg, os.Stdout)
	if err != nil {
		return err
	}

	printStats(os.Stdout, stats)
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
