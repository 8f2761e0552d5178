package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/vmm"
	"gophervm/kernel/sync"

	"github.com/pkg/errors"
)

// ASID identifies an address space.
type ASID uint32

// frameEntry records the page a frame is bound to.
type frameEntry struct {
	bound  bool
	asid   ASID
	va     uintptr
	pinned bool
}

// Stats reports frame table usage.
type Stats struct {
	TotalFrames    uint32
	FreeFrames     uint32
	ResidentFrames uint32
	SwapSlots      uint32
	UsedSwapSlots  uint32

	Evictions uint64
	SwapOuts  uint64
	SwapIns   uint64
}

// FrameTable owns the user frame pool shared by all address spaces. Each
// frame is bound to at most one page; the binding is recorded on both sides
// (the frame entry holds the owner address space and page address, the page
// holds the frame number) and both sides are only updated while holding the
// frame table lock.
//
// When the pool is exhausted a victim is picked with the clock (second
// chance) algorithm: the hand sweeps the frames in order skipping unbound
// and pinned ones; a frame whose page was accessed since the last sweep has
// the accessed bit cleared and is skipped, otherwise it is evicted. After
// two full sweeps without a victim the allocation fails with
// ErrNoFreeFrames.
//
// Lock order: frame table, page table, supplemental page table. The file
// system guard and swap device lock may be acquired while holding the frame
// table lock.
type FrameTable struct {
	lock sync.Spinlock

	pool    *pmm.Pool
	swap    *SwapArea
	guard   *fs.Guard
	entries []frameEntry
	hand    int

	spaces   map[ASID]*AddressSpace
	nextASID ASID

	stats Stats
}

// NewFrameTable creates a frame table managing cfg.UserFrames frames and a
// swap device with cfg.SwapSlots slots. All file I/O is serialized by guard.
func NewFrameTable(cfg Config, guard *fs.Guard) (*FrameTable, error) {
	pool, err := pmm.NewUserPool(cfg.UserFrames)
	if err != nil {
		return nil, errors.Wrap(err, "user frame pool")
	}

	swap, err := NewSwapArea(cfg.SwapSlots)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	if guard == nil {
		guard = &fs.Guard{}
	}

	return &FrameTable{
		pool:     pool,
		swap:     swap,
		guard:    guard,
		entries:  make([]frameEntry, pool.TotalFrames()),
		spaces:   make(map[ASID]*AddressSpace),
		nextASID: 1,
	}, nil
}

// Guard returns the file system guard used for page I/O.
func (ft *FrameTable) Guard() *fs.Guard {
	return ft.guard
}

// Close releases the frame pool and the swap device.
func (ft *FrameTable) Close() error {
	ft.lock.Acquire()
	defer ft.lock.Release()

	err := ft.pool.Close()
	if swapErr := ft.swap.Close(); err == nil {
		err = swapErr
	}
	return err
}

// register assigns an ASID to as.
func (ft *FrameTable) register(as *AddressSpace) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	as.id = ft.nextASID
	ft.nextASID++
	ft.spaces[as.id] = as
}

func (ft *FrameTable) unregister(as *AddressSpace) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	delete(ft.spaces, as.id)
}

func (ft *FrameTable) entry(frame mm.Frame) *frameEntry {
	return &ft.entries[frame-ft.pool.StartFrame()]
}

// GetFrame returns an unbound frame, evicting a resident page if the pool
// is exhausted. The frame must be returned with FreeFrame.
func (ft *FrameTable) GetFrame() (mm.Frame, error) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	return ft.getFrameLocked()
}

// FreeFrame returns an unbound frame obtained by GetFrame to the pool.
func (ft *FrameTable) FreeFrame(frame mm.Frame) error {
	ft.lock.Acquire()
	defer ft.lock.Release()

	if !ft.pool.Contains(frame) || ft.entry(frame).bound {
		return errors.Wrapf(ErrInconsistentBinding, "free frame %d", frame)
	}
	return ft.pool.FreeFrame(frame)
}

func (ft *FrameTable) getFrameLocked() (mm.Frame, error) {
	frame, err := ft.pool.AllocFrame()
	if err == nil {
		return frame, nil
	}

	if kernel.KindOf(err) != kernel.KindResourceExhausted {
		return mm.InvalidFrame, err
	}

	return ft.evictLocked()
}

// evictLocked runs the clock algorithm and returns the frame of the evicted
// page.
func (ft *FrameTable) evictLocked() (mm.Frame, error) {
	var lastErr error

	for step := 0; step < 2*len(ft.entries); step++ {
		index := ft.hand
		ft.hand = (ft.hand + 1) % len(ft.entries)

		e := &ft.entries[index]
		if !e.bound || e.pinned {
			continue
		}

		as := ft.spaces[e.asid]
		if as == nil {
			lastErr = errors.Wrapf(ErrInconsistentBinding, "frame %d bound to unknown address space %d", index, e.asid)
			continue
		}

		page := mm.PageFromAddress(e.va)
		if as.pdt.IsAccessed(page) {
			as.pdt.SetAccessed(page, false)
			continue
		}

		frame := ft.pool.StartFrame() + mm.Frame(index)
		if err := ft.evictFrameLocked(as, frame); err != nil {
			// Pages that cannot be saved (e.g. anonymous pages while
			// the swap device is full) keep their frame.
			lastErr = err
			continue
		}

		ft.stats.Evictions++
		return frame, nil
	}

	if lastErr != nil {
		return mm.InvalidFrame, lastErr
	}
	return mm.InvalidFrame, ErrNoFreeFrames
}

// evictFrameLocked saves the page bound to frame and breaks the binding.
// The page is unmapped before its contents are saved so that no store can
// reach the frame after the copy.
func (ft *FrameTable) evictFrameLocked(as *AddressSpace, frame mm.Frame) error {
	e := ft.entry(frame)
	p := as.spt.Find(e.va)
	if p == nil || p.frame != frame {
		return errors.Wrapf(ErrInconsistentBinding, "frame %d bound to 0x%x in address space %d", frame, e.va, e.asid)
	}

	page := mm.PageFromAddress(p.va)
	if err := as.pdt.Unmap(page); err != nil {
		return errors.Wrapf(err, "evict page 0x%x", p.va)
	}

	dirty := as.pdt.IsDirty(page)
	if err := p.swapOut(ft, ft.pool.FrameData(frame), dirty); err != nil {
		_ = as.pdt.Map(page, frame, p.mapFlags())
		as.pdt.SetDirty(page, dirty)
		return err
	}

	as.pdt.Clear(page)
	p.frame = mm.InvalidFrame
	*e = frameEntry{}
	return nil
}

// Claim loads p into a frame and maps it into the page table of as.
func (ft *FrameTable) Claim(as *AddressSpace, p *Page) error {
	ft.lock.Acquire()
	defer ft.lock.Release()

	return ft.claimLocked(as, p)
}

func (ft *FrameTable) claimLocked(as *AddressSpace, p *Page) error {
	if p.frame != mm.InvalidFrame {
		return errors.Wrapf(errAlreadyResident, "claim page 0x%x", p.va)
	}

	frame, err := ft.getFrameLocked()
	if err != nil {
		return err
	}

	ft.bindLocked(as, p, frame)

	page := mm.PageFromAddress(p.va)
	if err = as.pdt.Map(page, frame, p.mapFlags()); err != nil {
		ft.unbindLocked(p, frame)
		return err
	}

	if err = p.swapIn(ft, ft.pool.FrameData(frame)); err != nil {
		as.pdt.Clear(page)
		ft.unbindLocked(p, frame)
		return err
	}

	ft.entry(frame).pinned = false
	return nil
}

// bindLocked binds frame to p. The frame stays pinned until the caller
// clears the pin.
func (ft *FrameTable) bindLocked(as *AddressSpace, p *Page, frame mm.Frame) {
	*ft.entry(frame) = frameEntry{bound: true, asid: as.id, va: p.va, pinned: true}
	p.frame = frame
}

// unbindLocked breaks the binding between p and frame and frees the frame.
func (ft *FrameTable) unbindLocked(p *Page, frame mm.Frame) {
	*ft.entry(frame) = frameEntry{}
	p.frame = mm.InvalidFrame
	if err := ft.pool.FreeFrame(frame); err != nil {
		kfmt.Panic(errors.Wrapf(err, "unbind frame %d", frame))
	}
}

// Release destroys p, writing back its contents if it is a dirty
// file-backed page, and frees its frame if it is resident. The page is
// released even if the write back fails; the error is returned.
func (ft *FrameTable) Release(as *AddressSpace, p *Page) error {
	ft.lock.Acquire()
	defer ft.lock.Release()

	frame := p.frame
	if frame == mm.InvalidFrame {
		return p.destroy(ft, nil, false)
	}

	if e := ft.entry(frame); !e.bound || e.asid != as.id || e.va != p.va {
		return errors.Wrapf(ErrInconsistentBinding, "release page 0x%x bound to frame %d", p.va, frame)
	}

	page := mm.PageFromAddress(p.va)
	_ = as.pdt.Unmap(page)
	dirty := as.pdt.IsDirty(page)
	err := p.destroy(ft, ft.pool.FrameData(frame), dirty)
	as.pdt.SetDirty(page, false)
	as.pdt.Clear(page)
	ft.unbindLocked(p, frame)
	return err
}

// cloneInto gives dp, the copy of sp in dst, its own frame holding the
// current contents of sp. Pages of src that are neither resident nor
// swapped out are left for dp to load on demand.
func (ft *FrameTable) cloneInto(src *AddressSpace, sp *Page, dst *AddressSpace, dp *Page) error {
	ft.lock.Acquire()
	defer ft.lock.Release()

	srcFrame := sp.frame
	anon, _ := sp.state.(*anonState)
	swapped := anon != nil && anon.swapped
	if srcFrame == mm.InvalidFrame && !swapped {
		return nil
	}

	// Keep the source frame from being picked while allocating the copy.
	if srcFrame != mm.InvalidFrame {
		ft.entry(srcFrame).pinned = true
		defer func() { ft.entry(srcFrame).pinned = false }()
	}

	frame, err := ft.getFrameLocked()
	if err != nil {
		return err
	}

	ft.bindLocked(dst, dp, frame)
	data := ft.pool.FrameData(frame)
	if srcFrame != mm.InvalidFrame {
		kernel.Memcopy(ft.pool.FrameData(srcFrame), data)
	} else if err = ft.swap.load(anon.slot, data); err != nil {
		ft.unbindLocked(dp, frame)
		return err
	}

	page := mm.PageFromAddress(dp.va)
	if err = dst.pdt.Map(page, frame, dp.mapFlags()); err != nil {
		ft.unbindLocked(dp, frame)
		return err
	}

	if srcFrame != mm.InvalidFrame {
		dst.pdt.SetDirty(page, src.pdt.IsDirty(mm.PageFromAddress(sp.va)))
	}

	ft.entry(frame).pinned = false
	return nil
}

// Resident returns the frame p is bound to and whether it is resident.
func (ft *FrameTable) Resident(p *Page) (mm.Frame, bool) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	return p.frame, p.frame != mm.InvalidFrame
}

// FrameData returns the contents of frame.
func (ft *FrameTable) FrameData(frame mm.Frame) []byte {
	return ft.pool.FrameData(frame)
}

// Stats returns a snapshot of the frame table counters.
func (ft *FrameTable) Stats() Stats {
	ft.lock.Acquire()
	defer ft.lock.Release()

	stats := ft.stats
	stats.TotalFrames = ft.pool.TotalFrames()
	stats.FreeFrames = ft.pool.FreeFrames()
	for _, e := range ft.entries {
		if e.bound {
			stats.ResidentFrames++
		}
	}
	stats.SwapSlots = ft.swap.Slots()
	stats.UsedSwapSlots = ft.swap.UsedSlots()
	return stats
}

// mapFlags returns the page table flags for p.
func (p *Page) mapFlags() vmm.PageTableEntryFlag {
	if p.writable {
		return vmm.FlagRW
	}
	return 0
}
