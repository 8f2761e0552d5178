package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/sync"

	"github.com/pkg/errors"
)

// SwapSlot identifies a page-sized slot on the swap device.
type SwapSlot uint32

// SwapArea is the swap device. Slots are page-sized and are tracked by the
// same bitmap allocator that manages physical frames.
type SwapArea struct {
	lock sync.Spinlock

	// pool is nil when the device has no slots.
	pool *pmm.Pool

	// exhausted is set once the device runs out of slots so that the
	// condition is reported once per episode.
	exhausted bool

	log *kfmt.Logger
}

// NewSwapArea returns a swap device with the given number of slots.
func NewSwapArea(slots uint32) (*SwapArea, error) {
	s := &SwapArea{log: kfmt.NewLogger("[swap] ")}
	if slots == 0 {
		return s, nil
	}

	pool, err := pmm.NewPool(mm.Frame(0), slots)
	if err != nil {
		return nil, errors.Wrap(err, "swap device")
	}

	s.pool = pool
	return s, nil
}

// Slots returns the number of slots of the device.
func (s *SwapArea) Slots() uint32 {
	if s.pool == nil {
		return 0
	}
	return s.pool.TotalFrames()
}

// UsedSlots returns the number of slots that hold a page.
func (s *SwapArea) UsedSlots() uint32 {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.pool == nil {
		return 0
	}
	return s.pool.TotalFrames() - s.pool.FreeFrames()
}

// store copies data into a free slot.
func (s *SwapArea) store(data []byte) (SwapSlot, error) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.pool == nil {
		return 0, ErrNoSwapSlots
	}

	frame, err := s.pool.AllocFrame()
	if err != nil {
		if kernel.KindOf(err) == kernel.KindResourceExhausted {
			if !s.exhausted {
				s.log.Printf("out of swap slots (%d in use)", s.pool.TotalFrames())
				s.exhausted = true
			}
			return 0, ErrNoSwapSlots
		}
		return 0, err
	}

	kernel.Memcopy(data, s.pool.FrameData(frame))
	return SwapSlot(frame), nil
}

// load copies the contents of slot into data. The slot stays allocated.
func (s *SwapArea) load(slot SwapSlot, data []byte) error {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.pool == nil || !s.pool.Contains(mm.Frame(slot)) {
		return errors.Wrapf(ErrInconsistentBinding, "swap slot %d", slot)
	}

	kernel.Memcopy(s.pool.FrameData(mm.Frame(slot)), data)
	return nil
}

// free releases slot. Freeing a slot that is not in use is a kernel bug.
func (s *SwapArea) free(slot SwapSlot) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.pool == nil {
		kfmt.Panic(errors.Wrapf(ErrInconsistentBinding, "free swap slot %d", slot))
		return
	}

	if err := s.pool.FreeFrame(mm.Frame(slot)); err != nil {
		kfmt.Panic(errors.Wrapf(err, "free swap slot %d", slot))
		return
	}
	s.exhausted = false
}

// Close releases the memory backing the device.
func (s *SwapArea) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}
