// Package vm implements demand paging for user address spaces. Each
// AddressSpace tracks its pages in a SupplementalPageTable; pages are loaded
// lazily by the page fault handler into frames handed out by a FrameTable
// that is shared by all address spaces and evicts resident pages to swap or
// back to their file when it runs out of frames.
package vm

import (
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
)

var (
	// frameTable is the frame table set up by Init.
	frameTable *FrameTable

	log = kfmt.NewLogger("[vm] ")
)

// Config sizes the memory available to user address spaces.
type Config struct {
	// UserFrames is the number of physical frames in the user pool.
	UserFrames uint32

	// SwapSlots is the number of page-sized slots on the swap device. A
	// device without slots cannot evict anonymous pages.
	SwapSlots uint32
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		UserFrames: 256,
		SwapSlots:  1024,
	}
}

// Init sets up the frame table shared by all address spaces. Calling Init
// again replaces the frame table; address spaces created before the call
// keep using the previous one.
func Init(cfg Config) error {
	ft, err := NewFrameTable(cfg, &fs.Guard{})
	if err != nil {
		return err
	}

	frameTable = ft
	log.Printf("user pool: %d frames (%s), swap: %d slots (%s)",
		cfg.UserFrames, mm.SizeOfPages(cfg.UserFrames),
		cfg.SwapSlots, mm.SizeOfPages(cfg.SwapSlots),
	)
	return nil
}

// Frames returns the frame table set up by Init or nil if Init has not been
// called.
func Frames() *FrameTable {
	return frameTable
}
