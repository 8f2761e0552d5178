package pmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindResourceExhausted}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator", Kind: kernel.KindConsistency}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free", Kind: kernel.KindConsistency}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. Bit (63 - i%64) of
	// block i/64 is set when frame (startFrame + i) is reserved.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. The
// allocator does not synchronize access to its state; callers serialize
// calls with their own lock.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// AddPool registers a pool of frameCount frames starting at startFrame. All
// frames in the new pool are initially free.
func (alloc *BitmapAllocator) AddPool(startFrame mm.Frame, frameCount uint32) {
	if frameCount == 0 {
		return
	}

	// To represent the free page bitmap we need frameCount bits. Since our
	// slice uses uint64 for storing the bitmap we need to round up the
	// required bits so they are a multiple of 64 bits
	alloc.pools = append(alloc.pools, framePool{
		startFrame: startFrame,
		endFrame:   startFrame + mm.Frame(frameCount) - 1,
		freeCount:  frameCount,
		freeBitmap: make([]uint64, (frameCount+63)>>6),
	})
	alloc.totalPages += frameCount
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalPages
}

// FreeFrames returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.totalPages - alloc.reservedPages
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// IsReserved returns true if frame is managed by the allocator and currently
// allocated.
func (alloc *BitmapAllocator) IsReserved(frame mm.Frame) bool {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return false
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(1<<64 - 1)
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Block has at least one free slot; we need to scan its bits
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + mm.Frame((blockIndex<<6)+blockOffset)

				// The last block may have trailing bits past endFrame
				if frame > alloc.pools[poolIndex].endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pools or a frame that
// is already marked as free will cause an error to be returned.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.IsReserved(frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}
