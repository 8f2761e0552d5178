// Package pmm manages pools of page-sized frames: an Arena of host memory
// standing in for physical RAM and a BitmapAllocator tracking which frames
// are in use. The user frame pool and the swap device are both pools.
package pmm

import (
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

// UserPoolStartFrame is the frame number assigned to the first frame of the
// user pool. Frames below it are considered kernel memory.
const UserPoolStartFrame = mm.Frame(0x100)

// Pool is a set of frames backed by an Arena. Pool does not synchronize
// access to its state; callers serialize calls with their own lock.
type Pool struct {
	arena *Arena
	alloc BitmapAllocator
}

// NewPool reserves an arena of frameCount frames starting at startFrame and
// sets up a bitmap allocator for it.
func NewPool(startFrame mm.Frame, frameCount uint32) (*Pool, error) {
	arena, err := NewArena(startFrame, frameCount)
	if err != nil {
		return nil, err
	}

	pool := &Pool{arena: arena}
	pool.alloc.AddPool(arena.StartFrame(), arena.FrameCount())
	return pool, nil
}

// NewUserPool returns the pool of physical frames that can back user pages.
func NewUserPool(frameCount uint32) (*Pool, error) {
	return NewPool(UserPoolStartFrame, frameCount)
}

// AllocFrame reserves a free frame. The contents of a newly reserved frame
// are undefined.
func (p *Pool) AllocFrame() (mm.Frame, error) {
	return p.alloc.AllocFrame()
}

// FreeFrame returns frame to the pool.
func (p *Pool) FreeFrame(frame mm.Frame) error {
	return p.alloc.FreeFrame(frame)
}

// FrameData returns the bytes backing frame. Asking for the data of a frame
// that does not belong to the pool is a kernel bug.
func (p *Pool) FrameData(frame mm.Frame) []byte {
	data, err := p.arena.FrameData(frame)
	if err != nil {
		kfmt.Panic(errors.Wrapf(err, "frame %d", frame))
	}

	return data
}

// Contains returns true if frame belongs to the pool.
func (p *Pool) Contains(frame mm.Frame) bool {
	return p.arena.Contains(frame)
}

// StartFrame returns the first frame of the pool.
func (p *Pool) StartFrame() mm.Frame {
	return p.arena.StartFrame()
}

// TotalFrames returns the number of frames in the pool.
func (p *Pool) TotalFrames() uint32 {
	return p.alloc.TotalFrames()
}

// FreeFrames returns the number of frames that are not allocated.
func (p *Pool) FreeFrames() uint32 {
	return p.alloc.FreeFrames()
}

// Close releases the memory backing the pool.
func (p *Pool) Close() error {
	if err := p.arena.Close(); err != nil {
		return errors.Wrap(err, "pmm: release pool")
	}

	return nil
}
