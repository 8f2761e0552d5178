package pmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

var (
	// mapArenaFn and unmapArenaFn are used by tests to override the host
	// memory reservation calls.
	mapArenaFn   = mapArena
	unmapArenaFn = unmapArena

	errArenaEmpty       = &kernel.Error{Module: "pmm", Message: "arena must contain at least one frame", Kind: kernel.KindValidation}
	errArenaUnmanaged   = &kernel.Error{Module: "pmm", Message: "frame is not managed by this arena", Kind: kernel.KindConsistency}
	errArenaMapFailed   = &kernel.Error{Module: "pmm", Message: "unable to reserve arena memory", Kind: kernel.KindResourceExhausted}
	errArenaAlreadyFree = &kernel.Error{Module: "pmm", Message: "arena already released", Kind: kernel.KindConsistency}
)

// Arena is a contiguous block of host memory that plays the role of the
// physical memory backing the user frame pool. Frame f of the arena lives at
// byte offset (f - startFrame) << mm.PageShift.
type Arena struct {
	mem []byte

	// startFrame is the frame number for the first page in this arena.
	startFrame mm.Frame

	// frameCount is the number of frames in the arena.
	frameCount uint32
}

// NewArena reserves an arena of frameCount frames whose first frame number
// is startFrame.
func NewArena(startFrame mm.Frame, frameCount uint32) (*Arena, error) {
	if frameCount == 0 {
		return nil, errArenaEmpty
	}

	mem, err := mapArenaFn(int(uintptr(frameCount) << mm.PageShift))
	if err != nil {
		return nil, errors.Wrapf(errArenaMapFailed, "%d frames: %v", frameCount, err)
	}

	return &Arena{
		mem:        mem,
		startFrame: startFrame,
		frameCount: frameCount,
	}, nil
}

// StartFrame returns the first frame managed by the arena.
func (a *Arena) StartFrame() mm.Frame {
	return a.startFrame
}

// FrameCount returns the number of frames managed by the arena.
func (a *Arena) FrameCount() uint32 {
	return a.frameCount
}

// Contains returns true if frame is backed by this arena.
func (a *Arena) Contains(frame mm.Frame) bool {
	return frame >= a.startFrame && frame < a.startFrame+mm.Frame(a.frameCount)
}

// FrameData returns the mm.PageSize bytes backing frame.
func (a *Arena) FrameData(frame mm.Frame) ([]byte, error) {
	if a.mem == nil || !a.Contains(frame) {
		return nil, errArenaUnmanaged
	}

	offset := uintptr(frame-a.startFrame) << mm.PageShift
	return a.mem[offset : offset+mm.PageSize : offset+mm.PageSize], nil
}

// Close returns the arena memory to the host. The arena must not be used
// after a call to Close.
func (a *Arena) Close() error {
	if a.mem == nil {
		return errArenaAlreadyFree
	}

	err := unmapArenaFn(a.mem)
	a.mem = nil
	return err
}
