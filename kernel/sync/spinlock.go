// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked by Acquire after attemptsBeforeYielding failed
	// attempts to grab the lock so that the holder gets a chance to run.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding is the number of busy-wait iterations performed by
// Acquire before yielding the processor.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task. It is meant
// for assertions; the result may be stale by the time it is inspected.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}
