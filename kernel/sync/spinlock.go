// Package sync provides a spinlock synchronization primitive.
package sync

import "sync/atomic"

var (
	// yieldFn backs AcquireBounded's spin loop. It starts out nil (a bare
	// busy-wait) since nothing below kernel/task can yield to anything; once
	// the scheduler is up, kernel/task.Init calls SetYieldFn(runtime.Gosched)
	// so a spinning task gives up its slice instead of burning it.
	yieldFn func()
)

// SetYieldFn registers the function AcquireBounded calls between spin
// attempts. Passing nil restores the plain busy-wait.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
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

// AcquireBounded attempts to acquire the lock, busy-spinning for up to
// maxAttempts tries before giving up. It returns false instead of blocking
// forever, which lets a caller running in interrupt context (where the lock
// holder can never make progress and release it) fail the operation instead
// of deadlocking.
func (l *Spinlock) AcquireBounded(maxAttempts uint32) bool {
	for attempt := uint32(0); attempt < maxAttempts; attempt++ {
		if l.TryToAcquire() {
			return true
		}

		if yieldFn != nil {
			yieldFn()
		}
	}

	return false
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
