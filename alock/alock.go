// Package alock implements an array-based lock, providing fair mutual exclusion for a bounded
// number of concurrent contenders. The ArrayLock type hands each arriving goroutine a slot in a
// circular array of flags, and each goroutine spins only on its own slot, ensuring FIFO ordering.
//
// The array-based lock provides several benefits:
//   - Fair scheduling with FIFO ordering of lock acquisition
//   - Bounded memory usage based on the number of contenders
//   - Each goroutine spins on its own cache-line-padded flag, reducing contention
//
// Example usage:
//
//	lock := alock.NewArrayLock(4) // Up to 4 goroutines inside Lock at once
//
//	// Blocking acquisition
//	lock.Lock()
//	// ... critical section ...
//	lock.Unlock()
//
//	// Non-blocking try-lock
//	if lock.TryLock() {
//	    // ... critical section ...
//	    lock.Unlock()
//	}
//
// The bound must be known in advance. More simultaneous contenders than slots makes two
// goroutines share a slot, which breaks mutual exclusion. The holder counts until its
// Unlock returns. rcx.Lock sizes its array fallback to the node count plus one: its
// per-node gate lets one goroutine per node through, and the holder's node reopens before
// the holder leaves the array.
package alock

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type slot struct {
	granted atomic.Uint32
	_       cpu.CacheLinePad
}

// ArrayLock is an Anderson array lock.
type ArrayLock struct {
	flags []slot
	tail  atomic.Uint32 // next slot ticket to hand out
	mask  uint32
	held  uint32 // slot of the current holder, written only by the holder
}

// NewArrayLock initializes a new array lock for up to numGoroutines concurrent contenders.
// The slot count is rounded up to a power of two so ticket wraparound stays on the ring.
func NewArrayLock(numGoroutines uint32) *ArrayLock {
	size := uint32(1)
	if numGoroutines > 1 {
		size = 1 << bits.Len32(numGoroutines-1)
	}
	al := &ArrayLock{
		flags: make([]slot, size),
		mask:  size - 1,
	}
	al.flags[0].granted.Store(1) // The first arrival may enter immediately.
	return al
}

// Size returns the number of slots.
func (al *ArrayLock) Size() uint32 { return al.mask + 1 }

// Lock acquires the lock for the current goroutine.
func (al *ArrayLock) Lock() {
	// The slot is the ticket we were handed before the increment.
	slot := (al.tail.Add(1) - 1) & al.mask

	for al.flags[slot].granted.Load() == 0 {
		runtime.Gosched()
	}
	al.held = slot
}

// Unlock releases the lock, allowing the next goroutine in the queue to acquire it.
func (al *ArrayLock) Unlock() {
	slot := al.held

	// Clear our slot before granting the next one so a wrapped ticket cannot see it set.
	al.flags[slot].granted.Store(0)
	al.flags[(slot+1)&al.mask].granted.Store(1)
}

// TryLock attempts to acquire the lock without blocking. Returns true if successful.
func (al *ArrayLock) TryLock() bool {
	tail := al.tail.Load()
	if al.flags[tail&al.mask].granted.Load() == 1 {
		if al.tail.CompareAndSwap(tail, tail+1) {
			al.held = tail & al.mask
			return true
		}
	}
	return false
}

// IsLocked reports whether the next arrival would have to wait.
func (al *ArrayLock) IsLocked() bool {
	return al.flags[al.tail.Load()&al.mask].granted.Load() == 0
}
