// Package mcs implements the Mellor-Crummey Scott (MCS) lock, a scalable FIFO queue-based spin lock.
//
// An MCS lock provides several advantages over traditional spin locks:
//   - FIFO ordering ensures fair lock acquisition
//   - Each waiter spins on its own queue node, reducing memory contention and cache invalidation
//   - Memory usage scales with the number of goroutines contending for the lock
//
// Callers that manage their own queue nodes use the *Node methods:
//
//	lock := mcs.NewLock()
//	node := &mcs.QNode{}
//
//	lock.LockNode(node)
//	// ... critical section ...
//	lock.UnlockNode(node)
//
// Lock, TryLock and Unlock draw nodes from an internal pool and remember the holder's
// node, so the lock can also be used as a plain sync.Locker or as an rcx fallback:
//
//	lock.Lock()
//	// ... critical section ...
//	lock.Unlock()
//
// A single QNode must not be used concurrently by multiple goroutines.
package mcs

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// QNode represents a queue node in the MCS lock. Nodes are padded so waiters
// spinning on neighbouring nodes do not share a cache line.
type QNode struct {
	next    atomic.Pointer[QNode]
	waiting uint32
	_       cpu.CacheLinePad
}

// Lock represents the MCS lock.
type Lock struct {
	tail   atomic.Pointer[QNode]
	holder atomic.Pointer[QNode] // node of the current Lock/TryLock holder
}

var nodePool = sync.Pool{New: func() any { return new(QNode) }}

// NewLock creates a new MCS lock.
func NewLock() *Lock { return new(Lock) }

// TryLockNode attempts to acquire the lock without blocking.
// Returns true if lock was acquired, false otherwise.
func (l *Lock) TryLockNode(node *QNode) bool {
	node.next.Store(nil)
	return l.tail.CompareAndSwap(nil, node)
}

// LockNode acquires the lock, queueing behind node.
func (l *Lock) LockNode(node *QNode) {
	node.next.Store(nil)
	pred := l.tail.Swap(node) // Atomically put ourselves at the tail

	if pred == nil { // No predecessor, lock acquired
		return
	}

	// Someone else is holding the lock, wait for predecessor to signal us.
	atomic.StoreUint32(&node.waiting, 1)
	pred.next.Store(node) // Link to predecessor

	for atomic.LoadUint32(&node.waiting) != 0 {
		runtime.Gosched()
	}
}

// UnlockNode releases the lock held through node.
func (l *Lock) UnlockNode(node *QNode) {
	// Check if there's a successor.
	if node.next.Load() == nil {
		// No one waiting? Try to set tail to nil.
		if l.tail.CompareAndSwap(node, nil) {
			return
		}

		// Someone in the process of enqueuing, wait for them.
		for {
			succ := node.next.Load()
			if succ != nil {
				atomic.StoreUint32(&succ.waiting, 0) // Signal successor
				return
			}
			runtime.Gosched()
		}
	}

	// Signal our successor.
	succ := node.next.Load()
	atomic.StoreUint32(&succ.waiting, 0)
}

// Lock acquires the lock with a pooled node.
func (l *Lock) Lock() {
	node := nodePool.Get().(*QNode)
	l.LockNode(node)
	l.holder.Store(node)
}

// TryLock attempts to acquire the lock with a pooled node without blocking.
func (l *Lock) TryLock() bool {
	node := nodePool.Get().(*QNode)
	if !l.TryLockNode(node) {
		nodePool.Put(node)
		return false
	}
	l.holder.Store(node)
	return true
}

// Unlock releases a lock taken with Lock or TryLock. Once the successor has
// been signalled nobody references the node again, so it goes back to the pool.
func (l *Lock) Unlock() {
	node := l.holder.Swap(nil)
	if node == nil {
		panic("mcs: unlock of unlocked lock")
	}
	l.UnlockNode(node)
	nodePool.Put(node)
}

// IsFree returns true if the lock is currently free.
func (l *Lock) IsFree() bool { return l.tail.Load() == nil }

// IsLocked reports whether the lock is held or queued on.
func (l *Lock) IsLocked() bool { return !l.IsFree() }
