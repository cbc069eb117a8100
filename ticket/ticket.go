// Package ticket provides a fair mutual exclusion lock implementation using a ticket-based
// queuing system. The Lock type ensures FIFO ordering of lock acquisition by handing out
// ticket numbers and serving them in order, while implementing adaptive spinning strategies
// to balance CPU utilization with latency.
//
// It is the default tier-2 lock of rcx.Lock and the lock behind the spinlock mmap backend,
// so it satisfies both sync.Locker and rcx.Fallback:
//
//	var l ticket.Lock // zero value is unlocked
//
//	l.Lock()
//	// ... critical section ...
//	l.Unlock()
//
//	if l.TryLock() {
//	    // ... critical section ...
//	    l.Unlock()
//	}
package ticket

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Lock implements a fair mutual exclusion lock using a ticket-based queuing system.
//
// Both counters live in one 64-bit word so TryLock can observe them together:
//   - high 32 bits (tail): the next ticket to be issued
//   - low 32 bits (head): the ticket currently being served
//
// The lock is free when head == tail. Counters wrap independently; only the holder
// advances head, and it does so with a CAS on the low half so a wrapping head never
// carries into tail.
type Lock struct {
	word atomic.Uint64
}

// NewLock creates a new ticket Lock.
func NewLock() *Lock { return new(Lock) }

const tailOne = uint64(1) << 32

func split(w uint64) (head, tail uint32) { return uint32(w), uint32(w >> 32) }

// TryLock attempts to acquire the lock without blocking. It returns true if the lock
// was acquired successfully, and false if it is held or other goroutines are queued.
func (t *Lock) TryLock() bool {
	w := t.word.Load()
	if head, tail := split(w); head != tail {
		return false
	}
	return t.word.CompareAndSwap(w, w+tailOne)
}

const (
	ticketBaseWait uint32 = 10
	ticketWaitNext        = 5
	ticketFarAway         = 20
)

// Lock acquires the lock. Waiters spin proportionally to their distance from the head
// of the queue; when a goroutine is far back (more than 20 positions) it sleeps instead
// of spinning.
func (t *Lock) Lock() {
	_, next := split(t.word.Add(tailOne))
	myTicket := next - 1

	// Fast path for uncontended case.
	if head, _ := split(t.word.Load()); head == myTicket {
		return
	}

	wait := ticketBaseWait
	distancePrev := uint32(1)

	for {
		head, _ := split(t.word.Load())
		if head == myTicket {
			return
		}
		d := distance(head, myTicket)

		if d > 1 {
			if d != distancePrev {
				distancePrev = d
				wait = ticketBaseWait
			}
			for range d * wait {
				// Empty spin loop.
			}
		} else {
			for range ticketWaitNext {
				// Empty spin loop.
			}
		}

		if d > ticketFarAway {
			time.Sleep(time.Millisecond)
		} else {
			// The holder may be parked on this P.
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock, serving the next ticket.
func (t *Lock) Unlock() {
	for {
		w := t.word.Load()
		head, tail := split(w)
		if t.word.CompareAndSwap(w, uint64(tail)<<32|uint64(head+1)) {
			return
		}
	}
}

// IsLocked reports whether the lock is held or has waiters. The answer may be stale
// by the time it is returned.
func (t *Lock) IsLocked() bool {
	head, tail := split(t.word.Load())
	return head != tail
}

// distance returns how many tickets are ahead of mine, modulo 2^32.
func distance(head, mine uint32) uint32 { return mine - head }
