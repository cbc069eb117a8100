package rcx

import "github.com/ahrav/go-rcx/numa"

// Handle is a view of a Lock that takes the caller's node from its own provider
// instead of the lock's. Handles are cheap; any number may share one Lock.
type Handle struct {
	l *Lock
	p numa.Provider
}

// With returns a handle that reports the node from p.
func (l *Lock) With(p numa.Provider) *Handle { return &Handle{l: l, p: p} }

// Lock behaves like Lock.Lock.
func (h *Handle) Lock() { h.l.lock(h.p) }

// TryLock behaves like Lock.TryLock.
func (h *Handle) TryLock() bool { return h.l.tryLock(h.p) }

// LockKillable behaves like Lock.LockKillable.
func (h *Handle) LockKillable() error {
	h.l.lock(h.p)
	return nil
}

// LockNested behaves like Lock.LockNested.
func (h *Handle) LockNested(subclass int) { h.l.lock(h.p) }

// Downgrade behaves like Lock.Downgrade.
func (h *Handle) Downgrade() {
	h.l.unlock(h.p)
	h.l.lock(h.p)
}

// Unlock behaves like Lock.Unlock. Without sleepable mode it clears the flag of the
// node h reports now.
func (h *Handle) Unlock() { h.l.unlock(h.p) }

// IsLocked behaves like Lock.IsLocked.
func (h *Handle) IsLocked() bool { return h.l.IsLocked() }
