// Package rcx implements a NUMA-aware exclusive lock that filters contention per node
// before it reaches a single shared lock.
//
// Acquisition has two tiers:
//   - Tier 1: the caller sets its node's flag with a transactional test-and-set (see
//     package htm). Only goroutines on the same node contend here, each node's flag sits
//     on its own cache line, and a lost race is an abort followed by a retry rather than
//     a bus-locked instruction.
//   - Tier 2: the tier-1 winner takes the fallback lock, which is the only thing that
//     provides exclusion across nodes. At most one goroutine per node ever waits here.
//
// Release clears the recorded node flag and then unlocks the fallback.
//
// Example usage:
//
//	lock := rcx.New(rcx.WithNodes(4))
//
//	lock.Lock()
//	// ... critical section ...
//	lock.Unlock()
//
//	// Place a goroutine on an explicit node.
//	h := lock.With(numa.Static(1))
//	if h.TryLock() {
//	    // ... critical section ...
//	    h.Unlock()
//	}
//
// Caveats callers must know about:
//   - TryLock only refuses to wait on the caller's own node. Once tier 1 is won it waits
//     for the fallback lock, so it can block behind holders from other nodes.
//   - LockKillable never fails and cannot be interrupted.
//   - Downgrade releases and reacquires; anyone may take the lock in between, and there
//     is no shared mode.
//   - There is no fairness between nodes; one node can starve another.
//   - A node flag left set without an owner is a caller bug (for example an Unlock that
//     never happened). It is not detected.
package rcx

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/numa"
)

// CacheLineSize is the stride between node flags. Intel parts prefetch the adjacent
// line, so a 64-byte stride would still let two nodes' flags share traffic.
const CacheLineSize = 128

// DefaultNodes is the node count used when WithNodes is not given.
const DefaultNodes = 4

// Fallback is the tier-2 lock. ticket.Lock, mcs.Lock and alock.ArrayLock all satisfy it.
type Fallback interface {
	Lock()
	Unlock()
	IsLocked() bool
}

type paddedFlag struct {
	htm.Word
	_ [CacheLineSize - unsafe.Sizeof(htm.Word{})]byte
}

// Lock is the two-tier lock. Create it with New; it must not be copied after first use.
type Lock struct {
	flags []paddedFlag
	_     cpu.CacheLinePad
	owner int // node whose flag the holder set; guarded by fallback
	_     cpu.CacheLinePad

	fallback  Fallback
	engine    htm.Engine
	nodes     numa.Provider
	tas       []func(htm.Tx) // per-node test-and-set bodies, built once
	sleepable bool
	spinYield int
	stats     []nodeStats // nil unless WithStats(true)
}

// New returns an unlocked Lock with every node flag cleared.
func New(opts ...Option) *Lock {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.nodes < 1 {
		cfg.nodes = 1
	}
	if cfg.provider == nil {
		cfg.provider = numa.Procs(cfg.nodes)
	}
	if cfg.engine == nil {
		cfg.engine = htm.Default()
	}
	if cfg.fallback == nil {
		cfg.fallback = newTicket
	}

	l := &Lock{
		flags:     make([]paddedFlag, cfg.nodes),
		fallback:  cfg.fallback(cfg.nodes),
		engine:    cfg.engine,
		nodes:     cfg.provider,
		tas:       make([]func(htm.Tx), cfg.nodes),
		sleepable: cfg.sleepable,
		spinYield: cfg.spinYield,
	}
	for i := range l.flags {
		f := &l.flags[i].Word
		l.tas[i] = func(tx htm.Tx) {
			// The plain read in the wait loop can race; this one cannot.
			if tx.Load(f) != 0 {
				tx.Abort()
			}
			tx.Store(f, 1)
		}
	}
	if cfg.stats {
		l.stats = make([]nodeStats, cfg.nodes)
	}
	return l
}

// Nodes returns the number of node flags.
func (l *Lock) Nodes() int { return len(l.flags) }

// Sleepable reports whether release clears the flag of the node the holder acquired on.
func (l *Lock) Sleepable() bool { return l.sleepable }

// Engine returns the name of the transaction engine in use.
func (l *Lock) Engine() string { return l.engine.Name() }

// index folds a provider's answer onto the flag bank.
func (l *Lock) index(node int) int {
	n := len(l.flags)
	node %= n
	if node < 0 {
		node += n
	}
	return node
}

func (l *Lock) flagFor(node int) *htm.Word { return &l.flags[node].Word }

// acquireNode is the blocking tier-1 loop.
func (l *Lock) acquireNode(node int) {
	f := l.flagFor(node)
	var a attempts
	for {
		// Wait with plain reads until the node looks free.
		for f.Load() != 0 {
			a.spins++
			if l.spinYield > 0 && a.spins%uint64(l.spinYield) == 0 {
				runtime.Gosched()
			}
		}
		st := l.engine.Attempt(l.tas[node])
		if st.Committed() {
			break
		}
		a.abort(st)
	}
	l.record(node, a, true)
}

// tryAcquireNode makes one tier-1 attempt.
func (l *Lock) tryAcquireNode(node int) bool {
	if l.flagFor(node).Load() != 0 {
		l.record(node, attempts{}, false)
		return false
	}
	var a attempts
	if st := l.engine.Attempt(l.tas[node]); !st.Committed() {
		a.abort(st)
		l.record(node, a, false)
		return false
	}
	return true
}

// acquireGlobal is tier 2. The node recorded is the one whose flag was set, which
// is the flag release must clear even if the goroutine has since moved.
func (l *Lock) acquireGlobal(node int) {
	l.fallback.Lock()
	l.owner = node
}

func (l *Lock) lock(p numa.Provider) {
	node := l.index(p.NodeID())
	l.acquireNode(node)
	l.acquireGlobal(node)
}

func (l *Lock) tryLock(p numa.Provider) bool {
	node := l.index(p.NodeID())
	if !l.tryAcquireNode(node) {
		return false
	}
	l.acquireGlobal(node)
	l.record(node, attempts{}, true)
	return true
}

func (l *Lock) unlock(p numa.Provider) {
	node := l.owner
	if !l.sleepable {
		node = l.index(p.NodeID())
	}
	// Flag first, then the fallback, mirroring acquisition.
	l.flagFor(node).Store(0)
	l.fallback.Unlock()
}

// Lock acquires the lock, spinning on the caller's node flag and then waiting for the
// fallback lock. It never fails.
func (l *Lock) Lock() { l.lock(l.nodes) }

// TryLock makes one attempt at the caller's node flag and reports false if another
// goroutine on the node holds it or the transaction aborts. After winning the node
// flag it waits for the fallback lock unconditionally, so it is not fully non-blocking.
func (l *Lock) TryLock() bool { return l.tryLock(l.nodes) }

// LockKillable is Lock. It cannot be interrupted and always returns nil.
func (l *Lock) LockKillable() error {
	l.lock(l.nodes)
	return nil
}

// LockNested is Lock. The subclass exists for lock-order annotations and is ignored.
func (l *Lock) LockNested(subclass int) { l.lock(l.nodes) }

// Downgrade releases the lock and acquires it again. It is not atomic: another
// goroutine can take the lock in between, and the caller ends up holding the lock
// exclusively, not shared.
func (l *Lock) Downgrade() {
	l.unlock(l.nodes)
	l.lock(l.nodes)
}

// Unlock clears the node flag set at acquisition and releases the fallback lock.
func (l *Lock) Unlock() { l.unlock(l.nodes) }

// IsLocked reports whether any node flag is set or the fallback lock is held. It is
// racy and meant for assertions and diagnostics only.
func (l *Lock) IsLocked() bool {
	for i := range l.flags {
		if l.flags[i].Load() != 0 {
			return true
		}
	}
	return l.fallback.IsLocked()
}
