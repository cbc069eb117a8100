package rcx

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/ahrav/go-rcx/htm"
)

// Stats counts tier-1 outcomes.
type Stats struct {
	Acquired    uint64 // successful Lock and TryLock calls
	TryFailed   uint64 // TryLock calls refused at tier 1
	Explicit    uint64 // transactions that found the flag already set
	Conflicts   uint64 // transactions aborted by a conflicting access
	OtherAborts uint64 // capacity, interrupt and other aborts
	Spins       uint64 // polls of a busy node flag
}

func (s *Stats) add(o Stats) {
	s.Acquired += o.Acquired
	s.TryFailed += o.TryFailed
	s.Explicit += o.Explicit
	s.Conflicts += o.Conflicts
	s.OtherAborts += o.OtherAborts
	s.Spins += o.Spins
}

// nodeStats is padded like the flags; same-node goroutines are the only writers.
type nodeStats struct {
	acquired, tryFailed, explicit, conflicts, other, spins atomic.Uint64
	_                                                      cpu.CacheLinePad
}

func (n *nodeStats) load() Stats {
	return Stats{
		Acquired:    n.acquired.Load(),
		TryFailed:   n.tryFailed.Load(),
		Explicit:    n.explicit.Load(),
		Conflicts:   n.conflicts.Load(),
		OtherAborts: n.other.Load(),
		Spins:       n.spins.Load(),
	}
}

// attempts accumulates one acquisition locally before it is published.
type attempts struct {
	explicit, conflicts, other, spins uint64
}

func (a *attempts) abort(st htm.Status) {
	switch {
	case st.Explicit():
		a.explicit++
	case st.Conflict():
		a.conflicts++
	default:
		a.other++
	}
}

func (l *Lock) record(node int, a attempts, acquired bool) {
	if l.stats == nil {
		return
	}
	s := &l.stats[node]
	if acquired {
		s.acquired.Add(1)
	} else {
		s.tryFailed.Add(1)
	}
	if a.explicit > 0 {
		s.explicit.Add(a.explicit)
	}
	if a.conflicts > 0 {
		s.conflicts.Add(a.conflicts)
	}
	if a.other > 0 {
		s.other.Add(a.other)
	}
	if a.spins > 0 {
		s.spins.Add(a.spins)
	}
}

// Stats sums the per-node counters. It is zero unless WithStats(true) was given.
func (l *Lock) Stats() Stats {
	var total Stats
	for i := range l.stats {
		total.add(l.stats[i].load())
	}
	return total
}

// NodeStats returns the counters of one node.
func (l *Lock) NodeStats(node int) Stats {
	if l.stats == nil {
		return Stats{}
	}
	return l.stats[l.index(node)].load()
}
