package htm

import (
	"sync"
	"sync/atomic"
)

// Emulated returns an engine that supports transactions over a single Word.
// The read of the word is the snapshot, the commit is a compare-and-swap from
// that snapshot, and a second distinct word aborts with AbortCapacity. This is
// the same retry shape as RTM, minus the bus-lock-free commit.
func Emulated() Engine { return emulated{} }

type emulated struct{}

var txPool = sync.Pool{New: func() any { return new(emuTx) }}

func (emulated) Name() string { return "emulated" }

func (emulated) Attempt(body func(tx Tx)) (st Status) {
	tx := txPool.Get().(*emuTx)
	*tx = emuTx{}
	defer func() {
		txPool.Put(tx)
		if r := recover(); r != nil {
			a, ok := r.(abort)
			if !ok {
				panic(r)
			}
			st = Status(a)
		}
	}()

	body(tx)
	return tx.commit()
}

type emuTx struct {
	w       *Word
	seen    uint32
	val     uint32
	written bool
}

func (tx *emuTx) track(w *Word) {
	if tx.w == nil {
		tx.w = w
		tx.seen = w.Load()
		return
	}
	if tx.w != w {
		panic(abort(AbortCapacity))
	}
}

func (tx *emuTx) Load(w *Word) uint32 {
	tx.track(w)
	if tx.written {
		return tx.val
	}
	return tx.seen
}

func (tx *emuTx) Store(w *Word, v uint32) {
	tx.track(w)
	tx.val = v
	tx.written = true
}

func (tx *emuTx) Abort() { panic(abort(explicitStatus())) }

func (tx *emuTx) commit() Status {
	switch {
	case tx.w == nil:
		return Started
	case !tx.written:
		// Read-only: the snapshot must still hold.
		if tx.w.Load() != tx.seen {
			return AbortConflict | AbortRetry
		}
		return Started
	case atomic.CompareAndSwapUint32(&tx.w.v, tx.seen, tx.val):
		return Started
	default:
		return AbortConflict | AbortRetry
	}
}
