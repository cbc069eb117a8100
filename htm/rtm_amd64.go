//go:build amd64 && !race

package htm

import "github.com/klauspost/cpuid"

// Implemented in rtm_amd64.s.
func xbegin() uint32
func xend()
func xabort()
func xtest() bool

var rtmSupported = cpuid.CPU.RTM()

// RTM returns the hardware engine, or nil if the CPU lacks RTM.
//
// Anything the runtime does inside the body (stack growth, preemption
// signals, GC assists) aborts the transaction; callers already retry.
func RTM() Engine {
	if !rtmSupported {
		return nil
	}
	return rtm{}
}

type rtm struct{}

func (rtm) Name() string { return "rtm" }

func (rtm) Attempt(body func(tx Tx)) Status {
	// On abort the CPU rolls back to the instruction after XBEGIN, so
	// xbegin returns a second time with the abort status.
	if st := Status(xbegin()); st != Started {
		return st
	}
	body(rtmTx{})
	xend()
	return Started
}

type rtmTx struct{}

func (rtmTx) Load(w *Word) uint32 { return w.v }

func (rtmTx) Store(w *Word, v uint32) { w.v = v }

func (rtmTx) Abort() {
	xabort()
	// XABORT is a no-op outside a transaction.
	panic("htm: Abort called outside a transaction")
}

// InTransaction reports whether the calling thread is executing inside a
// hardware transaction.
func InTransaction() bool { return rtmSupported && xtest() }
