// Package htm models hardware transactional memory as an engine that runs a
// body of memory operations and either commits them atomically or aborts with
// every transactional write discarded.
//
// Two engines are provided:
//   - RTM, which uses the XBEGIN/XEND/XABORT instructions on amd64 CPUs that
//     advertise Restricted Transactional Memory
//   - Emulated, a single-word engine that commits with a compare-and-swap and
//     runs everywhere
//
// Aborts are expected and frequent. Callers own the retry loop:
//
//	for {
//	    st := engine.Attempt(func(tx htm.Tx) {
//	        if tx.Load(&w) != 0 {
//	            tx.Abort()
//	        }
//	        tx.Store(&w, 1)
//	    })
//	    if st.Committed() {
//	        break
//	    }
//	}
//
// Words touched outside a transaction must go through Word.Load and Word.Store
// so that the emulated engine observes them.
package htm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Word is a 32-bit cell that can be accessed both inside and outside a
// transaction.
type Word struct {
	v uint32
}

// Load reads the word non-transactionally.
func (w *Word) Load() uint32 { return atomic.LoadUint32(&w.v) }

// Store writes the word non-transactionally. A store racing with an emulated
// transaction on the same word makes that transaction abort with a conflict.
func (w *Word) Store(v uint32) { atomic.StoreUint32(&w.v, v) }

// Tx is the handle a transaction body uses to access memory.
type Tx interface {
	// Load reads w as part of the transaction's read set.
	Load(w *Word) uint32
	// Store buffers a write to w; it becomes visible only on commit.
	Store(w *Word, v uint32)
	// Abort discards the transaction and does not return. The resulting
	// status has AbortExplicit set and Code() == AbortCode.
	Abort()
}

// Engine runs transactions.
type Engine interface {
	// Attempt runs body once as a transaction. It never retries.
	Attempt(body func(tx Tx)) Status
	// Name identifies the engine in logs and metrics.
	Name() string
}

// Status is the outcome of an attempt, laid out like the RTM abort word.
type Status uint32

// Started is what XBEGIN reports for a running transaction; an attempt that
// returns it has committed.
const Started Status = ^Status(0)

// Abort reason bits.
const (
	AbortExplicit Status = 1 << 0
	AbortRetry    Status = 1 << 1
	AbortConflict Status = 1 << 2
	AbortCapacity Status = 1 << 3
	AbortDebug    Status = 1 << 4
	AbortNested   Status = 1 << 5
)

// AbortCode is the code carried by every explicit abort.
const AbortCode uint8 = 1

func explicitStatus() Status { return AbortExplicit | Status(AbortCode)<<24 }

// abort is the panic value used to unwind a transaction body.
type abort Status

// Committed reports whether the attempt committed.
func (s Status) Committed() bool { return s == Started }

// Explicit reports whether the body called Abort.
func (s Status) Explicit() bool { return !s.Committed() && s&AbortExplicit != 0 }

// Conflict reports whether another access to the read or write set aborted the
// attempt.
func (s Status) Conflict() bool { return !s.Committed() && s&AbortConflict != 0 }

// Capacity reports whether the transaction touched more than the engine can
// track.
func (s Status) Capacity() bool { return !s.Committed() && s&AbortCapacity != 0 }

// Code returns the explicit abort code, valid only when Explicit is true.
func (s Status) Code() uint8 { return uint8(s >> 24) }

func (s Status) String() string {
	if s.Committed() {
		return "committed"
	}
	var reasons []string
	for _, r := range []struct {
		bit  Status
		name string
	}{
		{AbortExplicit, "explicit"},
		{AbortRetry, "retry"},
		{AbortConflict, "conflict"},
		{AbortCapacity, "capacity"},
		{AbortDebug, "debug"},
		{AbortNested, "nested"},
	} {
		if s&r.bit != 0 {
			reasons = append(reasons, r.name)
		}
	}
	if len(reasons) == 0 {
		return "aborted"
	}
	if s.Explicit() {
		return fmt.Sprintf("aborted(%s, code=%d)", strings.Join(reasons, "|"), s.Code())
	}
	return "aborted(" + strings.Join(reasons, "|") + ")"
}

var (
	// ErrUnknownEngine is returned by ByName for names it does not know.
	ErrUnknownEngine = errors.New("htm: unknown engine")
	// ErrUnsupported is returned when the hardware engine is requested on a
	// CPU or build without RTM.
	ErrUnsupported = errors.New("htm: hardware transactions not supported")
)

// Supported reports whether the RTM engine can run here.
func Supported() bool { return rtmSupported }

// Default returns the RTM engine when supported and the emulated one
// otherwise.
func Default() Engine {
	if e := RTM(); e != nil {
		return e
	}
	return Emulated()
}

// ByName resolves "auto", "rtm" or "emulated" to an engine.
func ByName(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return Default(), nil
	case "emulated", "cas":
		return Emulated(), nil
	case "rtm", "hardware":
		if e := RTM(); e != nil {
			return e, nil
		}
		return nil, errors.Wrapf(ErrUnsupported, "engine %q", name)
	}
	return nil, errors.Wrapf(ErrUnknownEngine, "engine %q", name)
}
