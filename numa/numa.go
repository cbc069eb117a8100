// Package numa supplies the "which node am I on" capability to locks that keep
// per-node state. Providers are injected into the lock rather than looked up
// from an ambient global, so tests can place goroutines on arbitrary nodes.
//
// Example usage:
//
//	lock := rcx.New(rcx.WithNodes(4), rcx.WithProvider(numa.Procs(4)))
//
//	// Pin one goroutine to node 2 for a test.
//	h := lock.With(numa.Static(2))
//	h.Lock()
//	// ... critical section ...
//	h.Unlock()
package numa

import (
	"runtime"
	_ "unsafe" // for go:linkname

	"github.com/klauspost/cpuid"
)

// Provider reports the node the caller is running on. Implementations must be
// safe for concurrent use and cheap; locks call NodeID on every acquisition.
type Provider interface {
	NodeID() int
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func() int

// NodeID calls f.
func (f ProviderFunc) NodeID() int { return f() }

// Static is a provider that always reports the same node.
type Static int

// NodeID returns s.
func (s Static) NodeID() int { return int(s) }

// Procs returns a provider that maps the current scheduler P onto nodes in
// round-robin order. Goroutines hop between Ps, so the answer is only a
// placement hint; locks that need the node again on release must record it.
func Procs(nodes int) Provider {
	if nodes < 1 {
		nodes = 1
	}
	return procs(nodes)
}

type procs int

func (p procs) NodeID() int {
	pid := runtime_procPin()
	runtime_procUnpin()
	return pid % int(p)
}

//go:linkname runtime_procPin runtime.procPin
//go:nosplit
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
//go:nosplit
func runtime_procUnpin()

// Topology describes the machine as far as it matters for padding and
// placement. It is diagnostic only; no lock correctness depends on it.
type Topology struct {
	Brand       string
	LogicalCPUs int
	Procs       int
	CacheLine   int
	RTM         bool
}

// Detect reads the current CPU through cpuid.
func Detect() Topology {
	return Topology{
		Brand:       cpuid.CPU.BrandName,
		LogicalCPUs: runtime.NumCPU(),
		Procs:       runtime.GOMAXPROCS(0),
		CacheLine:   cpuid.CPU.CacheLine,
		RTM:         cpuid.CPU.RTM(),
	}
}
