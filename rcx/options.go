package rcx

import (
	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/numa"
)

// DefaultSpinYield is how many failed polls of a busy node flag pass before the
// waiter yields its P.
const DefaultSpinYield = 64

type config struct {
	nodes     int
	provider  numa.Provider
	engine    htm.Engine
	fallback  func(nodes int) Fallback
	sleepable bool
	spinYield int
	stats     bool
}

func defaultConfig() config {
	return config{
		nodes:     DefaultNodes,
		sleepable: true,
		spinYield: DefaultSpinYield,
	}
}

// Option configures a Lock.
type Option func(*config)

// WithNodes sets the number of node flags. Values below 1 are treated as 1.
func WithNodes(n int) Option {
	return func(c *config) { c.nodes = n }
}

// WithProvider sets the default node provider. The default is numa.Procs.
func WithProvider(p numa.Provider) Option {
	return func(c *config) { c.provider = p }
}

// WithEngine sets the transaction engine. The default is htm.Default().
func WithEngine(e htm.Engine) Option {
	return func(c *config) { c.engine = e }
}

// WithFallback selects the tier-2 lock by kind.
func WithFallback(kind FallbackKind) Option {
	return func(c *config) { c.fallback = kind.factory() }
}

// WithFallbackLock uses f as the tier-2 lock.
func WithFallbackLock(f Fallback) Option {
	return func(c *config) { c.fallback = func(int) Fallback { return f } }
}

// WithSleepable controls whether the lock records the node whose flag was set and
// clears that flag on release. It is on by default because a goroutine can resume on
// another thread, and so another node, at any point. Turning it off makes Unlock clear
// the flag of the node the releasing caller is on now.
func WithSleepable(on bool) Option {
	return func(c *config) { c.sleepable = on }
}

// WithSpinYield makes the tier-1 wait loop call runtime.Gosched every n polls.
// Zero spins without yielding.
func WithSpinYield(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.spinYield = n
	}
}

// WithStats enables per-node counters, read with Stats and NodeStats.
func WithStats(on bool) Option {
	return func(c *config) { c.stats = on }
}
