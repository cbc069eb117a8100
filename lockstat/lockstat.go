// Package lockstat publishes rcx.Lock statistics as VictoriaMetrics gauges.
//
//	set := metrics.NewSet()
//	lockstat.Register(set, "mm", lock)
//	set.WritePrometheus(w)
//
// Each gauge reads the lock's counters when the set is scraped, so the lock's
// hot path pays nothing beyond the per-node counters enabled with
// rcx.WithStats(true).
package lockstat

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ahrav/go-rcx/rcx"
)

type counter struct {
	name string
	get  func(rcx.Stats) uint64
}

var counters = []counter{
	{"rcx_acquired_total", func(s rcx.Stats) uint64 { return s.Acquired }},
	{"rcx_trylock_failed_total", func(s rcx.Stats) uint64 { return s.TryFailed }},
	{"rcx_aborts_explicit_total", func(s rcx.Stats) uint64 { return s.Explicit }},
	{"rcx_aborts_conflict_total", func(s rcx.Stats) uint64 { return s.Conflicts }},
	{"rcx_aborts_other_total", func(s rcx.Stats) uint64 { return s.OtherAborts }},
	{"rcx_spins_total", func(s rcx.Stats) uint64 { return s.Spins }},
}

// Register adds gauges for l to set, labelled lock=name, plus a per-node
// breakdown labelled node=N. Registering the same name twice in one set panics,
// as metrics.Set does for any duplicate.
func Register(set *metrics.Set, name string, l *rcx.Lock) {
	for _, c := range counters {
		get := c.get
		set.NewGauge(fmt.Sprintf(`%s{lock=%q}`, c.name, name), func() float64 {
			return float64(get(l.Stats()))
		})
		for node := range l.Nodes() {
			set.NewGauge(fmt.Sprintf(`%s{lock=%q,node="%d"}`, c.name, name, node), func() float64 {
				return float64(get(l.NodeStats(node)))
			})
		}
	}
	set.NewGauge(fmt.Sprintf(`rcx_locked{lock=%q}`, name), func() float64 {
		if l.IsLocked() {
			return 1
		}
		return 0
	})
	set.NewGauge(fmt.Sprintf(`rcx_info{lock=%q,engine=%q,nodes="%d"}`, name, l.Engine(), l.Nodes()), func() float64 {
		return 1
	})
}
