// Package bench drives contention workloads against mmaplock backends and reports
// per-acquisition latency.
package bench

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-rcx/mmaplock"
	"github.com/ahrav/go-rcx/rcx"
)

// ErrLostUpdate means two writers overlapped inside the critical section.
var ErrLostUpdate = errors.New("bench: lost update under write lock")

// Config describes one workload.
type Config struct {
	Goroutines int     `mapstructure:"goroutines"`
	Ops        int     `mapstructure:"ops"`        // per goroutine
	ReadRatio  float64 `mapstructure:"read-ratio"` // share of ops taking the read side
	Work       int     `mapstructure:"work"`       // loop iterations inside the critical section
}

// DefaultConfig is a write-heavy workload with one goroutine per P.
func DefaultConfig() Config {
	return Config{
		Goroutines: runtime.GOMAXPROCS(0),
		Ops:        20000,
		ReadRatio:  0,
		Work:       10,
	}
}

// Validate reports the first problem in c.
func (c Config) Validate() error {
	switch {
	case c.Goroutines < 1:
		return errors.Errorf("bench: goroutines must be at least 1, got %d", c.Goroutines)
	case c.Ops < 1:
		return errors.Errorf("bench: ops must be at least 1, got %d", c.Ops)
	case c.ReadRatio < 0 || c.ReadRatio > 1:
		return errors.Errorf("bench: read-ratio must be within [0, 1], got %v", c.ReadRatio)
	case c.Work < 0:
		return errors.Errorf("bench: work must not be negative, got %d", c.Work)
	}
	return nil
}

// Result summarizes one run.
type Result struct {
	Backend  mmaplock.Kind
	Ops      int64
	Reads    int64
	Duration time.Duration
	Mean     time.Duration
	P50      time.Duration
	P99      time.Duration
	Max      time.Duration
	Stats    *rcx.Stats // nil unless the backend is rcx with stats on
}

// Throughput returns operations per second.
func (r Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

const (
	minLatency = 1           // ns
	maxLatency = int64(10e9) // 10s
	sigFigs    = 3
)

func isRead(i int, ratio float64) bool { return float64(i%100) < ratio*100 }

// burn spends n steps inside the critical section.
//
//go:noinline
func burn(v int64, n int) int64 {
	for i := 0; i < n; i++ {
		v = v*31 + int64(i)
	}
	return v
}

// Run executes cfg against b. It stops early, returning ctx.Err(), when ctx ends.
func Run(ctx context.Context, b mmaplock.Backend, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	var shared int64 // guarded by b
	hists := make([]*hdrhistogram.Histogram, cfg.Goroutines)
	reads := make([]int64, cfg.Goroutines)
	writes := make([]int64, cfg.Goroutines)

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := range cfg.Goroutines {
		h := hdrhistogram.New(minLatency, maxLatency, sigFigs)
		hists[w] = h
		g.Go(func() error {
			for i := range cfg.Ops {
				if i%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				t0 := time.Now()
				if isRead(i, cfg.ReadRatio) {
					b.ReadLock()
					burn(shared, cfg.Work)
					b.ReadUnlock()
					reads[w]++
				} else {
					b.WriteLock()
					burn(shared, cfg.Work)
					shared++
					b.WriteUnlock()
					writes[w]++
				}
				_ = h.RecordValue(time.Since(t0).Nanoseconds())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	total := hdrhistogram.New(minLatency, maxLatency, sigFigs)
	var readCount, writeCount int64
	for w, h := range hists {
		total.Merge(h)
		readCount += reads[w]
		writeCount += writes[w]
	}
	if shared != writeCount {
		return Result{}, errors.Wrapf(ErrLostUpdate, "%s: counted %d, wrote %d", b.Kind(), shared, writeCount)
	}

	res := Result{
		Backend:  b.Kind(),
		Ops:      total.TotalCount(),
		Reads:    readCount,
		Duration: elapsed,
		Mean:     time.Duration(total.Mean()),
		P50:      time.Duration(total.ValueAtQuantile(50)),
		P99:      time.Duration(total.ValueAtQuantile(99)),
		Max:      time.Duration(total.Max()),
	}
	if l, ok := mmaplock.RCX(b); ok {
		if s := l.Stats(); s != (rcx.Stats{}) {
			res.Stats = &s
		}
	}
	return res, nil
}

// Render writes results as a table.
func Render(w io.Writer, results []Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"backend", "ops", "reads", "ops/s", "mean", "p50", "p99", "max", "aborts", "spins"})
	for _, r := range results {
		aborts, spins := "-", "-"
		if r.Stats != nil {
			aborts = fmt.Sprint(r.Stats.Explicit + r.Stats.Conflicts + r.Stats.OtherAborts)
			spins = fmt.Sprint(r.Stats.Spins)
		}
		table.Append([]string{
			string(r.Backend),
			fmt.Sprint(r.Ops),
			fmt.Sprint(r.Reads),
			fmt.Sprintf("%.0f", r.Throughput()),
			r.Mean.String(),
			r.P50.String(),
			r.P99.String(),
			r.Max.String(),
			aborts,
			spins,
		})
	}
	table.Render()
}
