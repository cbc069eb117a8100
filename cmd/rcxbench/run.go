package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ahrav/go-rcx/internal/bench"
	"github.com/ahrav/go-rcx/mmaplock"
	"github.com/ahrav/go-rcx/numa"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the workload against each backend",
		Long: `Run the workload against each selected backend in turn and print a latency
table. Flags may also be set as RCXBENCH_<FLAG>, e.g. RCXBENCH_SPIN_YIELD=0.`,
		PreRunE: processRunConfig,
		RunE:    run,
	}

	runLockConfig  = mmaplock.DefaultConfig()
	runBenchConfig = bench.DefaultConfig()
	runKinds       []mmaplock.Kind
)

func init() {
	lockDefaults := mmaplock.DefaultConfig()
	benchDefaults := bench.DefaultConfig()

	f := runCmd.Flags()
	f.String("backends", "rcx,spinlock,rwsem", "comma-separated backends to run (rcx, spinlock, rwsem)")
	f.Int("goroutines", benchDefaults.Goroutines, "concurrent goroutines per backend")
	f.Int("ops", benchDefaults.Ops, "operations per goroutine")
	f.Float64("read-ratio", benchDefaults.ReadRatio, "share of operations that take the read side")
	f.Int("work", benchDefaults.Work, "loop iterations inside the critical section")

	f.Int("nodes", lockDefaults.Nodes, "rcx: number of node flags")
	f.String("engine", lockDefaults.Engine, "rcx: transaction engine (auto, rtm, emulated)")
	f.String("fallback", lockDefaults.Fallback, "rcx: fallback lock (ticket, mcs, array)")
	f.Int("spin-yield", lockDefaults.SpinYield, "rcx: yield every n spins on a busy flag, 0 never yields")
	f.Bool("non-sleepable", lockDefaults.NonSleepable, "rcx: release the flag of the node the releasing goroutine is on")
	f.Bool("stats", true, "rcx: collect abort and spin counters")
	f.Int64("max-readers", lockDefaults.MaxReaders, "rwsem: reader capacity")
	f.Bool("metrics", false, "write rcx counters in Prometheus text format after the table")
}

// processRunConfig merges flags, environment and config file into the run configuration.
func processRunConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.Unmarshal(&runLockConfig); err != nil {
		return errors.Wrap(err, "decode lock config")
	}
	if err := viper.Unmarshal(&runBenchConfig); err != nil {
		return errors.Wrap(err, "decode bench config")
	}
	kinds, err := parseBackends(viper.GetString("backends"))
	if err != nil {
		return err
	}
	runKinds = kinds
	return runBenchConfig.Validate()
}

// parseBackends splits a comma-separated list, dropping blanks and repeats.
func parseBackends(s string) ([]mmaplock.Kind, error) {
	var kinds []mmaplock.Kind
	seen := make(map[mmaplock.Kind]bool)
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, err := mmaplock.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil, errors.New("no backends selected")
	}
	return kinds, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var set *metrics.Set
	if viper.GetBool("metrics") {
		set = metrics.NewSet()
	}

	results, err := runAll(ctx, runKinds, runLockConfig, runBenchConfig, set, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	bench.Render(out, results)
	if set != nil {
		fmt.Fprintln(out)
		set.WritePrometheus(out)
	}
	return nil
}

// runAll runs cfg against every kind in order. When set is non-nil the rcx backend
// registers its counters there.
func runAll(ctx context.Context, kinds []mmaplock.Kind, lockCfg mmaplock.Config, cfg bench.Config,
	set *metrics.Set, log *zap.Logger) ([]bench.Result, error) {
	results := make([]bench.Result, 0, len(kinds))
	for _, kind := range kinds {
		c := lockCfg
		c.Backend = kind

		opts := []mmaplock.Option{
			mmaplock.WithLogger(log),
			mmaplock.WithProvider(numa.Procs(c.Nodes)),
		}
		if set != nil {
			opts = append(opts, mmaplock.WithMetrics(set, "rcxbench"))
		}
		b, err := mmaplock.New(c, opts...)
		if err != nil {
			return nil, err
		}

		log.Info("running workload",
			zap.String("backend", string(kind)),
			zap.Int("goroutines", cfg.Goroutines),
			zap.Int("ops", cfg.Ops),
			zap.Float64("read-ratio", cfg.ReadRatio),
		)
		r, err := bench.Run(ctx, b, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %s", kind)
		}
		log.Debug("workload done",
			zap.String("backend", string(kind)),
			zap.Duration("elapsed", r.Duration),
			zap.Duration("p99", r.P99),
		)
		results = append(results, r)
	}
	return results, nil
}
