// Package mmaplock is the lock that guards an address-space descriptor. It offers one API
// whatever backend the configuration picks:
//
//   - rwsem: a reader/writer semaphore; reads are shared, downgrade is atomic and
//     WriteLockKillable honours its context
//   - spinlock: a ticket spin lock; every operation is exclusive
//   - rcx: the NUMA-aware elision lock from package rcx; every operation is exclusive
//
// With spinlock and rcx, concurrent readers exclude each other, WriteLockKillable can
// neither fail nor be interrupted, and WriteDowngrade is release-then-reacquire. That is a
// property of choosing those backends.
//
// Example usage:
//
//	cfg := mmaplock.DefaultConfig()
//	cfg.Backend = mmaplock.KindRCX
//	lock, err := mmaplock.New(cfg, mmaplock.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	lock.ReadLock()
//	// ... look up regions ...
//	lock.ReadUnlock()
package mmaplock

import (
	"context"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ahrav/go-rcx/numa"
)

// Backend is the lock API shared by all backends.
type Backend interface {
	ReadLock()
	ReadTryLock() bool
	ReadUnlock()

	WriteLock()
	WriteTryLock() bool
	// WriteLockKillable returns a non-nil error only if ctx ends first. Only the
	// rwsem backend can fail.
	WriteLockKillable(ctx context.Context) error
	// WriteLockNested takes a lock-ordering subclass for annotation tools.
	WriteLockNested(subclass int)
	// WriteNestLock takes the write lock while the caller holds nest, the lock of
	// another address space that orders this acquisition.
	WriteNestLock(nest Backend)
	// WriteDowngrade turns a held write lock into a read lock.
	WriteDowngrade()
	WriteUnlock()

	// IsLocked is advisory; never use it to skip taking the lock.
	IsLocked() bool
	// MightLockRead annotates that the caller may take the read lock.
	MightLockRead()
	// AssertHeldExclusive panics when the backend can tell that no writer holds
	// the lock. Backends that cannot tell do nothing.
	AssertHeldExclusive()

	Kind() Kind
}

// Kind names a backend.
type Kind string

const (
	KindRWSem Kind = "rwsem"
	KindSpin  Kind = "spinlock"
	KindRCX   Kind = "rcx"
)

var (
	// ErrUnknownKind is returned for backend names New does not know.
	ErrUnknownKind = errors.New("mmaplock: unknown backend")
	// ErrInvalidConfig wraps every other configuration problem.
	ErrInvalidConfig = errors.New("mmaplock: invalid config")
	// ErrNotHeldExclusive is the panic value of AssertHeldExclusive.
	ErrNotHeldExclusive = errors.New("mmaplock: lock not held exclusively")
	// ErrNestNotHeld is the panic value of WriteNestLock when the nest lock is free.
	ErrNestNotHeld = errors.New("mmaplock: nest lock not held")
)

// ParseKind resolves a backend name, accepting "spin" as an alias.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindRWSem, KindSpin, KindRCX:
		return k, nil
	case "spin":
		return KindSpin, nil
	}
	return "", errors.Wrapf(ErrUnknownKind, "%q", s)
}

type options struct {
	logger   *zap.Logger
	provider numa.Provider
	metrics  *metrics.Set
	name     string
}

// Option configures New.
type Option func(*options)

// WithLogger logs backend selection to l.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProvider sets the node provider of the rcx backend.
func WithProvider(p numa.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithMetrics registers the rcx backend's statistics in set under name.
// Other backends ignore it.
func WithMetrics(set *metrics.Set, name string) Option {
	return func(o *options) {
		o.metrics = set
		o.name = name
	}
}

// New builds the backend cfg selects.
func New(cfg Config, opts ...Option) (Backend, error) {
	o := options{logger: zap.NewNop(), name: "mmap"}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == KindRCX && cfg.NonSleepable {
		if _, static := o.provider.(numa.Static); !static {
			o.logger.Warn("non-sleepable rcx lock without a static node provider; "+
				"a goroutine that changes P before unlocking leaks its node flag",
				zap.Int("nodes", cfg.Nodes),
			)
		}
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case KindRWSem:
		b = newRWSem(cfg.MaxReaders, cfg.Debug)
	case KindSpin:
		b = newSpin()
	case KindRCX:
		b, err = newRCX(cfg, o)
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info("mmap lock backend selected",
		zap.String("backend", string(cfg.Backend)),
		zap.Stringer("config", cfg),
	)
	return b, nil
}
