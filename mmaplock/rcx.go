package mmaplock

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/lockstat"
	"github.com/ahrav/go-rcx/rcx"
)

// rcxBackend maps every operation onto one rcx.Lock.
type rcxBackend struct {
	l *rcx.Lock
}

func newRCX(cfg Config, o options) (*rcxBackend, error) {
	engine, err := htm.ByName(cfg.Engine)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	fallback, err := rcx.ParseFallback(cfg.Fallback)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	opts := []rcx.Option{
		rcx.WithNodes(cfg.Nodes),
		rcx.WithEngine(engine),
		rcx.WithFallback(fallback),
		rcx.WithSleepable(!cfg.NonSleepable),
		rcx.WithSpinYield(cfg.SpinYield),
		rcx.WithStats(cfg.Stats || o.metrics != nil),
	}
	if o.provider != nil {
		opts = append(opts, rcx.WithProvider(o.provider))
	}
	b := &rcxBackend{l: rcx.New(opts...)}

	if o.metrics != nil {
		lockstat.Register(o.metrics, o.name, b.l)
	}
	return b, nil
}

// RCX returns the underlying lock when b is the rcx backend.
func RCX(b Backend) (*rcx.Lock, bool) {
	r, ok := b.(*rcxBackend)
	if !ok {
		return nil, false
	}
	return r.l, true
}

func (b *rcxBackend) Kind() Kind { return KindRCX }

func (b *rcxBackend) ReadLock()         { b.l.Lock() }
func (b *rcxBackend) ReadTryLock() bool { return b.l.TryLock() }
func (b *rcxBackend) ReadUnlock()       { b.l.Unlock() }

func (b *rcxBackend) WriteLock()         { b.l.Lock() }
func (b *rcxBackend) WriteTryLock() bool { return b.l.TryLock() }
func (b *rcxBackend) WriteUnlock()       { b.l.Unlock() }

// WriteLockKillable ignores ctx and never fails.
func (b *rcxBackend) WriteLockKillable(ctx context.Context) error { return b.l.LockKillable() }

func (b *rcxBackend) WriteLockNested(subclass int) { b.l.LockNested(subclass) }
func (b *rcxBackend) WriteNestLock(nest Backend)   { b.l.Lock() }

// WriteDowngrade is not atomic; see rcx.Lock.Downgrade.
func (b *rcxBackend) WriteDowngrade() { b.l.Downgrade() }

func (b *rcxBackend) IsLocked() bool       { return b.l.IsLocked() }
func (b *rcxBackend) MightLockRead()       {}
func (b *rcxBackend) AssertHeldExclusive() {}
