package mmaplock

import (
	"context"

	"github.com/ahrav/go-rcx/ticket"
)

// spin maps every operation onto one ticket lock.
type spin struct {
	l ticket.Lock
}

func newSpin() *spin { return new(spin) }

func (s *spin) Kind() Kind { return KindSpin }

func (s *spin) ReadLock()         { s.l.Lock() }
func (s *spin) ReadTryLock() bool { return s.l.TryLock() }
func (s *spin) ReadUnlock()       { s.l.Unlock() }

func (s *spin) WriteLock()         { s.l.Lock() }
func (s *spin) WriteTryLock() bool { return s.l.TryLock() }
func (s *spin) WriteUnlock()       { s.l.Unlock() }

// WriteLockKillable ignores ctx and never fails.
func (s *spin) WriteLockKillable(ctx context.Context) error {
	s.l.Lock()
	return nil
}

func (s *spin) WriteLockNested(subclass int) { s.l.Lock() }
func (s *spin) WriteNestLock(nest Backend)   { s.l.Lock() }

func (s *spin) WriteDowngrade() {
	s.l.Unlock()
	s.l.Lock()
}

func (s *spin) IsLocked() bool       { return s.l.IsLocked() }
func (s *spin) MightLockRead()       {}
func (s *spin) AssertHeldExclusive() {}
