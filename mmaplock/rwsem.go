package mmaplock

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// rwsem is a reader/writer semaphore on a weighted semaphore: readers take one
// unit, writers take all of them. Waiters are served in order, so a queued
// writer holds back later readers.
type rwsem struct {
	sem   *semaphore.Weighted
	max   int64
	held  atomic.Int64 // units held; trails the semaphore on both edges
	debug bool
}

func newRWSem(maxReaders int64, debug bool) *rwsem {
	return &rwsem{sem: semaphore.NewWeighted(maxReaders), max: maxReaders, debug: debug}
}

func (s *rwsem) Kind() Kind { return KindRWSem }

func (s *rwsem) ReadLock() {
	_ = s.sem.Acquire(context.Background(), 1)
	s.held.Add(1)
}

func (s *rwsem) ReadTryLock() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.held.Add(1)
	return true
}

func (s *rwsem) ReadUnlock() {
	s.held.Add(-1)
	s.sem.Release(1)
}

func (s *rwsem) WriteLock() {
	_ = s.sem.Acquire(context.Background(), s.max)
	s.held.Add(s.max)
}

func (s *rwsem) WriteTryLock() bool {
	if !s.sem.TryAcquire(s.max) {
		return false
	}
	s.held.Add(s.max)
	return true
}

func (s *rwsem) WriteLockKillable(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, s.max); err != nil {
		return errors.Wrap(err, "mmaplock: write lock interrupted")
	}
	s.held.Add(s.max)
	return nil
}

func (s *rwsem) WriteLockNested(subclass int) { s.WriteLock() }

// WriteNestLock checks, in debug mode, that nest is held before taking the write lock.
func (s *rwsem) WriteNestLock(nest Backend) {
	if s.debug && (nest == nil || !nest.IsLocked()) {
		panic(ErrNestNotHeld)
	}
	s.WriteLock()
}

// WriteDowngrade keeps one unit, so no writer can slip in.
func (s *rwsem) WriteDowngrade() {
	s.held.Add(-(s.max - 1))
	s.sem.Release(s.max - 1)
}

func (s *rwsem) WriteUnlock() {
	s.held.Add(-s.max)
	s.sem.Release(s.max)
}

func (s *rwsem) IsLocked() bool { return s.held.Load() > 0 }

func (s *rwsem) MightLockRead() {}

func (s *rwsem) AssertHeldExclusive() {
	if s.debug && s.held.Load() < s.max {
		panic(ErrNotHeldExclusive)
	}
}
