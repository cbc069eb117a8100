package rcx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrav/go-rcx/alock"
	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/numa"
	"github.com/ahrav/go-rcx/ticket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// hookedFallback counts tier-2 acquisitions and can run a callback right after
// the next release.
type hookedFallback struct {
	inner       ticket.Lock
	lockCalls   atomic.Int32
	afterUnlock func()
}

func (f *hookedFallback) Lock() {
	f.lockCalls.Add(1)
	f.inner.Lock()
}

func (f *hookedFallback) Unlock() {
	f.inner.Unlock()
	if hook := f.afterUnlock; hook != nil {
		f.afterUnlock = nil
		hook()
	}
}

func (f *hookedFallback) IsLocked() bool { return f.inner.IsLocked() }

// scriptedEngine returns the scripted statuses for its first attempts and then
// defers to the emulated engine. Single goroutine use only.
type scriptedEngine struct {
	htm.Engine
	script []htm.Status
}

func (s *scriptedEngine) Attempt(body func(htm.Tx)) htm.Status {
	if len(s.script) > 0 {
		st := s.script[0]
		s.script = s.script[1:]
		return st
	}
	return s.Engine.Attempt(body)
}

func newTestLock(opts ...Option) *Lock {
	base := []Option{WithEngine(htm.Emulated()), WithNodes(4), WithStats(true)}
	return New(append(base, opts...)...)
}

func flagsSet(l *Lock) []int {
	var set []int
	for i := range l.flags {
		if l.flagFor(i).Load() != 0 {
			set = append(set, i)
		}
	}
	return set
}

func TestNewInitialState(t *testing.T) {
	l := newTestLock()

	assert.Equal(t, 4, l.Nodes())
	assert.Equal(t, "emulated", l.Engine())
	assert.Empty(t, flagsSet(l))
	assert.Equal(t, 0, l.owner)
	assert.False(t, l.IsLocked())
	assert.Equal(t, Stats{}, l.Stats())
}

func TestNewClampsNodes(t *testing.T) {
	l := New(WithNodes(0), WithEngine(htm.Emulated()))
	assert.Equal(t, 1, l.Nodes())
}

func TestFlagsAreCacheLineIsolated(t *testing.T) {
	l := newTestLock()

	assert.Equal(t, uintptr(CacheLineSize), unsafe.Sizeof(paddedFlag{}))
	for i := 1; i < l.Nodes(); i++ {
		prev := uintptr(unsafe.Pointer(l.flagFor(i - 1)))
		cur := uintptr(unsafe.Pointer(l.flagFor(i)))
		assert.Equal(t, uintptr(CacheLineSize), cur-prev)
	}
}

func TestIndexFoldsNodes(t *testing.T) {
	l := newTestLock()
	tests := []struct {
		node, want int
	}{
		{0, 0},
		{3, 3},
		{4, 0},
		{5, 1},
		{-1, 3},
		{-4, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.index(tt.node), "index(%d)", tt.node)
	}
}

func TestLockUncontended(t *testing.T) {
	l := newTestLock(WithProvider(numa.Static(2)))

	l.Lock()
	assert.True(t, l.IsLocked())
	assert.Equal(t, []int{2}, flagsSet(l))
	l.Unlock()

	assert.False(t, l.IsLocked())
	assert.Empty(t, flagsSet(l))

	s := l.Stats()
	assert.Equal(t, uint64(1), s.Acquired)
	assert.Zero(t, s.Explicit+s.Conflicts+s.OtherAborts, "idle lock must not retry")
	assert.Equal(t, uint64(1), l.NodeStats(2).Acquired)
}

func TestMutualExclusionAcrossNodes(t *testing.T) {
	kinds := []FallbackKind{FallbackTicket, FallbackMCS, FallbackArray}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			l := newTestLock(WithFallback(kind))
			const numGoroutines = 16
			const iterations = 500
			var inside, overlaps int32
			counter := 0
			var wg sync.WaitGroup

			wg.Add(numGoroutines)
			for i := range numGoroutines {
				go func() {
					defer wg.Done()
					h := l.With(numa.Static(i % 4))
					for range iterations {
						h.Lock()
						if atomic.AddInt32(&inside, 1) != 1 {
							atomic.AddInt32(&overlaps, 1)
						}
						counter++
						atomic.AddInt32(&inside, -1)
						h.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, numGoroutines*iterations, counter)
			assert.Zero(t, overlaps)
			assert.False(t, l.IsLocked())
			assert.Equal(t, uint64(numGoroutines*iterations), l.Stats().Acquired)
		})
	}
}

func TestMutualExclusionWithTryLock(t *testing.T) {
	l := newTestLock(WithProvider(numa.Procs(4)))
	const numGoroutines = 8
	const iterations = 1000
	var inside, overlaps int32
	var acquired atomic.Int64
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			for j := range iterations {
				ok := true
				if j%2 == 0 {
					ok = l.TryLock()
				} else {
					l.Lock()
				}
				if !ok {
					continue
				}
				if atomic.AddInt32(&inside, 1) != 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				acquired.Add(1)
				atomic.AddInt32(&inside, -1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps)
	assert.Equal(t, uint64(acquired.Load()), l.Stats().Acquired)
	assert.Empty(t, flagsSet(l))
}

// Two goroutines on the same node: the second waits at tier 1 and never reaches
// the fallback until the first unlocks.
func TestSameNodeRace(t *testing.T) {
	fb := &hookedFallback{}
	l := newTestLock(WithFallbackLock(fb))
	first, second := l.With(numa.Static(0)), l.With(numa.Static(0))

	first.Lock()
	acquired := make(chan struct{})
	go func() {
		second.Lock()
		close(acquired)
	}()

	assert.Never(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), fb.lockCalls.Load(), "second goroutine must not touch the fallback")

	first.Unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second goroutine never acquired the lock")
	}
	assert.Equal(t, int32(2), fb.lockCalls.Load())
	second.Unlock()

	assert.False(t, l.IsLocked())
	assert.Positive(t, l.NodeStats(0).Spins)
}

// One goroutine per node, all at once: everyone gets in, one at a time.
func TestOneGoroutinePerNode(t *testing.T) {
	l := newTestLock()
	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	var inside, overlaps int32
	var order []int

	for node := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := l.With(numa.Static(node))
			start.Wait()

			h.Lock()
			if atomic.AddInt32(&inside, 1) != 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			order = append(order, node)
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			h.Unlock()
		}()
	}
	start.Done()
	wg.Wait()

	assert.Zero(t, overlaps)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, order)
	assert.Empty(t, flagsSet(l))
	assert.False(t, l.IsLocked())
	for node := range 4 {
		assert.Equal(t, uint64(1), l.NodeStats(node).Acquired)
	}
}

// TryLock from a node whose flag is already set fails at once and leaves the
// fallback alone.
func TestTryLockFailsWhileSameNodeMidAcquisition(t *testing.T) {
	fb := &hookedFallback{}
	l := newTestLock(WithFallbackLock(fb))

	// Hold tier 2 from outside so the next Lock stops with its flag set.
	fb.inner.Lock()

	done := make(chan struct{})
	go func() {
		l.With(numa.Static(0)).Lock()
		close(done)
	}()
	require.Eventually(t, func() bool {
		return l.flagFor(0).Load() == 1 && fb.lockCalls.Load() == 1
	}, 5*time.Second, time.Millisecond)

	assert.False(t, l.With(numa.Static(0)).TryLock())
	assert.Equal(t, int32(1), fb.lockCalls.Load(), "TryLock must not touch the fallback")
	assert.Equal(t, uint64(1), l.NodeStats(0).TryFailed)

	fb.inner.Unlock()
	<-done
	l.With(numa.Static(0)).Unlock()
	assert.False(t, l.IsLocked())
}

func TestTryLockFailsWhileSameNodeHolds(t *testing.T) {
	l := newTestLock()
	h := l.With(numa.Static(1))

	require.True(t, h.TryLock())
	assert.False(t, l.With(numa.Static(1)).TryLock())
	h.Unlock()

	assert.True(t, h.TryLock())
	h.Unlock()
	assert.Equal(t, uint64(2), l.NodeStats(1).Acquired)
	assert.Equal(t, uint64(1), l.NodeStats(1).TryFailed)
}

// Winning tier 1 on another node still waits for the fallback.
func TestTryLockBlocksOnFallback(t *testing.T) {
	l := newTestLock()
	holder := l.With(numa.Static(0))
	holder.Lock()

	result := make(chan bool, 1)
	go func() { result <- l.With(numa.Static(1)).TryLock() }()

	assert.Never(t, func() bool { return len(result) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	holder.Unlock()

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("TryLock never returned")
	}
	l.With(numa.Static(1)).Unlock()
	assert.False(t, l.IsLocked())
}

func TestTryLockAbortDoesNotRetry(t *testing.T) {
	fb := &hookedFallback{}
	eng := &scriptedEngine{Engine: htm.Emulated(), script: []htm.Status{htm.AbortConflict | htm.AbortRetry}}
	l := newTestLock(WithEngine(eng), WithFallbackLock(fb))

	assert.False(t, l.With(numa.Static(0)).TryLock())
	assert.Zero(t, fb.lockCalls.Load())
	assert.Empty(t, flagsSet(l))

	s := l.NodeStats(0)
	assert.Equal(t, uint64(1), s.TryFailed)
	assert.Equal(t, uint64(1), s.Conflicts)
}

func TestLockRetriesAborts(t *testing.T) {
	eng := &scriptedEngine{
		Engine: htm.Emulated(),
		script: []htm.Status{
			htm.AbortConflict | htm.AbortRetry,
			htm.AbortExplicit | htm.Status(htm.AbortCode)<<24,
			htm.AbortCapacity,
			0,
		},
	}
	l := newTestLock(WithEngine(eng))
	h := l.With(numa.Static(3))

	h.Lock()
	assert.Equal(t, []int{3}, flagsSet(l))
	h.Unlock()

	s := l.NodeStats(3)
	assert.Equal(t, uint64(1), s.Acquired)
	assert.Equal(t, uint64(1), s.Conflicts)
	assert.Equal(t, uint64(1), s.Explicit)
	assert.Equal(t, uint64(2), s.OtherAborts)
}

func TestReleaseClearsFlagOfAcquiringNode(t *testing.T) {
	l := newTestLock()
	acquired := make(chan struct{})
	go func() {
		l.With(numa.Static(0)).Lock()
		close(acquired)
	}()
	<-acquired
	assert.Equal(t, []int{0}, flagsSet(l))

	// Released from another goroutine that now reports node 2.
	l.With(numa.Static(2)).Unlock()

	assert.Empty(t, flagsSet(l))
	assert.False(t, l.IsLocked())
}

func TestNonSleepableReleaseUsesCurrentNode(t *testing.T) {
	l := newTestLock(WithSleepable(false))

	l.With(numa.Static(0)).Lock()
	l.With(numa.Static(2)).Unlock()

	// Node 0's flag leaks: that is the bug sleepable mode exists to avoid.
	assert.Equal(t, []int{0}, flagsSet(l))
	assert.True(t, l.IsLocked())
	l.flagFor(0).Store(0)
	assert.False(t, l.IsLocked())
}

// Downgrade is release-then-reacquire; a third party can take full exclusivity
// in between.
func TestDowngradeGap(t *testing.T) {
	fb := &hookedFallback{}
	l := newTestLock(WithFallbackLock(fb))
	holder := l.With(numa.Static(0))
	third := l.With(numa.Static(1))

	holder.Lock()

	var thirdGotIt, lockedDuringGap bool
	fb.afterUnlock = func() {
		thirdGotIt = third.TryLock()
		if thirdGotIt {
			lockedDuringGap = l.IsLocked()
			third.Unlock()
		}
	}
	holder.Downgrade()

	assert.True(t, thirdGotIt, "a third party acquired the lock during downgrade")
	assert.True(t, lockedDuringGap)
	assert.Equal(t, []int{0}, flagsSet(l), "holder is exclusive again")
	assert.True(t, fb.IsLocked())

	holder.Unlock()
	assert.False(t, l.IsLocked())
}

func TestKillableAndNested(t *testing.T) {
	l := newTestLock(WithProvider(numa.Static(1)))

	require.NoError(t, l.LockKillable())
	assert.True(t, l.IsLocked())
	l.Unlock()

	l.LockNested(3)
	assert.True(t, l.IsLocked())
	l.Downgrade()
	assert.True(t, l.IsLocked())
	l.Unlock()

	h := l.With(numa.Static(2))
	require.NoError(t, h.LockKillable())
	assert.True(t, h.IsLocked())
	h.Unlock()
	h.LockNested(1)
	h.Unlock()
	assert.False(t, l.IsLocked())
}

func TestStatsDisabled(t *testing.T) {
	l := New(WithEngine(htm.Emulated()))
	l.Lock()
	l.Unlock()
	assert.Equal(t, Stats{}, l.Stats())
	assert.Equal(t, Stats{}, l.NodeStats(0))
}

func TestParseFallback(t *testing.T) {
	tests := []struct {
		in   string
		want FallbackKind
	}{
		{"", FallbackTicket},
		{"ticket", FallbackTicket},
		{"MCS", FallbackMCS},
		{"array", FallbackArray},
	}
	for _, tt := range tests {
		got, err := ParseFallback(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseFallback("futex")
	assert.True(t, errors.Is(err, ErrUnknownFallback))
}

func BenchmarkMutexContended(b *testing.B) {
	var mu sync.Mutex
	shared := 0
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mu.Lock()
			shared++
			mu.Unlock()
		}
	})
}

func BenchmarkRCXUncontended(b *testing.B) {
	l := New(WithEngine(htm.Emulated()))
	for i := 0; i < b.N; i++ {
		l.Lock()
		l.Unlock()
	}
}

func BenchmarkRCXContended(b *testing.B) {
	for _, kind := range []FallbackKind{FallbackTicket, FallbackMCS, FallbackArray} {
		b.Run(string(kind), func(b *testing.B) {
			l := New(WithFallback(kind))
			shared := 0
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					l.Lock()
					shared++
					l.Unlock()
				}
			})
		})
	}
}

// TestArrayFallbackHolderReleaseWindow replays an unlock split at the point where the
// holder's node flag is clear but the array is still held. A same-node goroutine
// gets through tier 1 in that gap while every other node already waits on the
// array, so the array needs a slot for it beyond one per node.
func TestArrayFallbackHolderReleaseWindow(t *testing.T) {
	l := newTestLock(WithFallback(FallbackArray))
	arr, ok := l.fallback.(*alock.ArrayLock)
	require.True(t, ok)
	assert.GreaterOrEqual(t, arr.Size(), uint32(l.Nodes()+1))

	var inside, maxInside atomic.Int32
	enter := func() {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				return
			}
		}
	}
	leave := func() { inside.Add(-1) }

	l.With(numa.Static(0)).Lock()
	enter()

	var wg sync.WaitGroup
	wg.Add(3)
	for node := 1; node < 4; node++ {
		go func() {
			defer wg.Done()
			h := l.With(numa.Static(node))
			h.Lock()
			enter()
			time.Sleep(time.Millisecond)
			leave()
			h.Unlock()
		}()
	}
	require.Eventually(t, func() bool { return len(flagsSet(l)) == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let nodes 1-3 take their array tickets

	// First half of the release: node 0 reopens, the array is still ours.
	l.flagFor(0).Store(0)

	var acquired atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		h := l.With(numa.Static(0))
		h.Lock()
		acquired.Store(true)
		enter()
		leave()
		h.Unlock()
	}()
	require.Eventually(t, func() bool { return l.flagFor(0).Load() != 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "same-node goroutine entered while the holder still held the array")

	// Second half.
	leave()
	l.fallback.Unlock()

	wg.Wait()
	assert.True(t, acquired.Load())
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, flagsSet(l))
	assert.False(t, l.IsLocked())
}
