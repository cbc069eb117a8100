// Package mm keeps the memory map of an address space: an ordered set of non-overlapping
// regions guarded by an mmaplock.Backend. Lookups take the read side and changes take the
// write side, so the backend choice decides whether lookups run in parallel.
//
// Example usage:
//
//	lock, _ := mmaplock.New(mmaplock.DefaultConfig())
//	d := mm.NewDescriptor(lock)
//
//	r, err := d.Map(0x10000, 4*mm.PageSize, mm.ProtRead|mm.ProtWrite, "heap")
//	if err != nil {
//	    return err
//	}
//	if got, ok := d.Find(r.Start + 10); ok {
//	    fmt.Println(got)
//	}
package mm

import (
	"context"
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ahrav/go-rcx/mmaplock"
)

// PageSize is the granularity of every region boundary.
const PageSize = 4096

// Prot is a set of access permissions.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is the half-open range [Start, End).
type Region struct {
	Start, End uint64
	Prot       Prot
	Name       string
}

// Len returns the size of r in bytes.
func (r Region) Len() uint64 { return r.End - r.Start }

// Contains reports whether addr falls inside r.
func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

func (r Region) String() string {
	return fmt.Sprintf("%012x-%012x %s %s", r.Start, r.End, r.Prot, r.Name)
}

var (
	// ErrInvalidRange is returned for empty, unaligned or overflowing ranges.
	ErrInvalidRange = errors.New("mm: invalid range")
	// ErrOverlap is returned by Map when the range is partly mapped already.
	ErrOverlap = errors.New("mm: range overlaps an existing mapping")
	// ErrNotMapped is returned by Protect when part of the range is unmapped.
	ErrNotMapped = errors.New("mm: range not fully mapped")
)

const btreeDegree = 32

// Descriptor is the memory map of one address space.
type Descriptor struct {
	lock    mmaplock.Backend
	regions *btree.BTreeG[Region] // keyed by Start; guarded by lock
	log     *zap.Logger
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithLogger logs map changes at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(d *Descriptor) { d.log = l }
}

// NewDescriptor returns an empty memory map guarded by lock.
func NewDescriptor(lock mmaplock.Backend, opts ...Option) *Descriptor {
	d := &Descriptor{
		lock:    lock,
		regions: btree.NewG(btreeDegree, func(a, b Region) bool { return a.Start < b.Start }),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lock returns the lock guarding d.
func (d *Descriptor) Lock() mmaplock.Backend { return d.lock }

func checkRange(start, length uint64) (uint64, error) {
	if length == 0 || start%PageSize != 0 || length%PageSize != 0 || length > math.MaxUint64-start {
		return 0, errors.Wrapf(ErrInvalidRange, "start=%#x length=%#x", start, length)
	}
	return start + length, nil
}

// Map adds the region [start, start+length).
func (d *Descriptor) Map(start, length uint64, prot Prot, name string) (Region, error) {
	d.lock.WriteLock()
	defer d.lock.WriteUnlock()
	return d.mapLocked(start, length, prot, name)
}

func (d *Descriptor) mapLocked(start, length uint64, prot Prot, name string) (Region, error) {
	end, err := checkRange(start, length)
	if err != nil {
		return Region{}, err
	}

	// The last region starting below end is the only one that can overlap.
	var prev Region
	found := false
	d.regions.DescendLessOrEqual(Region{Start: end - 1}, func(r Region) bool {
		prev, found = r, true
		return false
	})
	if found && prev.End > start {
		return Region{}, errors.Wrapf(ErrOverlap, "%#x-%#x overlaps %s", start, end, prev)
	}

	r := Region{Start: start, End: end, Prot: prot, Name: name}
	d.regions.ReplaceOrInsert(r)
	d.log.Debug("mapped region", zap.Stringer("region", r))
	return r, nil
}

// overlapping returns the regions intersecting [start, end) in address order.
func (d *Descriptor) overlapping(start, end uint64) []Region {
	var out []Region
	d.regions.DescendLessOrEqual(Region{Start: start}, func(r Region) bool {
		if r.End > start {
			out = append(out, r)
		}
		return false
	})
	d.regions.AscendRange(Region{Start: start + 1}, Region{Start: end}, func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// carve removes [start, end) from the map, keeping the parts of partially covered
// regions that fall outside it, and returns the removed pieces.
func (d *Descriptor) carve(start, end uint64) []Region {
	var removed []Region
	for _, r := range d.overlapping(start, end) {
		d.regions.Delete(r)
		if r.Start < start {
			d.regions.ReplaceOrInsert(Region{Start: r.Start, End: start, Prot: r.Prot, Name: r.Name})
			r.Start = start
		}
		if r.End > end {
			d.regions.ReplaceOrInsert(Region{Start: end, End: r.End, Prot: r.Prot, Name: r.Name})
			r.End = end
		}
		removed = append(removed, r)
	}
	return removed
}

// Unmap removes [start, start+length), splitting regions that straddle either
// edge. Unmapping a hole is not an error.
func (d *Descriptor) Unmap(start, length uint64) error {
	end, err := checkRange(start, length)
	if err != nil {
		return err
	}

	d.lock.WriteLock()
	defer d.lock.WriteUnlock()

	removed := d.carve(start, end)
	d.log.Debug("unmapped range",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("regions", len(removed)),
	)
	return nil
}

// Protect changes the permissions of [start, start+length). Every byte of the
// range must be mapped; otherwise nothing changes.
func (d *Descriptor) Protect(start, length uint64, prot Prot) error {
	end, err := checkRange(start, length)
	if err != nil {
		return err
	}

	d.lock.WriteLock()
	defer d.lock.WriteUnlock()

	next := start
	for _, r := range d.overlapping(start, end) {
		if r.Start > next {
			break
		}
		next = r.End
	}
	if next < end {
		return errors.Wrapf(ErrNotMapped, "hole at %#x", next)
	}

	for _, r := range d.carve(start, end) {
		r.Prot = prot
		d.regions.ReplaceOrInsert(r)
	}
	return nil
}

// Clone copies every region into a new descriptor guarded by lock, which must not be
// d's lock. d is write-locked for the copy and lock is taken nested inside it.
func (d *Descriptor) Clone(lock mmaplock.Backend, opts ...Option) *Descriptor {
	c := NewDescriptor(lock, opts...)

	d.lock.WriteLock()
	defer d.lock.WriteUnlock()
	c.lock.WriteNestLock(d.lock)
	defer c.lock.WriteUnlock()

	c.regions = d.regions.Clone()
	d.log.Debug("cloned address space", zap.Int("regions", c.regions.Len()))
	return c
}

// Find returns the region containing addr.
func (d *Descriptor) Find(addr uint64) (Region, bool) {
	d.lock.ReadLock()
	defer d.lock.ReadUnlock()

	var r Region
	found := false
	d.regions.DescendLessOrEqual(Region{Start: addr}, func(c Region) bool {
		r, found = c, c.Contains(addr)
		return false
	})
	return r, found
}

// Regions returns every region in address order.
func (d *Descriptor) Regions() []Region {
	d.lock.ReadLock()
	defer d.lock.ReadUnlock()

	out := make([]Region, 0, d.regions.Len())
	d.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Len returns the number of regions.
func (d *Descriptor) Len() int {
	d.lock.ReadLock()
	defer d.lock.ReadUnlock()
	return d.regions.Len()
}

// MapPopulate maps a region under the write lock, downgrades, and calls populate
// with the new region under the read side. Taking the write lock honours ctx only
// on backends whose killable acquisition can fail. populate must not call back
// into d.
func (d *Descriptor) MapPopulate(ctx context.Context, start, length uint64, prot Prot, name string,
	populate func(Region) error) (Region, error) {
	if err := d.lock.WriteLockKillable(ctx); err != nil {
		return Region{}, err
	}
	d.lock.AssertHeldExclusive()

	r, err := d.mapLocked(start, length, prot, name)
	if err != nil {
		d.lock.WriteUnlock()
		return Region{}, err
	}

	d.lock.WriteDowngrade()
	defer d.lock.ReadUnlock()
	if err := populate(r); err != nil {
		return r, errors.Wrapf(err, "populate %s", r)
	}
	return r, nil
}
