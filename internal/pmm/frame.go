// Package pmm implements the physical memory manager: the per-frame
// metadata array, per-zone buddy allocators, the boot bump allocator,
// and alloc_pages/free_pages (spec.md §4.1).
package pmm

import "sync/atomic"

// PageSize is the only page granularity this kernel supports (spec.md
// §4.2 notes 2 MiB/1 GiB are possible but out of scope here).
const PageSize = 4096

// MaxOrder is the highest buddy order the allocator will track (orders
// 0..10, i.e. up to 4 MiB contiguous blocks), per spec.md §4.1.
const MaxOrder = 10

// FrameFlags is the PageFrame flag set from spec.md §3.
type FrameFlags uint32

const (
	FlagReserved FrameFlags = 1 << iota
	FlagInBuddy
	FlagSlabOwned
	FlagCompoundHead
	FlagCompoundTail
	FlagLocked
	FlagDirty
	FlagReferenced
	FlagActive
	FlagKernel
)

// PFN is a physical frame number: physical address ÷ PageSize.
type PFN uint64

// Addr returns the physical address of the frame.
func (p PFN) Addr() uint64 { return uint64(p) * PageSize }

// FromAddr returns the PFN containing the given physical address.
func FromAddr(addr uint64) PFN { return PFN(addr / PageSize) }

// Frame is the per-physical-frame metadata record (spec.md §3
// "PageFrame"). The free-list link and the allocated payload are
// mutually exclusive by construction: link is only meaningful while
// FlagInBuddy is set, the allocated fields only while it is clear and
// FlagReserved is also clear.
type Frame struct {
	Flags FrameFlags
	Order uint8
	Zone  ZoneID

	// Valid when on a buddy free list.
	next, prev PFN
	linked     bool

	// Valid when allocated (not on a free list).
	refcount  atomic.Int32
	mapcount  atomic.Int32
	private   uint64
	compound  PFN // head-of-compound pointer for tail pages
	kvAlias   uint64
}

func (f *Frame) has(flag FrameFlags) bool { return f.Flags&flag != 0 }
func (f *Frame) set(flag FrameFlags)      { f.Flags |= flag }
func (f *Frame) clear(flag FrameFlags)    { f.Flags &^= flag }

// Refcount returns the frame's reference count.
func (f *Frame) Refcount() int32 { return f.refcount.Load() }

// IncRef atomically increments the frame's reference count.
func (f *Frame) IncRef() int32 { return f.refcount.Add(1) }

// DecRef atomically decrements the frame's reference count and returns
// the new value.
func (f *Frame) DecRef() int32 { return f.refcount.Add(-1) }

// KernelAlias returns the HHDM kernel-virtual alias recorded for this
// frame, if any.
func (f *Frame) KernelAlias() uint64 { return f.kvAlias }
