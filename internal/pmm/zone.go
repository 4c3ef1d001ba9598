package pmm

import (
	"fmt"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
)

// ZoneID names one of the three zones spec.md §3 defines.
type ZoneID int

const (
	ZoneDMA ZoneID = iota
	ZoneDMA32
	ZoneNormal
	zoneCount
)

func (z ZoneID) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "Normal"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Zone boundaries in bytes, per spec.md §3.
const (
	dmaEnd   = 16 << 20        // 16 MiB
	dma32End = 4 << 30         // 4 GiB
)

func zoneForAddr(addr uint64) ZoneID {
	switch {
	case addr < dmaEnd:
		return ZoneDMA
	case addr < dma32End:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

type freeArea struct {
	list    ktypes.List[PFN]
	nrFree  int
}

// Zone owns a contiguous PFN range and a buddy free-area array indexed
// by order (spec.md §3 "Zone").
type Zone struct {
	id       ZoneID
	startPFN PFN
	endPFN   PFN // exclusive

	lock      ktypes.SpinLock
	freeAreas [MaxOrder + 1]freeArea

	totalPages   int
	reservedPages int

	frames *frameTable
}

// AllocFlags mirror the flags passed to alloc_pages (spec.md §4.1).
type AllocFlags uint32

const (
	AllocZero AllocFlags = 1 << iota
	AllocDMA
	AllocDMA32
)

func (z *Zone) rangeCovers(pfn PFN) bool { return pfn >= z.startPFN && pfn < z.endPFN }

// freeCount returns the number of free pages currently tracked by the
// zone's free areas (sum of nrFree << order), used by invariant I1.
func (z *Zone) freeCount() uint64 {
	var n uint64
	for order, a := range z.freeAreas {
		n += uint64(a.nrFree) << uint(order)
	}
	return n
}

// popFree removes and returns the head block of free area order,
// caller holds z.lock.
func (z *Zone) popFree(order int) (PFN, bool) {
	area := &z.freeAreas[order]
	pfn, ok := area.list.PopFront()
	if !ok {
		return 0, false
	}
	area.nrFree--
	f := z.frames.at(pfn)
	f.clear(FlagInBuddy)
	f.linked = false
	return pfn, true
}

// pushFree inserts pfn as a free block of the given order, caller holds
// z.lock.
func (z *Zone) pushFree(pfn PFN, order int) {
	f := z.frames.at(pfn)
	f.set(FlagInBuddy)
	f.Order = uint8(order)
	f.Zone = z.id
	f.linked = true
	z.freeAreas[order].list.PushBack(pfn)
	z.freeAreas[order].nrFree++
}

// allocPages implements spec.md §4.1's alloc_pages for this zone: find
// the first nonempty free area at order >= requested, then repeatedly
// split until the requested order is reached.
func (z *Zone) allocPages(order int) (PFN, error) {
	if order < 0 || order > MaxOrder {
		return 0, errno.New("pmm: alloc_pages", errno.InvalidArgument)
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	found := -1
	for o := order; o <= MaxOrder; o++ {
		if z.freeAreas[o].nrFree > 0 {
			found = o
			break
		}
	}
	if found < 0 {
		return 0, errno.New("pmm: alloc_pages", errno.OutOfMemory)
	}

	pfn, _ := z.popFree(found)
	// Split from `found` down to `order`, pushing each upper buddy back
	// onto the next-lower free area.
	for o := found; o > order; o-- {
		buddyPFN := pfn + PFN(1<<uint(o-1))
		z.pushFree(buddyPFN, o-1)
	}

	head := z.frames.at(pfn)
	head.clear(FlagReserved)
	head.Order = uint8(order)
	head.refcount.Store(1)
	head.mapcount.Store(0)
	if order > 0 {
		head.set(FlagCompoundHead)
		for i := PFN(1); i < PFN(1<<uint(order)); i++ {
			tail := z.frames.at(pfn + i)
			tail.set(FlagCompoundTail)
			tail.compound = pfn
		}
	}
	return pfn, nil
}

// freePages implements spec.md §4.1's free_pages coalescing loop. Caller
// guarantees pfn/order describe a block this zone previously handed out.
func (z *Zone) freePages(pfn PFN, order int) {
	z.lock.Lock()
	defer z.lock.Unlock()

	head := z.frames.at(pfn)
	head.clear(FlagCompoundHead)
	if order > 0 {
		for i := PFN(1); i < PFN(1<<uint(order)); i++ {
			tail := z.frames.at(pfn + i)
			tail.clear(FlagCompoundTail)
			tail.compound = 0
		}
	}

	cur, o := pfn, order
	for o < MaxOrder {
		buddyPFN := cur ^ PFN(1<<uint(o))
		if !z.rangeCovers(buddyPFN) {
			break
		}
		buddy := z.frames.at(buddyPFN)
		if !buddy.has(FlagInBuddy) || int(buddy.Order) != o {
			break
		}
		z.removeFromFreeArea(buddyPFN, o)
		if buddyPFN < cur {
			cur = buddyPFN
		}
		o++
	}
	z.pushFree(cur, o)
}

// removeFromFreeArea unlinks a specific pfn from free area order's list.
// Caller holds z.lock. O(n) in the area's length, which in practice is
// small because coalescing keeps areas shallow; a production allocator
// would index buddies directly, noted as a possible follow-up.
func (z *Zone) removeFromFreeArea(pfn PFN, order int) {
	area := &z.freeAreas[order]
	for n := area.list.Front(); n != nil; n = n.Next() {
		if n.Value == pfn {
			area.list.Remove(n)
			area.nrFree--
			f := z.frames.at(pfn)
			f.clear(FlagInBuddy)
			f.linked = false
			return
		}
	}
}
