// Package slab implements the fixed-size slab caches backing kmalloc and
// kfree (spec.md §4.3). Each cache's free objects are linked through
// their own first eight bytes, exactly as spec.md describes, using the
// PMM's HHDM-equivalent byte view so the freelist lives in the same
// memory kmalloc hands back to callers — there is no shadow Go slice
// standing in for "real" memory.
package slab

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
	"github.com/tinyrange/kcore/internal/pmm"
)

const endOfFreeList = ^uint64(0)

// headerSize reserves the first cache-line of each slab page for the
// (out-of-band, Go-side) slabPage bookkeeping; objects begin after it.
const headerSize = 64

// Cache is one fixed-size slab cache: object size/alignment, the three
// slab lists (full/partial/free) from spec.md §4.3, and occupancy
// counters kfree's leak tests rely on.
type Cache struct {
	name    string
	objSize uint32
	perSlab int

	lock    ktypes.SpinLock
	full    ktypes.List[*slabPage]
	partial ktypes.List[*slabPage]
	free    ktypes.List[*slabPage]

	active int // objects currently allocated out of this cache
	pmm    *pmm.PMM
	owners *ownerTable
}

type slabPage struct {
	pfn      pmm.PFN
	freeHead uint32 // index of first free object, or objCount if none
	inUse    int
	objCount int

	node *ktypes.Node[*slabPage]
	list *ktypes.List[*slabPage]
}

// NewCache creates a slab cache for fixed-size objects. align must be a
// power of two; objSize is rounded up to a multiple of align and to at
// least 8 bytes (room for the freelist link). owners is the shared
// PFN-ownership table (see Pool) caches in the same kmalloc pool must
// share so kfree can route a free to the right cache.
func NewCache(name string, objSize, align uint32, p *pmm.PMM, owners *ownerTable) *Cache {
	if align == 0 {
		align = 8
	}
	if objSize < 8 {
		objSize = 8
	}
	objSize = alignUp32(objSize, align)
	perSlab := (pmm.PageSize - headerSize) / int(objSize)
	if perSlab < 1 {
		perSlab = 1
	}
	if owners == nil {
		owners = newOwnerTable()
	}
	return &Cache{name: name, objSize: objSize, perSlab: perSlab, pmm: p, owners: owners}
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Active returns the number of objects currently allocated out of this
// cache (used by kmalloc/kfree round-trip tests to assert no leak).
func (c *Cache) Active() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active
}

func (c *Cache) objOffset(i int) int { return headerSize + i*int(c.objSize) }

// Alloc returns a Ptr (frame number and byte offset into PMM-backed
// memory) to one object, or an error on exhaustion. The object's bytes
// are not cleared.
func (c *Cache) Alloc() (Ptr, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	sp := c.partial.Front()
	if sp == nil {
		sp = c.free.Front()
	}
	if sp == nil {
		newSP, err := c.growLocked()
		if err != nil {
			return Ptr{}, err
		}
		sp = newSP.node
	}
	page := sp.Value
	idx := int(page.freeHead)
	obj := c.pmm.Bytes(page.pfn)[c.objOffset(idx) : c.objOffset(idx)+int(c.objSize)]
	next := binary.LittleEndian.Uint64(obj[:8])
	if next == endOfFreeList {
		page.freeHead = uint32(page.objCount)
	} else {
		page.freeHead = uint32(next)
	}
	page.inUse++
	c.active++
	c.moveToList(page, c.listFor(page))
	return Ptr{pfn: page.pfn, offset: c.objOffset(idx), size: int(c.objSize)}, nil
}

func (c *Cache) listFor(p *slabPage) *ktypes.List[*slabPage] {
	switch {
	case p.inUse == 0:
		return &c.free
	case p.inUse == p.objCount:
		return &c.full
	default:
		return &c.partial
	}
}

func (c *Cache) moveToList(p *slabPage, to *ktypes.List[*slabPage]) {
	if p.list == to {
		return
	}
	if p.list != nil {
		p.list.Remove(p.node)
	}
	p.node = to.PushBack(p)
	p.list = to
}

// growLocked allocates one fresh page from the PMM, lays out its
// freelist, and links it into the free list. Caller holds c.lock.
func (c *Cache) growLocked() (*slabPage, error) {
	pfn, err := c.pmm.AllocPages(0, 0)
	if err != nil {
		return nil, fmt.Errorf("slab: grow %s: %w", c.name, err)
	}
	c.pmm.Frame(pfn).Flags |= pmm.FlagSlabOwned

	page := &slabPage{pfn: pfn, objCount: c.perSlab}
	buf := c.pmm.Bytes(pfn)
	for i := 0; i < c.perSlab; i++ {
		off := c.objOffset(i)
		var next uint64
		if i == c.perSlab-1 {
			next = endOfFreeList
		} else {
			next = uint64(i + 1)
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], next)
	}
	page.freeHead = 0
	page.node = c.free.PushBack(page)
	page.list = &c.free
	c.owners.set(pfn, c, page)
	return page, nil
}

// Ptr is a handle to one allocated slab (or raw-page) object. largeOrder
// is 0 for slab-backed objects and (buddy order + 1) for objects handed
// out directly by Pool.largeAlloc, so Kfree can tell which path to
// return the allocation through without an extra lookup.
type Ptr struct {
	pfn        pmm.PFN
	offset     int
	size       int
	largeOrder int
}

// Bytes returns the backing memory for the allocation.
func (p Ptr) Bytes(pm *pmm.PMM) []byte {
	return pm.Bytes(p.pfn)[p.offset : p.offset+p.size]
}

func (p Ptr) IsZero() bool { return p.size == 0 }

// Free returns obj to its owning cache, relinking it at the freelist
// head and moving the slab between full and partial as occupancy
// changes (spec.md §4.3); a slab whose last object is freed gives its
// page back to the PMM.
func (c *Cache) Free(obj Ptr) error {
	owner, ok := c.owners.get(obj.pfn)
	if !ok || owner.cache != c {
		return errno.New("slab: free", errno.InvalidArgument)
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	page := owner.page
	idx := (obj.offset - headerSize) / int(c.objSize)
	buf := c.pmm.Bytes(page.pfn)
	next := endOfFreeList
	if int(page.freeHead) != page.objCount {
		next = uint64(page.freeHead)
	}
	binary.LittleEndian.PutUint64(buf[c.objOffset(idx):c.objOffset(idx)+8], next)
	page.freeHead = uint32(idx)
	page.inUse--
	c.active--

	if page.inUse == 0 {
		c.releaseEmptyLocked(page)
	} else {
		c.moveToList(page, c.listFor(page))
	}
	return nil
}

// releaseEmptyLocked returns a fully-free slab page's backing frame to
// the PMM. Caller holds c.lock.
func (c *Cache) releaseEmptyLocked(page *slabPage) {
	page.list.Remove(page.node)
	c.owners.delete(page.pfn)
	c.pmm.Frame(page.pfn).Flags &^= pmm.FlagSlabOwned
	c.pmm.FreePages(page.pfn, 0)
}
