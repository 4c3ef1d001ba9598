package slab

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/pmm"
)

// ownerTable maps a slab page's PFN back to the (cache, slabPage) pair
// that owns it, shared by every cache in a Pool so kfree can route a
// free without the caller naming the cache — the Go-side equivalent of
// spec.md's "page-frame metadata records the slab flag" dispatch.
type ownerTable struct {
	mu   sync.Mutex
	data map[pmm.PFN]cacheOwner
}

type cacheOwner struct {
	cache *Cache
	page  *slabPage
}

func newOwnerTable() *ownerTable {
	return &ownerTable{data: make(map[pmm.PFN]cacheOwner)}
}

func (t *ownerTable) set(pfn pmm.PFN, c *Cache, p *slabPage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[pfn] = cacheOwner{cache: c, page: p}
}

func (t *ownerTable) get(pfn pmm.PFN) (cacheOwner, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.data[pfn]
	return o, ok
}

func (t *ownerTable) delete(pfn pmm.PFN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, pfn)
}

// sizeClassMax is the largest object size the slab pool serves directly;
// anything bigger goes straight to the buddy allocator (spec.md §4.3).
const sizeClassMax = 2048

// Pool is the general kmalloc/kfree pool: nine power-of-two size classes
// from 8 to 2048 bytes, plus a fallback to raw PMM pages (rounded up to
// the smallest power-of-two page count) for larger requests.
type Pool struct {
	pmm     *pmm.PMM
	owners  *ownerTable
	classes [9]*Cache // index i serves objects of size 8<<i
}

// NewPool creates the kmalloc pool's nine size-class caches.
func NewPool(p *pmm.PMM) *Pool {
	owners := newOwnerTable()
	pool := &Pool{pmm: p, owners: owners}
	for i := range pool.classes {
		size := uint32(8) << uint(i)
		pool.classes[i] = NewCache(fmt.Sprintf("kmalloc-%d", size), size, 8, p, owners)
	}
	return pool
}

func classIndex(size uint32) int {
	if size <= 8 {
		return 0
	}
	// Smallest i such that 8<<i >= size.
	need := bits.Len32(size - 1) // ceil(log2(size))
	i := need - 3
	if i < 0 {
		i = 0
	}
	return i
}

// Kmalloc allocates size bytes. Size 0 returns a zero Ptr and no error
// (spec.md §4.3: "Allocation of size 0 returns absent").
func (p *Pool) Kmalloc(size int) (Ptr, error) {
	if size == 0 {
		return Ptr{}, nil
	}
	if size < 0 {
		return Ptr{}, errno.New("slab: kmalloc", errno.InvalidArgument)
	}
	if size > sizeClassMax {
		return p.largeAlloc(size)
	}
	idx := classIndex(uint32(size))
	if idx >= len(p.classes) {
		return p.largeAlloc(size)
	}
	return p.classes[idx].Alloc()
}

// Kzalloc allocates size bytes and zero-fills them.
func (p *Pool) Kzalloc(size int) (Ptr, error) {
	ptr, err := p.Kmalloc(size)
	if err != nil || ptr.IsZero() {
		return ptr, err
	}
	clear(ptr.Bytes(p.pmm))
	return ptr, nil
}

// largeAlloc rounds size up to the smallest power-of-two page count and
// asks the PMM directly, per spec.md §4.3.
func (p *Pool) largeAlloc(size int) (Ptr, error) {
	pages := (size + pmm.PageSize - 1) / pmm.PageSize
	order := 0
	for (1 << uint(order)) < pages {
		order++
	}
	pfn, err := p.pmm.AllocPages(order, 0)
	if err != nil {
		return Ptr{}, fmt.Errorf("slab: kmalloc large: %w", err)
	}
	return Ptr{pfn: pfn, offset: 0, size: size, largeOrder: order + 1}, nil
}

// Kfree returns obj to its owner: the buddy allocator directly when
// obj came from largeAlloc (its largeOrder is set), otherwise the slab
// cache the shared owner table records for its frame. The frame's
// FlagSlabOwned bit is not consulted.
func (p *Pool) Kfree(obj Ptr) error {
	if obj.IsZero() {
		return nil
	}
	if obj.largeOrder > 0 {
		p.pmm.FreePages(obj.pfn, obj.largeOrder-1)
		return nil
	}
	owner, ok := p.owners.get(obj.pfn)
	if !ok {
		return errno.New("slab: kfree", errno.InvalidArgument)
	}
	return owner.cache.Free(obj)
}
