package pmm

import "github.com/tinyrange/kcore/internal/boot"

// bumpAllocator is the boot-time allocator used only until the buddy
// allocator is live (spec.md §4.1): it carves page-aligned ranges out of
// the single largest usable region, in order, for the occupancy bitmap,
// the frame-metadata array, and any page-table pages the early VMM
// demands before Init returns.
type bumpAllocator struct {
	region boot.MemoryMapEntry
	cursor uint64 // next free byte offset, absolute address
}

func newBumpAllocator(region boot.MemoryMapEntry) *bumpAllocator {
	return &bumpAllocator{region: region, cursor: region.Base}
}

// allocPages carves n page-aligned pages and returns the starting PFN.
func (b *bumpAllocator) allocPages(n int) (PFN, bool) {
	if n <= 0 {
		return 0, true
	}
	size := uint64(n) * PageSize
	if b.cursor+size > b.region.End() {
		return 0, false
	}
	start := b.cursor
	b.cursor += size
	return FromAddr(start), true
}

// usedEnd returns the address one past the last byte the bump allocator
// has handed out, used to mark the whole carved prefix reserved.
func (b *bumpAllocator) usedEnd() uint64 { return b.cursor }
