package slab

import (
	"testing"

	"github.com/tinyrange/kcore/internal/boot"
	"github.com/tinyrange/kcore/internal/pmm"
)

func newTestPMM(t *testing.T) *pmm.PMM {
	t.Helper()
	info, err := boot.New(boot.Info{
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Length: 0x100000, Type: boot.RegionReserved},
			{Base: 0x100000, Length: 0x7F00000, Type: boot.RegionUsable},
		},
		HHDMOffset: 0xFFFF800000000000,
	})
	if err != nil {
		t.Fatalf("boot.New: %v", err)
	}
	p, err := pmm.Init(info, nil)
	if err != nil {
		t.Fatalf("pmm.Init: %v", err)
	}
	return p
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	p := newTestPMM(t)
	owners := newOwnerTable()
	c := NewCache("test-64", 64, 8, p, owners)

	var ptrs []Ptr
	for i := 0; i < 200; i++ {
		ptr, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}
	if c.Active() != 200 {
		t.Fatalf("Active = %d, want 200", c.Active())
	}
	for _, ptr := range ptrs {
		if err := c.Free(ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if c.Active() != 0 {
		t.Fatalf("Active after freeing all = %d, want 0", c.Active())
	}
}

func TestCacheObjectsDoNotOverlap(t *testing.T) {
	p := newTestPMM(t)
	owners := newOwnerTable()
	c := NewCache("test-32", 32, 8, p, owners)

	seen := make(map[[2]int]bool)
	for i := 0; i < 50; i++ {
		ptr, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		key := [2]int{int(ptr.pfn), ptr.offset}
		if seen[key] {
			t.Fatalf("duplicate object at pfn=%d offset=%d", ptr.pfn, ptr.offset)
		}
		seen[key] = true
		buf := ptr.Bytes(p)
		for j := range buf {
			buf[j] = byte(i)
		}
	}
}

func TestPoolKmallocSizeClasses(t *testing.T) {
	p := newTestPMM(t)
	pool := NewPool(p)

	sizes := []int{1, 7, 8, 9, 63, 64, 65, 1024, 2048}
	var ptrs []Ptr
	for _, sz := range sizes {
		ptr, err := pool.Kmalloc(sz)
		if err != nil {
			t.Fatalf("Kmalloc(%d): %v", sz, err)
		}
		if ptr.IsZero() {
			t.Fatalf("Kmalloc(%d) returned zero Ptr", sz)
		}
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		if err := pool.Kfree(ptr); err != nil {
			t.Fatalf("Kfree: %v", err)
		}
	}
}

func TestPoolKmallocZero(t *testing.T) {
	p := newTestPMM(t)
	pool := NewPool(p)

	ptr, err := pool.Kmalloc(0)
	if err != nil {
		t.Fatalf("Kmalloc(0): %v", err)
	}
	if !ptr.IsZero() {
		t.Fatalf("Kmalloc(0) should return a zero Ptr")
	}
	if err := pool.Kfree(ptr); err != nil {
		t.Fatalf("Kfree of zero Ptr should be a no-op: %v", err)
	}
}

func TestPoolKzallocZeroFills(t *testing.T) {
	p := newTestPMM(t)
	pool := NewPool(p)

	ptr, err := pool.Kmalloc(128)
	if err != nil {
		t.Fatalf("Kmalloc: %v", err)
	}
	buf := ptr.Bytes(p)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := pool.Kfree(ptr); err != nil {
		t.Fatalf("Kfree: %v", err)
	}

	ptr2, err := pool.Kzalloc(128)
	if err != nil {
		t.Fatalf("Kzalloc: %v", err)
	}
	for _, b := range ptr2.Bytes(p) {
		if b != 0 {
			t.Fatalf("Kzalloc left non-zero byte %#x", b)
		}
	}
}

func TestPoolLargeAllocGoesToBuddy(t *testing.T) {
	p := newTestPMM(t)
	pool := NewPool(p)
	before := p.Stats().FreePages

	ptr, err := pool.Kmalloc(9000) // > sizeClassMax, spans multiple pages
	if err != nil {
		t.Fatalf("Kmalloc(9000): %v", err)
	}
	mid := p.Stats().FreePages
	if mid >= before {
		t.Fatalf("large alloc did not consume buddy pages: before=%d mid=%d", before, mid)
	}
	if err := pool.Kfree(ptr); err != nil {
		t.Fatalf("Kfree: %v", err)
	}
	after := p.Stats().FreePages
	if after != before {
		t.Fatalf("large alloc round trip leaked pages: before=%d after=%d", before, after)
	}
}

func TestPoolNoActiveObjectLeak(t *testing.T) {
	p := newTestPMM(t)
	pool := NewPool(p)

	var ptrs []Ptr
	for i := 0; i < 500; i++ {
		ptr, err := pool.Kmalloc(1 << uint(i%8+3))
		if err != nil {
			t.Fatalf("Kmalloc: %v", err)
		}
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		if err := pool.Kfree(ptr); err != nil {
			t.Fatalf("Kfree: %v", err)
		}
	}
	for i, c := range pool.classes {
		if c.Active() != 0 {
			t.Fatalf("class %d: Active = %d, want 0", i, c.Active())
		}
	}
}
