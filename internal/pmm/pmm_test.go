package pmm

import (
	"testing"

	"github.com/tinyrange/kcore/internal/boot"
)

func bootScenario1(t *testing.T) *boot.Info {
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
	return info
}

func TestInitScenario1(t *testing.T) {
	info := bootScenario1(t)
	p, err := Init(info, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	stats := p.Stats()
	if stats.UsablePages != 32512 {
		t.Errorf("UsablePages = %d, want 32512", stats.UsablePages)
	}
	if stats.ExplicitReserved != 256 {
		t.Errorf("ExplicitReserved = %d, want 256", stats.ExplicitReserved)
	}
	if stats.FreePages < 32000 {
		t.Errorf("FreePages = %d, want >= 32000", stats.FreePages)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	info := bootScenario1(t)
	p, err := Init(info, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	before := p.Stats().FreePages

	for order := 0; order <= 6; order++ {
		pfn, err := p.AllocPages(order, 0)
		if err != nil {
			t.Fatalf("AllocPages(%d): %v", order, err)
		}
		mid := p.Stats().FreePages
		if mid != before-(1<<uint(order)) {
			t.Fatalf("order %d: free=%d want %d", order, mid, before-(1<<uint(order)))
		}
		p.FreePages(pfn, order)
		after := p.Stats().FreePages
		if after != before {
			t.Fatalf("order %d: round trip left free=%d want %d", order, after, before)
		}
	}
}

func TestAllocZeroFills(t *testing.T) {
	info := bootScenario1(t)
	p, err := Init(info, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	pfn, err := p.AllocPages(0, 0)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	b := p.Bytes(pfn)
	for i := range b {
		b[i] = 0xAA
	}
	p.FreePages(pfn, 0)

	pfn2, err := p.AllocPages(0, AllocZero)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	for _, v := range p.Bytes(pfn2) {
		if v != 0 {
			t.Fatalf("AllocZero left non-zero byte %#x", v)
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	info := bootScenario1(t)
	p, err := Init(info, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Boundary behavior B1: allocating more than exists fails cleanly.
	for i := 0; i < 100000; i++ {
		if _, err := p.AllocPages(MaxOrder, 0); err != nil {
			return
		}
	}
	t.Fatalf("expected exhaustion within 100000 max-order allocations")
}

func TestCompoundPages(t *testing.T) {
	info := bootScenario1(t)
	p, err := Init(info, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	pfn, err := p.AllocPages(2, 0) // 4 pages
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	head := p.Frame(pfn)
	if head.Flags&FlagCompoundHead == 0 {
		t.Fatalf("head frame missing FlagCompoundHead")
	}
	for i := PFN(1); i < 4; i++ {
		tail := p.Frame(pfn + i)
		if tail.Flags&FlagCompoundTail == 0 {
			t.Fatalf("tail frame %d missing FlagCompoundTail", i)
		}
	}
	p.FreePages(pfn, 2)
	if head.Flags&FlagCompoundHead != 0 {
		t.Fatalf("FlagCompoundHead not cleared after free")
	}
}
