package vmm

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

func newTestManager(t *testing.T) (*Manager, *pmm.PMM) {
	t.Helper()
	pm := newTestPMM(t)
	kernelPML4, err := pm.AllocPages(0, pmm.AllocZero)
	if err != nil {
		t.Fatalf("AllocPages kernel pml4: %v", err)
	}
	return NewManager(pm, kernelPML4), pm
}

func TestMapRegionAndCopyRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	as, err := mgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	const base = uint64(0x0000000000500000)
	if err := as.MapRegion(base, 4096, AccessRead|AccessWrite); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	want := []byte("hello kernel heap")
	if err := as.CopyToUser(base, want); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}
	got := make([]byte, len(want))
	if err := as.CopyFromUser(got, base); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("round trip = %q, want %q", got, want)
	}
}

func TestVMAListNonOverlapping(t *testing.T) {
	mgr, _ := newTestManager(t)
	as, _ := mgr.NewAddressSpace()

	if err := as.MapRegion(0x500000, 4096, AccessRead); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := as.MapRegion(0x500000, 4096, AccessRead); err == nil {
		t.Fatalf("overlapping MapRegion should fail")
	}
	if err := as.MapRegion(0x501000, 4096, AccessRead); err != nil {
		t.Fatalf("adjacent MapRegion should succeed: %v", err)
	}
}

func TestKernelUpperHalfShared(t *testing.T) {
	mgr, pm := newTestManager(t)
	as, err := mgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	kernel := table{pfn: mgr.KernelPML4(), pm: pm}
	child := table{pfn: as.Pml4(), pm: pm}
	for i := 256; i < entriesPerTable; i++ {
		if kernel.entry(i) != child.entry(i) {
			t.Fatalf("slot %d diverges from kernel PML4", i)
		}
	}
}

func TestForkCOWThenWriteCopies(t *testing.T) {
	mgr, pm := newTestManager(t)
	parent, _ := mgr.NewAddressSpace()
	const base = uint64(0x0000000000600000)
	if err := parent.MapRegion(base, 4096, AccessRead|AccessWrite); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := parent.CopyToUser(base, []byte{0x99}); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	child, err := parent.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	before := pm.Stats().FreePages
	if err := parent.HandleFault(base, FaultWrite|FaultUser); err != nil {
		t.Fatalf("HandleFault on parent write: %v", err)
	}
	after := pm.Stats().FreePages
	if after != before-1 {
		t.Fatalf("COW resolution should consume exactly one frame: before=%d after=%d", before, after)
	}

	got := make([]byte, 1)
	if err := child.CopyFromUser(got, base); err != nil {
		t.Fatalf("child CopyFromUser: %v", err)
	}
	if got[0] != 0x99 {
		t.Fatalf("child sees %#x, want original 0x99", got[0])
	}
}

func TestStackGrowthFault(t *testing.T) {
	mgr, _ := newTestManager(t)
	as, _ := mgr.NewAddressSpace()
	const stackTop = uint64(0x00007FFFFFF00000)
	if err := as.MapRegion(stackTop, 4096, AccessRead|AccessWrite|AccessStack); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	const faultAddr = uint64(0x00007FFFFFEFE000)
	if err := as.HandleFault(faultAddr, FaultUser); err != nil {
		t.Fatalf("HandleFault stack growth: %v", err)
	}
	v, ok := as.FindVMA(faultAddr)
	if !ok {
		t.Fatalf("stack VMA did not grow to cover fault address")
	}
	if v.Start%pageSize != 0 || v.Start > alignDown(faultAddr) {
		t.Fatalf("grown VMA start %#x not page-aligned at or below fault", v.Start)
	}
}

func TestUnmapRegionSplitsVMA(t *testing.T) {
	mgr, _ := newTestManager(t)
	as, _ := mgr.NewAddressSpace()
	const base = uint64(0x0000000000700000)
	if err := as.MapRegion(base, 3*pageSize, AccessRead|AccessWrite); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := as.UnmapRegion(base+pageSize, pageSize); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if _, ok := as.FindVMA(base); !ok {
		t.Fatalf("left residual VMA missing")
	}
	if _, ok := as.FindVMA(base + 2*pageSize); !ok {
		t.Fatalf("right residual VMA missing")
	}
	if _, ok := as.FindVMA(base + pageSize); ok {
		t.Fatalf("unmapped middle page should have no VMA")
	}
}
