package vmm

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
	"github.com/tinyrange/kcore/internal/pmm"
)

// UserSpaceEnd bounds mmap's upward scan; everything at or above this
// address belongs to the shared kernel half of every address space.
const UserSpaceEnd = 0x0000800000000000
const mmapLowBase = 0x0000000000400000
const mmapStride = 1 << 20 // 1 MiB

// Manager owns the kernel's PML4 (captured once at boot) and creates
// fresh address spaces that share its upper half.
type Manager struct {
	pm         *pmm.PMM
	kernelPML4 pmm.PFN
}

// NewManager captures kernelPML4 as the upper-half template every
// address space's slots 256-511 are copied from.
func NewManager(pm *pmm.PMM, kernelPML4 pmm.PFN) *Manager {
	return &Manager{pm: pm, kernelPML4: kernelPML4}
}

// KernelPML4 returns the captured kernel top-level table.
func (m *Manager) KernelPML4() pmm.PFN { return m.kernelPML4 }

// NewAddressSpace allocates a fresh PML4 and copies the kernel's upper
// half (slots 256-511) into it verbatim, so every process starts with
// identical kernel mappings.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	t, err := newTable(m.pm)
	if err != nil {
		return nil, fmt.Errorf("vmm: new address space: %w", err)
	}
	kernel := table{pfn: m.kernelPML4, pm: m.pm}
	for i := 256; i < entriesPerTable; i++ {
		t.setEntry(i, kernel.entry(i))
	}
	as := &AddressSpace{mgr: m, pm: m.pm, pml4: t.pfn}
	as.refcount.Store(1)
	return as, nil
}

// AddressSpace owns a PML4, its VMA list sorted and kept non-overlapping,
// and the current program break.
type AddressSpace struct {
	mgr  *Manager
	pm   *pmm.PMM
	pml4 pmm.PFN

	lock ktypes.SpinLock
	vmas []*VMArea
	brk  uint64

	refcount atomic.Int32
}

// Pml4 returns the physical frame holding this address space's PML4.
func (as *AddressSpace) Pml4() pmm.PFN { return as.pml4 }

func (as *AddressSpace) IncRef() { as.refcount.Add(1) }

// DecRef drops a reference, destroying the address space's user-half
// page tables and backing frames when the last reference goes away.
func (as *AddressSpace) DecRef() {
	if as.refcount.Add(-1) == 0 {
		as.destroy()
	}
}

// FindVMA returns the VMA containing addr, if any.
func (as *AddressSpace) FindVMA(addr uint64) (*VMArea, bool) {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.findVMALocked(addr)
}

func (as *AddressSpace) findVMALocked(addr uint64) (*VMArea, bool) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > addr })
	if i < len(as.vmas) && as.vmas[i].contains(addr) {
		return as.vmas[i], true
	}
	return nil, false
}

// insertVMALocked inserts v keeping the list sorted by Start and
// rejects any overlap with an existing VMA, enforcing invariant I3.
func (as *AddressSpace) insertVMALocked(v *VMArea) error {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Start >= v.Start })
	if i > 0 && as.vmas[i-1].End > v.Start {
		return errno.New("vmm: insert vma", errno.AlreadyExists)
	}
	if i < len(as.vmas) && as.vmas[i].Start < v.End {
		return errno.New("vmm: insert vma", errno.AlreadyExists)
	}
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[i+1:], as.vmas[i:])
	as.vmas[i] = v
	return nil
}

func (as *AddressSpace) removeVMALocked(v *VMArea) {
	for i, cand := range as.vmas {
		if cand == v {
			as.vmas = append(as.vmas[:i], as.vmas[i+1:]...)
			return
		}
	}
}

// mapPage installs one present leaf entry, invalidating nothing beyond
// the single page (a hosted simulation has no TLB to flush).
func (as *AddressSpace) mapPage(virt uint64, pfn pmm.PFN, flags PTEFlags) {
	tbl, idx, _ := walk(as.pm, as.pml4, virt, true)
	tbl.setEntry(idx, makeEntry(pfn, flags))
}

// unmapPage clears the leaf entry for virt, returning the frame it
// pointed at.
func (as *AddressSpace) unmapPage(virt uint64) (pmm.PFN, bool) {
	tbl, idx, ok := walk(as.pm, as.pml4, virt, false)
	if !ok {
		return 0, false
	}
	e := tbl.entry(idx)
	if e&uint64(Present) == 0 {
		return 0, false
	}
	tbl.setEntry(idx, 0)
	return pfnFromEntry(e), true
}

func (as *AddressSpace) lookupPTE(virt uint64) (uint64, bool) {
	tbl, idx, ok := walk(as.pm, as.pml4, virt, false)
	if !ok {
		return 0, false
	}
	e := tbl.entry(idx)
	if e&uint64(Present) == 0 && e == 0 {
		return 0, false
	}
	return e, true
}

func (as *AddressSpace) setPTE(virt uint64, e uint64) {
	tbl, idx, _ := walk(as.pm, as.pml4, virt, true)
	tbl.setEntry(idx, e)
}

const pageSize = pmm.PageSize

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }

// MapRegion reserves a VMA covering [start, start+size), eagerly
// allocates and zero-fills backing frames, and maps each page with PTE
// protection derived from access.
func (as *AddressSpace) MapRegion(start, size uint64, access Access) error {
	start, end := alignDown(start), alignUp(start+size)
	v := &VMArea{Start: start, End: end, Access: access}

	as.lock.Lock()
	defer as.lock.Unlock()
	if err := as.insertVMALocked(v); err != nil {
		return err
	}
	flags := v.pteFlags()
	for addr := start; addr < end; addr += pageSize {
		pfn, err := as.pm.AllocPages(0, pmm.AllocZero)
		if err != nil {
			as.removeVMALocked(v)
			return fmt.Errorf("vmm: map_region: %w", err)
		}
		as.mapPage(addr, pfn, flags)
	}
	return nil
}

// UnmapRegion removes every page in [start, start+size), frees backing
// frames, and trims or removes the covering VMA(s).
func (as *AddressSpace) UnmapRegion(start, size uint64) error {
	start, end := alignDown(start), alignUp(start+size)

	as.lock.Lock()
	defer as.lock.Unlock()

	for addr := start; addr < end; addr += pageSize {
		if pfn, ok := as.unmapPage(addr); ok {
			as.pm.FreePages(pfn, 0)
		}
	}

	var kept []*VMArea
	for _, v := range as.vmas {
		switch {
		case v.End <= start || v.Start >= end:
			kept = append(kept, v)
		case v.Start >= start && v.End <= end:
			// fully covered, drop
		case v.Start < start && v.End > end:
			// split into two residual VMAs
			left := &VMArea{Start: v.Start, End: start, Access: v.Access}
			right := &VMArea{Start: end, End: v.End, Access: v.Access}
			kept = append(kept, left, right)
		case v.Start < start:
			kept = append(kept, &VMArea{Start: v.Start, End: start, Access: v.Access})
		default: // v.End > end
			kept = append(kept, &VMArea{Start: end, End: v.End, Access: v.Access})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	as.vmas = kept
	return nil
}

// Protect rewrites the PTEs covering [start, start+size) in place and
// updates the VMA's access flags.
func (as *AddressSpace) Protect(start, size uint64, access Access) error {
	start, end := alignDown(start), alignUp(start+size)
	as.lock.Lock()
	defer as.lock.Unlock()

	v, ok := as.findVMALocked(start)
	if !ok {
		return errno.New("vmm: mprotect", errno.BadAddress)
	}
	v.Access = access
	flags := v.pteFlags()
	for addr := start; addr < end; addr += pageSize {
		e, ok := as.lookupPTE(addr)
		if !ok {
			continue
		}
		pfn := pfnFromEntry(e)
		as.setPTE(addr, makeEntry(pfn, flags))
	}
	return nil
}

// Mmap picks a placement for a size-byte anonymous mapping: hint if
// free, else the first size-byte gap found scanning upward from the
// low user base in 1 MiB strides.
func (as *AddressSpace) Mmap(hint, size uint64, access Access) (uint64, error) {
	size = alignUp(size)
	as.lock.Lock()
	if hint != 0 && as.gapFreeLocked(hint, size) {
		as.lock.Unlock()
		if err := as.MapRegion(hint, size, access|AccessAnonymous); err != nil {
			return 0, err
		}
		return hint, nil
	}
	addr := uint64(mmapLowBase)
	for addr+size <= UserSpaceEnd {
		if as.gapFreeLocked(addr, size) {
			as.lock.Unlock()
			if err := as.MapRegion(addr, size, access|AccessAnonymous); err != nil {
				return 0, err
			}
			return addr, nil
		}
		addr += mmapStride
	}
	as.lock.Unlock()
	return 0, errno.New("vmm: mmap", errno.OutOfMemory)
}

func (as *AddressSpace) gapFreeLocked(start, size uint64) bool {
	end := start + size
	for _, v := range as.vmas {
		if start < v.End && end > v.Start {
			return false
		}
	}
	return true
}

// Clone implements fork's address-space clone: every VMA is duplicated,
// and every present PTE in the source is marked copy-on-write (writable
// cleared, COW bit set) in both parent and child, sharing the same
// physical frame until either side writes.
func (as *AddressSpace) Clone() (*AddressSpace, error) {
	child, err := as.mgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	for _, v := range as.vmas {
		childV := &VMArea{Start: v.Start, End: v.End, Access: v.Access, FileOffset: v.FileOffset, FileLen: v.FileLen}
		if err := child.insertVMALocked(childV); err != nil {
			return nil, err
		}
		for addr := v.Start; addr < v.End; addr += pageSize {
			e, ok := as.lookupPTE(addr)
			if !ok || e&uint64(Present) == 0 {
				continue
			}
			pfn := pfnFromEntry(e)
			flags := PTEFlags(e) &^ Writable
			flags |= COW
			as.setPTE(addr, makeEntry(pfn, flags))
			child.setPTE(addr, makeEntry(pfn, flags))
			as.pm.Frame(pfn).IncRef()
		}
	}
	return child, nil
}

func (as *AddressSpace) destroy() {
	as.lock.Lock()
	defer as.lock.Unlock()
	for _, v := range as.vmas {
		for addr := v.Start; addr < v.End; addr += pageSize {
			if pfn, ok := as.unmapPage(addr); ok {
				as.pm.Frame(pfn).DecRef()
				if as.pm.Frame(pfn).Refcount() == 0 {
					as.pm.FreePages(pfn, 0)
				}
			}
		}
	}
	as.vmas = nil
	freeUserTables(as.pm, as.pml4)
	as.pm.FreePages(as.pml4, 0)
}

// freeUserTables recursively frees PDPT/PD/PT pages reachable from
// slots 0-255 of pml4, never touching the shared upper-half kernel
// tables.
func freeUserTables(pm *pmm.PMM, pml4 pmm.PFN) {
	top := table{pfn: pml4, pm: pm}
	for i := 0; i < 256; i++ {
		e := top.entry(i)
		if e&uint64(Present) == 0 {
			continue
		}
		freeTableLevel(pm, pfnFromEntry(e), 2)
	}
}

// freeTableLevel frees a PDPT (depth 2), PD (depth 1), or PT (depth 0)
// page and everything it points to, but never the data pages a PT's
// leaf entries reference (those are VMA-owned and freed by destroy's
// unmap loop, not here).
func freeTableLevel(pm *pmm.PMM, pfn pmm.PFN, depth int) {
	if depth > 0 {
		t := table{pfn: pfn, pm: pm}
		for i := 0; i < entriesPerTable; i++ {
			e := t.entry(i)
			if e&uint64(Present) == 0 {
				continue
			}
			freeTableLevel(pm, pfnFromEntry(e), depth-1)
		}
	}
	pm.FreePages(pfn, 0)
}
