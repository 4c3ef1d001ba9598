// Package vmm implements 4-level page tables, address spaces, VMA
// lists, the page-fault handler (demand paging, copy-on-write, stack
// growth), and user-pointer validation for copy_to_user/copy_from_user.
package vmm

import (
	"encoding/binary"

	"github.com/tinyrange/kcore/internal/pmm"
)

// PTEFlags are the page-table-entry protection and software bits this
// design uses. Only the bits actually consulted are modeled; reserved
// bits are left zero.
type PTEFlags uint64

const (
	Present  PTEFlags = 1 << 0
	Writable PTEFlags = 1 << 1
	User     PTEFlags = 1 << 2
	// COW is a software-defined bit (available for OS use in the
	// 9-11 range) marking a read-only page shared with another
	// address space pending copy-on-write.
	COW PTEFlags = 1 << 9
	NX  PTEFlags = 1 << 63
)

const addrMask = 0x000FFFFFFFFFF000

const entriesPerTable = 512

// table is a view over one page-table page's 512 eight-byte entries,
// backed by the PMM's byte view so the table lives in the same memory
// a real MMU would walk.
type table struct {
	pfn pmm.PFN
	pm  *pmm.PMM
}

func (t table) entry(i int) uint64 {
	b := t.pm.Bytes(t.pfn)
	return binary.LittleEndian.Uint64(b[i*8 : i*8+8])
}

func (t table) setEntry(i int, v uint64) {
	b := t.pm.Bytes(t.pfn)
	binary.LittleEndian.PutUint64(b[i*8:i*8+8], v)
}

func pfnFromEntry(e uint64) pmm.PFN { return pmm.FromAddr(e & addrMask) }

func makeEntry(pfn pmm.PFN, flags PTEFlags) uint64 {
	return pfn.Addr() | uint64(flags)
}

// newTable allocates a fresh zeroed page-table page.
func newTable(pm *pmm.PMM) (table, error) {
	pfn, err := pm.AllocPages(0, pmm.AllocZero)
	if err != nil {
		return table{}, err
	}
	return table{pfn: pfn, pm: pm}, nil
}

// indices splits a virtual address into its PML4/PDPT/PD/PT indices
// and page offset, 4 KiB granularity only.
func indices(virt uint64) (pml4i, pdpti, pdi, pti int) {
	pml4i = int((virt >> 39) & 0x1FF)
	pdpti = int((virt >> 30) & 0x1FF)
	pdi = int((virt >> 21) & 0x1FF)
	pti = int((virt >> 12) & 0x1FF)
	return
}

// walk descends from pml4 to the leaf PTE for virt, creating
// intermediate tables (with Present|Writable|User so the leaf's user
// bit is meaningful) when create is true. Returns the table owning the
// leaf entry and the leaf's index within it.
func walk(pm *pmm.PMM, pml4 pmm.PFN, virt uint64, create bool) (table, int, bool) {
	pml4i, pdpti, pdi, pti := indices(virt)
	cur := table{pfn: pml4, pm: pm}

	for _, idx := range []int{pml4i, pdpti, pdi} {
		e := cur.entry(idx)
		if e&uint64(Present) == 0 {
			if !create {
				return table{}, 0, false
			}
			next, err := newTable(pm)
			if err != nil {
				return table{}, 0, false
			}
			cur.setEntry(idx, makeEntry(next.pfn, Present|Writable|User))
			cur = next
			continue
		}
		cur = table{pfn: pfnFromEntry(e), pm: pm}
	}
	return cur, pti, true
}
