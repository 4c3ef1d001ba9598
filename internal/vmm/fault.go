package vmm

import (
	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/pmm"
)

// FaultErrorCode mirrors the CPU-pushed page-fault error code bits.
type FaultErrorCode uint32

const (
	FaultPresent FaultErrorCode = 1 << iota
	FaultWrite
	FaultUser
	FaultReserved
	FaultInstruction
)

// stackGrowMaxPages bounds how far below a stack VMA a fault is still
// considered a legitimate auto-growth request.
const stackGrowMaxPages = 256

// HandleFault implements the page-fault policy: kernel faults at a
// kernel address are fatal, stack VMAs grow downward on a near-miss,
// a write to a COW page copies it, and a non-present address inside a
// VMA is demand-allocated. Returns nil on success; a non-nil error
// means the fault is unhandled and the caller must terminate the
// faulting context (process if user-mode, panic if kernel-mode).
func (as *AddressSpace) HandleFault(cr2 uint64, code FaultErrorCode) error {
	if code&FaultUser == 0 && cr2 >= UserSpaceEnd {
		return errno.New("vmm: page_fault", errno.BadAddress)
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	v, ok := as.findVMALocked(cr2)
	if !ok {
		if grown, ok := as.tryGrowStackLocked(cr2); ok {
			v = grown
		} else {
			return errno.New("vmm: page_fault", errno.BadAddress)
		}
	}

	e, present := as.lookupPTE(cr2)
	switch {
	case code&FaultWrite != 0 && present && e&uint64(Present) != 0 && e&uint64(Writable) == 0:
		if e&uint64(COW) == 0 {
			return errno.New("vmm: page_fault", errno.PermissionDenied)
		}
		return as.resolveCOWLocked(cr2, e)
	case !present || e&uint64(Present) == 0:
		return as.demandAllocLocked(cr2, v)
	default:
		return nil
	}
}

// tryGrowStackLocked extends a stack VMA downward to cover cr2 if it
// lies within stackGrowMaxPages below the VMA's current start.
func (as *AddressSpace) tryGrowStackLocked(cr2 uint64) (*VMArea, bool) {
	for _, v := range as.vmas {
		if v.Access&AccessStack == 0 {
			continue
		}
		limit := v.Start - stackGrowMaxPages*pageSize
		if cr2 >= limit && cr2 < v.Start {
			v.Start = alignDown(cr2)
			return v, true
		}
	}
	return nil, false
}

// demandAllocLocked zero-fills and maps one fresh frame for a
// non-present address inside v.
func (as *AddressSpace) demandAllocLocked(addr uint64, v *VMArea) error {
	pfn, err := as.pm.AllocPages(0, pmm.AllocZero)
	if err != nil {
		return err
	}
	as.mapPage(alignDown(addr), pfn, v.pteFlags())
	return nil
}

// resolveCOWLocked copies the shared frame behind a COW PTE into a
// fresh one and installs it writable for the faulting address space
// only, dropping the source's reference.
func (as *AddressSpace) resolveCOWLocked(addr uint64, oldEntry uint64) error {
	oldPFN := pfnFromEntry(oldEntry)
	newPFN, err := as.pm.AllocPages(0, 0)
	if err != nil {
		return err
	}
	copy(as.pm.Bytes(newPFN), as.pm.Bytes(oldPFN))

	flags := PTEFlags(oldEntry) | Writable
	flags &^= COW
	as.setPTE(alignDown(addr), makeEntry(newPFN, flags))

	as.pm.Frame(oldPFN).DecRef()
	if as.pm.Frame(oldPFN).Refcount() == 0 {
		as.pm.FreePages(oldPFN, 0)
	}
	return nil
}
