// Package boot models the bootloader hand-off described in spec.md §6:
// a memory map, the higher-half direct map offset, the kernel's physical
// and virtual load addresses, RSDP, framebuffer, SMP CPU list and a small
// fixed module cache. It is consumed once by internal/pmm during Init
// and then kept immutable, grounded on how the teacher's
// internal/linux/boot.bootparams carries a one-shot boot configuration
// into guest memory before the VM starts running.
package boot

import "fmt"

// RegionType classifies one entry of the firmware/bootloader memory map.
type RegionType int

const (
	RegionUsable RegionType = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionBad
	RegionBootloaderReclaimable
	RegionKernelAndModules
	RegionFramebuffer
)

func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "acpi-reclaimable"
	case RegionACPINVS:
		return "acpi-nvs"
	case RegionBad:
		return "bad"
	case RegionBootloaderReclaimable:
		return "bootloader-reclaimable"
	case RegionKernelAndModules:
		return "kernel-and-modules"
	case RegionFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("region(%d)", int(t))
	}
}

// MemoryMapEntry is one {base, length, type} record reported by the
// bootloader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// Reclaimable reports whether the region can be reclaimed into the PMM
// once its contents are no longer needed (either immediately usable, or
// bootloader-reclaimable after the boot module bytes have been cached
// elsewhere — original_source/kernel/mm/pmm.c's distinction, spec.md §6).
func (e MemoryMapEntry) Reclaimable() bool {
	return e.Type == RegionUsable || e.Type == RegionBootloaderReclaimable
}

// Module is one bootloader-provided module: an address/size pair and its
// command line. spec.md §6 caps the cached set at 8 modules so they
// survive reclamation of bootloader-reclaimable memory.
const MaxModules = 8

type Module struct {
	Addr    uint64
	Size    uint64
	Cmdline string
}

// Framebuffer describes the boot framebuffer, if any.
type Framebuffer struct {
	Addr          uint64
	Width, Height uint32
	Pitch         uint32
	BPP           uint8
}

// CPU describes one SMP-enumerated logical processor. The kernel core is
// uniprocessor in its initial implementation (spec.md §1 Non-goals), but
// the list is still carried so per-CPU state has somewhere to be sized
// from later.
type CPU struct {
	ID       uint32
	LAPICID  uint32
	IsBootCPU bool
}

// Info is the immutable, fully-assembled boot hand-off. Construct it via
// New, which validates and normalizes the raw bootloader data; nothing
// downstream mutates it.
type Info struct {
	MemoryMap       []MemoryMapEntry
	HHDMOffset      uint64
	KernelPhysBase  uint64
	KernelVirtBase  uint64
	RSDP            uint64
	Framebuffer     *Framebuffer
	CPUs            []CPU
	Modules         []Module
	BootTimeUnixSec int64
}

// New validates raw boot data and returns an immutable Info, truncating
// (never silently dropping without note — callers should log) any
// modules beyond MaxModules.
func New(raw Info) (*Info, error) {
	if len(raw.MemoryMap) == 0 {
		return nil, fmt.Errorf("boot: empty memory map")
	}
	if len(raw.Modules) > MaxModules {
		raw.Modules = raw.Modules[:MaxModules]
	}
	info := raw
	info.MemoryMap = append([]MemoryMapEntry(nil), raw.MemoryMap...)
	info.Modules = append([]Module(nil), raw.Modules...)
	info.CPUs = append([]CPU(nil), raw.CPUs...)
	return &info, nil
}

// MaxPFN returns the highest page-frame number covered by any usable or
// reclaimable region — never by a reserved high MMIO hole, per
// spec.md §4.1's "compute max_pfn from the highest end of any
// usable-or-reclaimable region".
func (i *Info) MaxPFN(pageSize uint64) uint64 {
	var maxEnd uint64
	for _, e := range i.MemoryMap {
		if !e.Reclaimable() {
			continue
		}
		if end := e.End(); end > maxEnd {
			maxEnd = end
		}
	}
	return maxEnd / pageSize
}

// LargestUsableRegion returns the largest RegionUsable entry, used by
// the PMM as the bump allocator's arena (spec.md §4.1).
func (i *Info) LargestUsableRegion() (MemoryMapEntry, bool) {
	var best MemoryMapEntry
	found := false
	for _, e := range i.MemoryMap {
		if e.Type != RegionUsable {
			continue
		}
		if !found || e.Length > best.Length {
			best, found = e, true
		}
	}
	return best, found
}
