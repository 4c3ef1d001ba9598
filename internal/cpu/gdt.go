// Package cpu models the per-CPU descriptor tables, TSS, and the
// SYSCALL/SYSRET MSR layout: the irreducible architecture surface every
// other layer builds on. There is no ring 0 here — these are the data
// structures a real boot sequence would program into the hardware,
// kept in Go so the rest of the kernel can be driven and tested without
// a hypervisor.
package cpu

// Selector is a GDT/IDT index plus RPL, exactly as it would be loaded
// into a segment register.
type Selector uint16

const (
	SelNull     Selector = 0x00
	SelKernCode Selector = 0x08
	SelKernData Selector = 0x10
	SelUserCode Selector = 0x18 | 3
	SelUserData Selector = 0x20 | 3
	SelTSS      Selector = 0x28
)

// GDTEntry mirrors one 8-byte (or 16-byte for TSS) descriptor.
type GDTEntry struct {
	Base    uint64
	Limit   uint32
	Access  uint8
	Flags   uint8
	IsTSS   bool
}

// GDT holds the kernel/user code+data segments and one TSS descriptor
// per CPU, per the layer-0 GDT described by this design.
type GDT struct {
	Entries []GDTEntry
	TSS     *TSS
}

// NewGDT builds the standard null/kernel-code/kernel-data/user-code/
// user-data/TSS layout used by every CPU in the system.
func NewGDT(tss *TSS) *GDT {
	return &GDT{
		Entries: []GDTEntry{
			{}, // null
			{Access: 0x9A, Flags: 0xA}, // kernel code, long mode
			{Access: 0x92, Flags: 0xC}, // kernel data
			{Access: 0xFA, Flags: 0xA}, // user code, DPL3
			{Access: 0xF2, Flags: 0xC}, // user data, DPL3
		},
		TSS: tss,
	}
}

// TSS is the 64-bit task state segment: only RSP0 (the kernel stack to
// load on a ring 3 -> ring 0 transition via interrupt/exception) and
// the interrupt-stack-table slots are meaningful in long mode.
type TSS struct {
	RSP0 uint64
	IST  [7]uint64 // IST[0] is IST1, used for the double-fault stack
}

// NewTSS returns a TSS with its fields zeroed; callers set RSP0 once
// the boot kernel stack is known and IST[0] once the double-fault
// stack is allocated.
func NewTSS() *TSS { return &TSS{} }
