package cpu

// MSRLayout holds the four model-specific registers SYSCALL/SYSRET
// setup programs: EFER.SCE, STAR (segment selectors for both rings),
// LSTAR (entry RIP), and SFMASK (RFLAGS bits cleared on entry).
type MSRLayout struct {
	EFERSyscallEnable bool
	STARKernelCS      Selector
	STARUserCS        Selector
	LSTAR             uintptr // entry trampoline address
	SFMASK            uint64  // bits cleared from RFLAGS on entry: IF, TF, AC
}

const sfmaskIF, sfmaskTF, sfmaskAC = 1 << 9, 1 << 8, 1 << 18

// NewMSRLayout computes the STAR selector bases per the x86 SYSCALL/
// SYSRET rule: kernel CS/SS come from STAR[47:32] and STAR[47:32]+8;
// user CS/SS come from STAR[63:48]+16 and STAR[63:48]+8.
func NewMSRLayout(entry uintptr) MSRLayout {
	return MSRLayout{
		EFERSyscallEnable: true,
		STARKernelCS:      SelKernCode,
		STARUserCS:        SelUserCode,
		LSTAR:             entry,
		SFMASK:            sfmaskIF | sfmaskTF | sfmaskAC,
	}
}

// PerCPU is the fixed-order per-CPU data block KERNEL_GS_BASE points
// at: the syscall trampoline's scratch slots plus a fallback bootstrap
// stack used before any thread has been scheduled.
type PerCPU struct {
	SavedUserRSP    uint64
	KernelStackTop  uint64 // written by the scheduler on every context switch
	Scratch         uint64
	BootstrapStack  uint64
	ID              int
}

// CpuContext is the callee-saved register set and stack pointer the
// context switch saves/restores: RBX, RBP, R12-R15, RSP, plus the
// return address the next switch resumes at.
type CpuContext struct {
	RBX, RBP             uint64
	R12, R13, R14, R15   uint64
	RSP                  uint64
	ReturnRIP            uint64
}
