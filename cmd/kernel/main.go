// Command kernel boots the hosted simulation: load a manifest, bring
// up the PMM/VMM/scheduler/capability/IPC subsystems, create the init
// process, and run a short harness workload proving the syscall path
// end to end. There is no real CPU here — this is the Go harness the
// rest of the module's tests exercise against, not firmware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/kcore/internal/cap"
	"github.com/tinyrange/kcore/internal/console"
	"github.com/tinyrange/kcore/internal/cpu"
	"github.com/tinyrange/kcore/internal/ipc"
	"github.com/tinyrange/kcore/internal/kconfig"
	"github.com/tinyrange/kcore/internal/pmm"
	"github.com/tinyrange/kcore/internal/proc"
	"github.com/tinyrange/kcore/internal/sched"
	"github.com/tinyrange/kcore/internal/syscall"
	"github.com/tinyrange/kcore/internal/vmm"
)

const version = "0.1.0"

func run() error {
	manifestPath := flag.String("manifest", "", "path to a boot manifest YAML file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `kernel - boot the hosted kcore simulation

USAGE:
  kernel -manifest FILE

FLAGS:
  -manifest FILE   boot manifest (memory map, HHDM offset, CPU count) in YAML

Without -manifest, a built-in single-CPU scenario-1 manifest is used.
`)
	}
	flag.Parse()

	con := console.New(os.Stdout, true)
	console.Banner(os.Stdout, version)

	manifest, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}
	bootInfo, err := manifest.ToBootInfo()
	if err != nil {
		return fmt.Errorf("kernel: boot info: %w", err)
	}

	pm, err := pmm.Init(bootInfo, nil)
	if err != nil {
		return fmt.Errorf("kernel: pmm init: %w", err)
	}
	pm.Reclaim()
	con.Printf("pmm: %d pages free of %d usable", pm.Stats().FreePages, pm.Stats().UsablePages)

	kernelPML4, err := pm.AllocPages(0, pmm.AllocZero)
	if err != nil {
		return fmt.Errorf("kernel: kernel pml4: %w", err)
	}
	vmmMgr := vmm.NewManager(pm, kernelPML4)

	idle := sched.NewThread("idle", sched.PriorityMin)
	idle.Flags |= sched.FlagIdle
	s := sched.NewScheduler(idle)

	idt := cpu.NewIDT()
	idt.SetHandler(cpu.IRQVector(cpu.TimerIRQ), func(*cpu.TrapFrame) { s.Tick() })
	idt.SetHandler(cpu.VecPageFault, func(frame *cpu.TrapFrame) {
		con.Printf("kernel: unexpected #PF (error code %#x) outside any address space", frame.ErrorCode)
	})

	pic := cpu.NewPIC()
	pic.Unmask(cpu.TimerIRQ)

	pids := proc.NewPIDAllocator()
	initProc, err := proc.NewProcess(pids, "init", proc.Credentials{})
	if err != nil {
		return fmt.Errorf("kernel: init process: %w", err)
	}
	proc.SetInit(initProc)

	syscallTable := syscall.DefaultTable()

	con.Printf("kcore: %d CPU(s), init pid %d, boot complete", len(bootInfo.CPUs), initProc.PID)

	return runHarness(con, s, syscallTable, vmmMgr, pids, initProc)
}

func loadManifest(path string) (*kconfig.Manifest, error) {
	if path != "" {
		return kconfig.Load(path)
	}
	return kconfig.Parse([]byte(`
hhdm_offset: 0xFFFF800000000000
memory_map:
  - base: 0
    length: 0x100000
    type: reserved
  - base: 0x100000
    length: 0x7F00000
    type: usable
cpu_count: 1
`))
}

// runHarness drives the init process through the syscall table (a
// sys_debug_print call) and through a bare ipc.Endpoint rendezvous, a
// small end-to-end proof that the VMM, syscall dispatch, and IPC are
// wired together correctly outside of the package-level tests.
func runHarness(con *console.Console, s *sched.Scheduler, table *syscall.Table, vmmMgr *vmm.Manager, pids *proc.PIDAllocator, initProc *proc.Process) error {
	as, err := vmmMgr.NewAddressSpace()
	if err != nil {
		return fmt.Errorf("kernel: harness: address space: %w", err)
	}
	initProc.AS = as
	initThread := sched.NewThread("init", sched.PriorityDefault)
	initProc.AddThread(initThread)

	ctx := &syscall.Context{
		Process: initProc,
		Thread:  initThread,
		Sched:   s,
		VMM:     vmmMgr,
		PIDs:    pids,
		Console: con,
	}
	const msgPtr = 0x700000
	msg := []byte("kcore: hello from ring 3 via sys_debug_print\n")
	if err := as.MapRegion(msgPtr, 0x1000, vmm.AccessRead|vmm.AccessWrite); err != nil {
		return fmt.Errorf("kernel: harness: map message page: %w", err)
	}
	if err := as.CopyToUser(msgPtr, msg); err != nil {
		return fmt.Errorf("kernel: harness: copy message: %w", err)
	}
	var frame cpu.TrapFrame
	frame.RAX = uint64(syscall.SysDebugPrint)
	frame.RDI = msgPtr
	frame.RSI = uint64(len(msg))
	table.Dispatch(ctx, &frame)

	ep := ipc.NewEndpoint(0)
	slot, err := initProc.Caps.Insert(cap.KindEndpoint, cap.RightSend|cap.RightReceive|cap.RightGrant, ep, 0)
	if err != nil {
		return fmt.Errorf("kernel: harness: endpoint insert: %w", err)
	}
	con.Printf("harness: endpoint created in slot %d", slot)

	done := make(chan struct{})
	go func() {
		var msg ipc.Message
		if err := ep.Recv(&msg, false); err != nil {
			con.Printf("harness: recv failed: %v", err)
		} else {
			con.Printf("harness: received label=%d regs=%v", msg.Tag.Label(), msg.Regs[:2])
		}
		close(done)
	}()

	sent := &ipc.Message{Tag: ipc.MakeTag(42, 2, 0, 0, 0), Regs: [8]uint64{0x1, 0x2}}
	if err := ep.Send(sent, false); err != nil {
		return fmt.Errorf("kernel: harness: send failed: %w", err)
	}
	<-done

	sentCount, recvCount := ep.Stats()
	con.Printf("harness: endpoint stats sent=%d received=%d", sentCount, recvCount)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
