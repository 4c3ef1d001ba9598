package syscall

import (
	"bytes"
	"testing"

	"github.com/tinyrange/kcore/internal/boot"
	"github.com/tinyrange/kcore/internal/console"
	"github.com/tinyrange/kcore/internal/cpu"
	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ipc"
	"github.com/tinyrange/kcore/internal/pmm"
	"github.com/tinyrange/kcore/internal/proc"
	"github.com/tinyrange/kcore/internal/sched"
	"github.com/tinyrange/kcore/internal/vmm"
)

func newTestContext(t *testing.T) (*Context, *bytes.Buffer) {
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
	pm, err := pmm.Init(info, nil)
	if err != nil {
		t.Fatalf("pmm.Init: %v", err)
	}
	kernelPML4, err := pm.AllocPages(0, pmm.AllocZero)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	mgr := vmm.NewManager(pm, kernelPML4)

	idle := sched.NewThread("idle", sched.PriorityMin)
	idle.Flags |= sched.FlagIdle
	s := sched.NewScheduler(idle)

	pids := proc.NewPIDAllocator()
	p, err := proc.NewProcess(pids, "init", proc.Credentials{})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	as, err := mgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	p.AS = as
	th := sched.NewThread("init", sched.PriorityDefault)
	p.AddThread(th)

	var buf bytes.Buffer
	return &Context{
		Process: p,
		Thread:  th,
		Sched:   s,
		VMM:     mgr,
		PIDs:    pids,
		Console: console.New(&buf, false),
	}, &buf
}

func TestGetpidGetppid(t *testing.T) {
	ctx, _ := newTestContext(t)
	var frame cpu.TrapFrame
	v, err := handleGetpid(ctx, &frame)
	if err != nil {
		t.Fatalf("getpid: %v", err)
	}
	if int(v) != ctx.Process.PID {
		t.Fatalf("getpid = %d, want %d", v, ctx.Process.PID)
	}
	v, err = handleGetppid(ctx, &frame)
	if err != nil {
		t.Fatalf("getppid: %v", err)
	}
	if v != 0 {
		t.Fatalf("getppid of parentless process = %d, want 0", v)
	}
}

func TestDispatchUnknownSyscallNotImplemented(t *testing.T) {
	ctx, _ := newTestContext(t)
	table := NewTable()
	var frame cpu.TrapFrame
	frame.RAX = 12345
	table.Dispatch(ctx, &frame)
	if frame.RAX != packErr(errno.NotImplemented) {
		t.Fatalf("RAX = %#x, want packed NotImplemented", frame.RAX)
	}
}

func TestEndpointCreateSendRecvRoundTrip(t *testing.T) {
	ctx, _ := newTestContext(t)
	var createFrame cpu.TrapFrame
	slotVal, err := handleEndpointCreate(ctx, &createFrame)
	if err != nil {
		t.Fatalf("endpoint_create: %v", err)
	}

	tagOut := make([]byte, 8)
	r0Out := make([]byte, 8)
	r1Out := make([]byte, 8)

	as := ctx.Process.AS
	tagPtr, r0Ptr, r1Ptr := uint64(0x500000), uint64(0x500100), uint64(0x500200)
	if err := as.MapRegion(0x500000, 0x1000, vmm.AccessRead|vmm.AccessWrite); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		var recvFrame cpu.TrapFrame
		recvFrame.RDI = slotVal
		recvFrame.RSI = tagPtr
		recvFrame.RDX = r0Ptr
		recvFrame.R10 = r1Ptr
		_, err := handleIPCRecv(ctx, &recvFrame)
		done <- err
	}()

	var sendFrame cpu.TrapFrame
	sendFrame.RDI = slotVal
	sendFrame.RSI = uint64(ipc.MakeTag(100, 0, 0, 0, 0))
	sendFrame.RDX = 0xCAFE0000
	sendFrame.R10 = 0xDEAD0000
	if _, err := handleIPCSend(ctx, &sendFrame); err != nil {
		t.Fatalf("ipc_send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ipc_recv: %v", err)
	}

	if err := as.CopyFromUser(tagOut, tagPtr); err != nil {
		t.Fatalf("copy tag: %v", err)
	}
	if err := as.CopyFromUser(r0Out, r0Ptr); err != nil {
		t.Fatalf("copy r0: %v", err)
	}
	if err := as.CopyFromUser(r1Out, r1Ptr); err != nil {
		t.Fatalf("copy r1: %v", err)
	}
	gotTag := ipc.Tag(leUint64(tagOut))
	if gotTag.Label() != 100 {
		t.Fatalf("label = %d, want 100", gotTag.Label())
	}
	if leUint64(r0Out) != 0xCAFE0000 {
		t.Fatalf("r0 = %#x, want 0xCAFE0000", leUint64(r0Out))
	}
	if leUint64(r1Out) != 0xDEAD0000 {
		t.Fatalf("r1 = %#x, want 0xDEAD0000", leUint64(r1Out))
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
