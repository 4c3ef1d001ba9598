// Package kcoretest houses the multi-subsystem end-to-end scenarios
// that exercise more than one package together: scenarios 1, 2, and 5
// are covered where they naturally live (internal/pmm, internal/slab,
// internal/vmm respectively); this package covers the remaining
// scenarios that need several subsystems wired together at once.
package kcoretest

import (
	"testing"

	"github.com/tinyrange/kcore/internal/boot"
	"github.com/tinyrange/kcore/internal/ipc"
	"github.com/tinyrange/kcore/internal/pmm"
	"github.com/tinyrange/kcore/internal/proc"
	"github.com/tinyrange/kcore/internal/sched"
	"github.com/tinyrange/kcore/internal/vmm"
)

func newHarness(t *testing.T) (*pmm.PMM, *vmm.Manager) {
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
	return pm, vmm.NewManager(pm, kernelPML4)
}

// Scenario 3: a thread blocks in ipc_recv, a second thread sends a
// tagged message with two register values; the receiver unblocks with
// the label and registers intact, and the endpoint's counters advance.
func TestScenarioIPCRendezvous(t *testing.T) {
	ep := ipc.NewEndpoint(0)
	var got ipc.Message
	recvDone := make(chan error, 1)
	go func() { recvDone <- ep.Recv(&got, false) }()

	sent := &ipc.Message{
		Tag:  ipc.MakeTag(100, 2, 0, 0, 0),
		Regs: [8]uint64{0xCAFE0000, 0xDEAD0000},
	}
	if err := ep.Send(sent, false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-recvDone; err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Tag.Label() != 100 {
		t.Fatalf("label = %d, want 100", got.Tag.Label())
	}
	if got.Regs[0] != 0xCAFE0000 || got.Regs[1] != 0xDEAD0000 {
		t.Fatalf("regs = %#x, want [0xCAFE0000 0xDEAD0000]", got.Regs[:2])
	}
	sentCount, _ := ep.Stats()
	if sentCount != 1 {
		t.Fatalf("msgs_sent = %d, want 1", sentCount)
	}
}

// Scenario 4: a process with one writable data page forks; the parent
// writes to the page, the child still sees the original byte, and the
// frame count increases by exactly one (the COW copy on the parent's
// write fault).
func TestScenarioForkCOW(t *testing.T) {
	pm, mgr := newHarness(t)

	pids := proc.NewPIDAllocator()
	parent, err := proc.NewProcess(pids, "parent", proc.Credentials{})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	as, err := mgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	parent.AS = as

	const page = 0x400000
	if err := as.MapRegion(page, 0x1000, vmm.AccessRead|vmm.AccessWrite); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	original := []byte{0x11}
	if err := as.CopyToUser(page, original); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	idle := sched.NewThread("idle", sched.PriorityMin)
	idle.Flags |= sched.FlagIdle
	s := sched.NewScheduler(idle)
	parentThread := sched.NewThread("parent", sched.PriorityDefault)
	parent.AddThread(parentThread)

	// The address-space clone happens synchronously inside Fork, before
	// the child's thread goroutine is even spawned, so the COW setup
	// below needs no synchronization with the (never-resumed, in this
	// test) child goroutine.
	child, err := proc.Fork(s, pids, parent, parentThread, func(self *sched.Thread) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// Measured after Fork, whose clone allocates the child's own page
	// tables, so the count below covers only the parent's write.
	freeBefore := pm.Stats().FreePages

	// The parent's write lands on a PTE Clone marked read-only+COW, so
	// it must resolve through the same fault path real hardware would
	// take (a raw CopyToUser would bypass COW entirely).
	if err := as.HandleFault(page, vmm.FaultWrite|vmm.FaultUser); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if err := as.CopyToUser(page, []byte{0x42}); err != nil {
		t.Fatalf("parent write: %v", err)
	}

	var parentByte, childByte [1]byte
	if err := as.CopyFromUser(parentByte[:], page); err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if err := child.AS.CopyFromUser(childByte[:], page); err != nil {
		t.Fatalf("child read: %v", err)
	}
	if parentByte[0] != 0x42 {
		t.Fatalf("parent byte = %#x, want 0x42", parentByte[0])
	}
	if childByte[0] != original[0] {
		t.Fatalf("child byte = %#x, want %#x", childByte[0], original[0])
	}

	freeAfter := pm.Stats().FreePages
	if freeBefore-freeAfter != 1 {
		t.Fatalf("free pages dropped by %d, want exactly 1", freeBefore-freeAfter)
	}
}

// Scenario 6: a blocked high-priority thread (H, priority 100) is woken
// while a lower-priority thread (L, priority 120) is running; on the
// next scheduling point H runs and L is requeued at the tail of its
// priority level.
func TestScenarioPriorityPreemption(t *testing.T) {
	idle := sched.NewThread("idle", sched.PriorityMin)
	idle.Flags |= sched.FlagIdle
	s := sched.NewScheduler(idle)
	rq := s.RunQueue()

	// L is the running thread, requeued at the tail of its priority
	// level the way a timer-tick preemption would leave it.
	l := sched.NewThread("L", 120)
	rq.Add(l)

	// H was blocked (Interruptible, waiting on channel "io"); waking it
	// is exactly rejoining the run queue with a fresh time slice, the
	// same transition sched.Scheduler.Wakeup performs for every thread
	// it finds blocked on a matching channel.
	h := sched.NewThread("H", 100)
	h.State = sched.Interruptible
	h.WaitChannel = "io"
	rq.Add(h)

	snap := rq.BitmapSnapshot()
	if len(snap) == 0 || snap[0] != 100 {
		t.Fatalf("runnable priorities = %v, want lowest (most urgent) to be 100 (H)", snap)
	}
	if rq.QueueLen(120) != 1 {
		t.Fatalf("priority-120 queue length = %d, want 1 (L requeued at tail)", rq.QueueLen(120))
	}

	if next := rq.Pick(); next != h {
		t.Fatalf("Pick = %v, want H (priority 100 beats L's 120)", next)
	}
}
