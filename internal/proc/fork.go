package proc

import (
	"fmt"

	"github.com/tinyrange/kcore/internal/sched"
)

// Fork implements fork(): clone the address space (COW, per
// vmm.AddressSpace.Clone), create a child process inheriting
// credentials, give it a new thread seeded from the parent's, and
// register it as the parent's child. Per this design's Open Question
// (b) decision (DESIGN.md), there is no real per-CPU syscall frame to
// copy — the child's thread resumes as a fresh goroutine rather than
// replaying a captured trap frame, and the caller is responsible for
// arranging that goroutine to "return" the child's view (PID 0) the
// same way the parent's call site "returns" the child PID.
func Fork(s *sched.Scheduler, pids *PIDAllocator, parent *Process, parentThread *sched.Thread, childEntry func(self *sched.Thread)) (*Process, error) {
	child, err := NewProcess(pids, parent.Name, parent.Creds)
	if err != nil {
		return nil, err
	}
	child.PGID = parent.PGID
	child.SID = parent.SID

	if parent.AS != nil {
		as, err := parent.AS.Clone()
		if err != nil {
			pids.Free(child.PID)
			return nil, fmt.Errorf("proc: fork: %w", err)
		}
		child.AS = as
	}

	t := sched.NewThread(parent.Name, parentThread.Priority)
	t.Nice = parentThread.Nice
	t.KernelStackSize = parentThread.KernelStackSize
	if t.KernelStackSize == 0 {
		t.KernelStackSize = KernelStackSize
	}
	child.AddThread(t)
	parent.addChild(child)

	s.Spawn(t, func(self *sched.Thread) {
		childEntry(self)
		Exit(s, child, self, 0)
	})

	return child, nil
}
