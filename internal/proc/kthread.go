package proc

import (
	"github.com/tinyrange/kcore/internal/sched"
)

// KernelStackSize is the fixed kernel-stack allocation for every
// thread, kernel or user.
const KernelStackSize = 8 * 1024

// KthreadCreate creates a kernel-only process (no address space) with
// one thread, registers it on s, and starts fn(arg) running in it. The
// returned process has no parent; callers that want it reparentable
// should addChild it onto init themselves.
func KthreadCreate(s *sched.Scheduler, pids *PIDAllocator, name string, fn func(arg any), arg any) (*Process, error) {
	p, err := NewProcess(pids, name, Credentials{})
	if err != nil {
		return nil, err
	}

	t := sched.NewThread(name, sched.PriorityDefault)
	t.Flags |= sched.FlagKthread
	t.KernelStackSize = KernelStackSize
	p.AddThread(t)

	s.Spawn(t, func(self *sched.Thread) {
		fn(arg)
		Exit(s, p, self, 0)
	})
	return p, nil
}
