package proc

import (
	"github.com/tinyrange/kcore/internal/sched"
)

// Wait implements process_wait: with p's lock held, fail if p has no
// children; scan for a zombie child and reap it (unlink, read exit
// code, free its address space and PID) if found; otherwise sleep
// on channel "self" and retry. zombieCount lets the no-zombie-yet case
// skip the scan entirely.
func Wait(s *sched.Scheduler, pids *PIDAllocator, p *Process, self *sched.Thread) (int, int, error) {
	for {
		p.lock.Lock()
		if len(p.Children) == 0 {
			p.lock.Unlock()
			return 0, 0, errNoChildren
		}
		if p.zombieCount > 0 {
			for _, c := range p.Children {
				c.lock.Lock()
				isZombie := c.MainThread != nil && c.MainThread.State == sched.Zombie
				c.lock.Unlock()
				if isZombie {
					p.removeChildLocked(c)
					p.zombieCount--
					p.lock.Unlock()
					reap(pids, c)
					return c.PID, c.ExitCode, nil
				}
			}
		}
		p.lock.Unlock()

		s.Sleep(self, waitChannel{p})
	}
}

// reap frees a zombie child's kernel resources: its address space and
// its PID. Thread records are left for the garbage collector, since a
// hosted Go process has no manually-managed kernel-stack allocation to
// free the way the original does.
func reap(pids *PIDAllocator, c *Process) {
	if c.AS != nil {
		c.AS.DecRef()
	}
	pids.Free(c.PID)
}
