package proc

import (
	"github.com/tinyrange/kcore/internal/sched"
)

// initProcess is the process zombies are reparented to when their own
// parent is unavailable. Set once via SetInit during boot.
var initProcess *Process

// SetInit designates p as the reparenting target for orphaned children.
func SetInit(p *Process) { initProcess = p }

// Exit marks self exiting, and once it is the last thread, transitions
// p to a zombie: record code, reparent children to init, and wake any
// parent blocked in Wait on channel "parent". Schedules away via s.Exit
// regardless.
func Exit(s *sched.Scheduler, p *Process, self *sched.Thread, code int) {
	self.Flags |= sched.FlagExiting

	p.lock.Lock()
	for i, t := range p.Threads {
		if t == self {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	last := len(p.Threads) == 0
	p.lock.Unlock()

	self.State = sched.Dead

	if last {
		p.ExitCode = code
		if p.MainThread != nil {
			p.MainThread.State = sched.Zombie
			p.MainThread.ExitCode = code
		}
		p.reparentChildrenTo(initProcess)

		if p.Parent != nil {
			p.Parent.lock.Lock()
			p.Parent.zombieCount++
			p.Parent.lock.Unlock()
			s.Wakeup(waitChannel{p.Parent})
		}
	}

	s.Exit(self)
}

// waitChannel identifies the channel a process sleeps on while waiting
// ("channel parent" in this design's terms) for any of its own
// children to become a zombie; the process's own identity is the
// channel key.
type waitChannel struct{ who *Process }
