package proc

import (
	"github.com/tinyrange/kcore/internal/cap"
	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
	"github.com/tinyrange/kcore/internal/sched"
	"github.com/tinyrange/kcore/internal/vmm"
)

// DefaultCapSlots is the fixed capability-space size every process
// gets at creation.
const DefaultCapSlots = 256

// Credentials bundles the uid/gid triples a process carries.
type Credentials struct {
	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
}

// Process is identification, credentials, an address space, its
// threads, and the parent/child links fork and wait walk.
type Process struct {
	PID  int
	PPID int
	PGID int
	SID  int
	Name string

	Creds Credentials

	AS   *vmm.AddressSpace // nil for kernel-only processes
	Caps *cap.Space

	lock ktypes.SpinLock

	Threads    []*sched.Thread
	MainThread *sched.Thread

	Parent   *Process
	Children []*Process

	ExitCode int

	// zombieCount lets Wait short-circuit without a linear scan when
	// no child has exited yet, mirroring the original's per-parent
	// zombie counter.
	zombieCount int
}

// NewProcess allocates a process record and assigns it a PID from
// pids. The new process has no parent; callers wire Parent/Children
// separately once both records exist.
func NewProcess(pids *PIDAllocator, name string, creds Credentials) (*Process, error) {
	pid, err := pids.Alloc()
	if err != nil {
		return nil, err
	}
	return &Process{PID: pid, PGID: pid, SID: pid, Name: name, Creds: creds, Caps: cap.NewSpace(DefaultCapSlots)}, nil
}

func (p *Process) addThreadLocked(t *sched.Thread) {
	p.Threads = append(p.Threads, t)
	t.Owner = p
	if p.MainThread == nil {
		p.MainThread = t
	}
}

// AddThread registers t as one of p's threads.
func (p *Process) AddThread(t *sched.Thread) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.addThreadLocked(t)
}

// addChild links c as one of p's children.
func (p *Process) addChild(c *Process) {
	p.lock.Lock()
	defer p.lock.Unlock()
	c.Parent = p
	p.Children = append(p.Children, c)
}

// removeChildLocked unlinks c from p.Children. Caller holds p.lock.
func (p *Process) removeChildLocked(c *Process) {
	for i, cand := range p.Children {
		if cand == c {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}

// reparentChildrenTo moves every child of p onto init (or discards
// them if init is nil, which only happens for init itself).
func (p *Process) reparentChildrenTo(init *Process) {
	p.lock.Lock()
	children := p.Children
	p.Children = nil
	p.lock.Unlock()

	if init == nil {
		return
	}
	for _, c := range children {
		c.lock.Lock()
		wasZombie := c.MainThread != nil && c.MainThread.State == sched.Zombie
		c.lock.Unlock()
		c.Parent = init
		init.lock.Lock()
		init.Children = append(init.Children, c)
		if wasZombie {
			init.zombieCount++
		}
		init.lock.Unlock()
	}
}

// errNoChildren is returned by Wait when the process has no children
// at all, as distinct from "has children but none are zombies yet".
var errNoChildren = errno.New("proc: wait", errno.NoSuchEntry)
