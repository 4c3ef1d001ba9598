// Package sched implements the per-CPU run queue, priority bitmap,
// wait queues, and the cooperative sleep/wake machinery threads
// suspend and resume through. Context switching has no CPU registers
// to save in a hosted Go process — each thread's body runs in its own
// goroutine, and a "context switch" is the scheduler waking the next
// thread's goroutine and parking the previous one on its own resume
// channel, which is the natural Go realization of the coroutine-like
// suspend/resume this design calls for.
package sched

import (
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/cpu"
	"github.com/tinyrange/kcore/internal/ktypes"
)

// State is one of the six thread states.
type State int

const (
	Running State = iota
	Interruptible
	Uninterruptible
	Stopped
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Interruptible:
		return "Interruptible"
	case Uninterruptible:
		return "Uninterruptible"
	case Stopped:
		return "Stopped"
	case Zombie:
		return "Zombie"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Flags are the per-thread bit flags.
type Flags uint32

const (
	FlagKthread Flags = 1 << iota
	FlagIdle
	FlagNeedResched
	FlagExiting
	FlagForking
)

const (
	// PriorityRealtimeMax is the lowest (most urgent) real-time priority.
	PriorityRealtimeMax = 0
	// PriorityRealtimeMin is the highest-numbered real-time priority.
	PriorityRealtimeMin = 99
	// PriorityDefault is the default time-sharing priority (nice 0).
	PriorityDefault = 120
	// PriorityMin is the lowest-urgency (highest-numbered) priority.
	PriorityMin = 139

	// DefaultTimeSlice is the number of ticks a thread runs before
	// NeedResched is set, in units of 10ms ticks (HZ=100).
	DefaultTimeSlice = 10
)

// NiceToPriority maps nice -20..19 to priority 100..139.
func NiceToPriority(nice int) int {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return 100 + (nice + 20)
}

var nextTID atomic.Int64

// Thread is one schedulable unit of execution: identification,
// scheduling state, priority, saved context, kernel stack, and the
// links that place it on at most one run queue and one wait queue at
// a time.
type Thread struct {
	ID    int
	Name  string
	State State
	Flags Flags

	Priority  int
	Nice      int
	TimeSlice int

	Context          cpu.CpuContext
	KernelStackBase  uint64
	KernelStackSize  uint64
	UserRSP          uint64

	// WaitChannel identifies what an Interruptible/Uninterruptible
	// thread is waiting for; nil when not sleeping on a channel.
	WaitChannel any

	// Owner is an opaque back-reference to the owning process, typed
	// as any to avoid an import cycle between sched and proc.
	Owner any

	ExitCode int

	Ticks uint64

	resumeCh chan struct{}

	runqNode  *ktypes.Node[*Thread]
	waitqNode *ktypes.Node[*Thread]
	onRunQ    bool
}

// NewThread allocates a thread record at the given base priority
// (already translated from nice if applicable).
func NewThread(name string, priority int) *Thread {
	if priority < 0 {
		priority = 0
	}
	if priority > PriorityMin {
		priority = PriorityMin
	}
	return &Thread{
		ID:        int(nextTID.Add(1)),
		Name:      name,
		State:     Interruptible,
		Priority:  priority,
		TimeSlice: DefaultTimeSlice,
		resumeCh:  make(chan struct{}, 1),
	}
}

// park blocks the calling goroutine until resume is called, realizing
// the "does not return to its caller until resumed" suspension point.
func (t *Thread) park() { <-t.resumeCh }

// resume wakes a thread previously parked by the scheduler. Buffered
// by one so a wake that arrives just before the corresponding park
// is not lost.
func (t *Thread) resume() {
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}
