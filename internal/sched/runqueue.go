package sched

import (
	"github.com/tinyrange/kcore/internal/ktypes"
)

// NumPriorities is the number of distinct priority levels (0-139).
const NumPriorities = 140

// RunQueue is one CPU's run queue: 140 FIFO lists indexed by priority
// and a bitmap tracking which are nonempty, giving O(1) "pick highest
// priority runnable thread".
type RunQueue struct {
	lock      ktypes.SpinLock
	queues    [NumPriorities]ktypes.List[*Thread]
	bitmap    *ktypes.Bitmap
	nrRunning int

	current *Thread
	idle    *Thread

	switches uint64
	ticks    uint64
}

// NewRunQueue creates an empty run queue with idle as the thread to
// return from Pick when nothing else is runnable.
func NewRunQueue(idle *Thread) *RunQueue {
	idle.Flags |= FlagIdle
	idle.Priority = NumPriorities // sentinel: never set in the bitmap
	return &RunQueue{
		bitmap:  ktypes.NewBitmap(NumPriorities),
		idle:    idle,
		current: idle,
	}
}

// Add implements sched_add: clamp priority, append to the tail of that
// priority's queue, set the bitmap bit, mark the thread Running.
func (rq *RunQueue) Add(t *Thread) {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	rq.addLocked(t)
}

func (rq *RunQueue) addLocked(t *Thread) {
	if t.Priority < 0 {
		t.Priority = 0
	}
	if t.Priority > PriorityMin {
		t.Priority = PriorityMin
	}
	t.State = Running
	t.onRunQ = true
	t.runqNode = rq.queues[t.Priority].PushBack(t)
	rq.bitmap.Set(t.Priority)
	rq.nrRunning++
}

// Remove implements sched_remove: unlink t from its priority queue,
// clearing the bitmap bit if the queue becomes empty.
func (rq *RunQueue) Remove(t *Thread) {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	rq.removeLocked(t)
}

func (rq *RunQueue) removeLocked(t *Thread) {
	if !t.onRunQ {
		return
	}
	rq.queues[t.Priority].Remove(t.runqNode)
	t.runqNode = nil
	t.onRunQ = false
	rq.nrRunning--
	if rq.queues[t.Priority].Empty() {
		rq.bitmap.Clear(t.Priority)
	}
}

// Pick implements the lowest-set-bit selection: find the highest
// priority (lowest number) nonempty queue, pop its head, unlink it.
// Returns the idle thread if nothing is runnable.
func (rq *RunQueue) Pick() *Thread {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.pickLocked()
}

func (rq *RunQueue) pickLocked() *Thread {
	p := rq.bitmap.FirstSet(0)
	if p < 0 {
		return rq.idle
	}
	t, _ := rq.queues[p].PopFront()
	if rq.queues[p].Empty() {
		rq.bitmap.Clear(p)
	}
	t.onRunQ = false
	t.runqNode = nil
	rq.nrRunning--
	return t
}

// NrRunning returns the number of runnable threads currently queued
// (not counting the thread presently executing, nor idle).
func (rq *RunQueue) NrRunning() int {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.nrRunning
}

// Current returns the thread the run queue currently considers to be
// executing on this CPU.
func (rq *RunQueue) Current() *Thread {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.current
}

// BitmapSnapshot exposes which priorities are nonempty, for invariant
// tests (I1-style: bitmap bit set iff queue nonempty).
func (rq *RunQueue) BitmapSnapshot() []int {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	var out []int
	for p := 0; p < NumPriorities; p++ {
		if rq.bitmap.Test(p) {
			out = append(out, p)
		}
	}
	return out
}

// QueueLen returns the number of threads queued at priority p, for
// tests asserting FIFO ordering and bitmap/length consistency.
func (rq *RunQueue) QueueLen(p int) int {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.queues[p].Len()
}
