package sched

import "sync"

// Scheduler ties one CPU's run queue to the global thread list that
// thread_sleep/thread_wakeup scan by wait channel, plus the idle
// thread that runs when nothing else is.
type Scheduler struct {
	rq *RunQueue

	mu      sync.Mutex
	threads []*Thread
}

// NewScheduler creates a scheduler whose run queue falls back to idle
// when empty.
func NewScheduler(idle *Thread) *Scheduler {
	s := &Scheduler{rq: NewRunQueue(idle)}
	s.register(idle)
	return s
}

// RunQueue exposes the underlying run queue for tests and invariant
// checks.
func (s *Scheduler) RunQueue() *RunQueue { return s.rq }

func (s *Scheduler) register(t *Thread) {
	s.mu.Lock()
	s.threads = append(s.threads, t)
	s.mu.Unlock()
}

// Spawn creates a thread, registers it on the global thread list, adds
// it to the run queue, and starts its goroutine parked until the
// scheduler first resumes it — the Go realization of a kernel-thread
// trampoline that calls fn(arg) then exits.
func (s *Scheduler) Spawn(t *Thread, fn func(*Thread)) {
	s.register(t)
	s.rq.Add(t)
	go func() {
		t.park()
		fn(t)
	}()
}

// reschedule is schedule()'s core: optionally requeue prev, pick next,
// and if they differ, wake next's goroutine and park prev's.
func (s *Scheduler) reschedule(prev *Thread, requeue bool) {
	s.rq.lock.Lock()
	if requeue {
		s.rq.addLocked(prev)
	}
	next := s.rq.pickLocked()
	s.rq.current = next
	s.rq.switches++
	s.rq.lock.Unlock()

	if next == prev {
		return
	}
	next.resume()
	prev.park()
}

// Yield implements voluntary preemption: prev keeps its priority and
// is requeued at the tail (round-robin within priority).
func (s *Scheduler) Yield(prev *Thread) {
	s.reschedule(prev, true)
}

// Sleep implements thread_sleep(channel): it records channel as prev's
// wait channel, transitions prev to Interruptible, and reschedules
// without requeuing, since a sleeping thread is off every run queue.
func (s *Scheduler) Sleep(prev *Thread, channel any) {
	prev.WaitChannel = channel
	prev.State = Interruptible
	s.reschedule(prev, false)
}

// Wakeup implements thread_wakeup(channel): every thread blocked on
// channel is moved to Running and back onto the run queue with a
// fresh time slice. It does not itself resume a goroutine — the
// thread's goroutine unparks only when a later reschedule actually
// switches to it, exactly as a real thread only gets the CPU when the
// scheduler picks it.
func (s *Scheduler) Wakeup(channel any) []*Thread {
	s.mu.Lock()
	threads := append([]*Thread(nil), s.threads...)
	s.mu.Unlock()

	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	var woken []*Thread
	for _, t := range threads {
		if (t.State == Interruptible || t.State == Uninterruptible) && t.WaitChannel == channel {
			t.WaitChannel = nil
			t.TimeSlice = DefaultTimeSlice
			s.rq.addLocked(t)
			woken = append(woken, t)
		}
	}
	return woken
}

// Tick implements the 100Hz timer tick: decrement current's time
// slice; when depleted, reset it and set NeedResched. If current is
// idle and threads are runnable, also set NeedResched.
func (s *Scheduler) Tick() {
	s.rq.lock.Lock()
	cur := s.rq.current
	s.rq.ticks++
	runnable := s.rq.nrRunning
	s.rq.lock.Unlock()

	cur.Ticks++
	if cur.Flags&FlagIdle != 0 {
		if runnable > 0 {
			cur.Flags |= FlagNeedResched
		}
		return
	}
	cur.TimeSlice--
	if cur.TimeSlice <= 0 {
		cur.TimeSlice = DefaultTimeSlice
		cur.Flags |= FlagNeedResched
	}
}

// Exit removes prev from scheduling entirely (Zombie/Dead transition
// is the caller's responsibility) and switches away. prev is not
// requeued, so nothing resumes it again: its goroutine stays parked
// inside this call and Exit does not return.
func (s *Scheduler) Exit(prev *Thread) {
	s.reschedule(prev, false)
}
