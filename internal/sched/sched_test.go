package sched

import "testing"

func TestRunQueueBitmapInvariant(t *testing.T) {
	idle := NewThread("idle", NumPriorities)
	rq := NewRunQueue(idle)

	a := NewThread("a", 50)
	b := NewThread("b", 120)
	rq.Add(a)
	rq.Add(b)

	for _, p := range []int{50, 120} {
		if rq.QueueLen(p) == 0 {
			t.Fatalf("priority %d expected nonempty queue", p)
		}
	}
	snap := rq.BitmapSnapshot()
	want := map[int]bool{50: true, 120: true}
	if len(snap) != 2 {
		t.Fatalf("bitmap snapshot = %v, want 2 entries", snap)
	}
	for _, p := range snap {
		if !want[p] {
			t.Fatalf("unexpected bit set at priority %d", p)
		}
	}

	rq.Remove(a)
	if rq.QueueLen(50) != 0 {
		t.Fatalf("priority 50 should be empty after remove")
	}
	for _, p := range rq.BitmapSnapshot() {
		if p == 50 {
			t.Fatalf("bitmap bit 50 should be clear after queue empties")
		}
	}
}

func TestRunQueuePickHighestPriorityFIFO(t *testing.T) {
	idle := NewThread("idle", NumPriorities)
	rq := NewRunQueue(idle)

	low := NewThread("low", 120)
	hi1 := NewThread("hi1", 10)
	hi2 := NewThread("hi2", 10)
	rq.Add(low)
	rq.Add(hi1)
	rq.Add(hi2)

	first := rq.Pick()
	if first != hi1 {
		t.Fatalf("Pick = %s, want hi1 (higher priority, FIFO first)", first.Name)
	}
	second := rq.Pick()
	if second != hi2 {
		t.Fatalf("Pick = %s, want hi2", second.Name)
	}
	third := rq.Pick()
	if third != low {
		t.Fatalf("Pick = %s, want low", third.Name)
	}
	fourth := rq.Pick()
	if fourth != idle {
		t.Fatalf("Pick on empty queue = %s, want idle", fourth.Name)
	}
}

func TestNiceToPriorityMapping(t *testing.T) {
	cases := map[int]int{-20: 100, 0: 120, 19: 139}
	for nice, want := range cases {
		if got := NiceToPriority(nice); got != want {
			t.Fatalf("NiceToPriority(%d) = %d, want %d", nice, got, want)
		}
	}
}

func TestSleepWakeup(t *testing.T) {
	idle := NewThread("idle", NumPriorities)
	s := NewScheduler(idle)

	channel := "disk-io"
	done := make(chan struct{})
	worker := NewThread("worker", PriorityDefault)
	s.Spawn(worker, func(self *Thread) {
		s.Sleep(self, channel)
		close(done)
		s.Exit(self)
	})

	// Drive the idle thread's goroutine manually: schedule from idle so
	// the worker actually gets the CPU and runs until it sleeps.
	idle.State = Running
	s.reschedule(idle, false) // hands the CPU to worker, parks idle

	select {
	case <-done:
		t.Fatalf("worker should still be asleep")
	default:
	}

	woken := s.Wakeup(channel)
	if len(woken) != 1 || woken[0] != worker {
		t.Fatalf("Wakeup returned %v, want [worker]", woken)
	}
	if worker.State != Running {
		t.Fatalf("worker.State = %v, want Running", worker.State)
	}

	// Schedule again: idle re-takes the CPU only after worker is picked
	// and runs to completion via the run queue.
	s.rq.lock.Lock()
	cur := s.rq.current
	s.rq.lock.Unlock()
	s.reschedule(cur, false)

	<-done
}

func TestWaitQueueFIFO(t *testing.T) {
	var wq WaitQueue
	a := NewThread("a", PriorityDefault)
	b := NewThread("b", PriorityDefault)

	go wq.Wait(a)
	for wq.Len() < 1 {
	}
	go wq.Wait(b)

	for wq.Len() < 2 {
	}

	first := wq.WakeOne()
	second := wq.WakeOne()
	if first != a || second != b {
		t.Fatalf("WakeOne order = %v, %v, want FIFO a, b", first.Name, second.Name)
	}
}
