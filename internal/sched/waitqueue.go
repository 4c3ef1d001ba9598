package sched

import "github.com/tinyrange/kcore/internal/ktypes"

// WaitQueue is a lock plus a list of blocked threads: wait_event adds
// the current thread and blocks, wake_up wakes the head, wake_up_all
// drains the whole queue.
type WaitQueue struct {
	lock ktypes.SpinLock
	list ktypes.List[*Thread]
}

// Wait adds t to the queue, transitions it to Uninterruptible, and
// parks its goroutine until woken. The caller's run queue membership
// must already have been removed by the scheduler before calling
// Wait; WaitQueue only tracks blocked-on-this-queue membership.
func (wq *WaitQueue) Wait(t *Thread) {
	wq.lock.Lock()
	t.State = Uninterruptible
	t.waitqNode = wq.list.PushBack(t)
	wq.lock.Unlock()

	t.park()
}

// WakeOne wakes the head of the queue, if any, returning it.
func (wq *WaitQueue) WakeOne() *Thread {
	wq.lock.Lock()
	t, ok := wq.list.PopFront()
	wq.lock.Unlock()
	if !ok {
		return nil
	}
	t.waitqNode = nil
	t.resume()
	return t
}

// WakeAll wakes every waiter, returning them in FIFO order.
func (wq *WaitQueue) WakeAll() []*Thread {
	wq.lock.Lock()
	var woken []*Thread
	for {
		t, ok := wq.list.PopFront()
		if !ok {
			break
		}
		t.waitqNode = nil
		woken = append(woken, t)
	}
	wq.lock.Unlock()
	for _, t := range woken {
		t.resume()
	}
	return woken
}

// Len reports how many threads are currently queued.
func (wq *WaitQueue) Len() int {
	wq.lock.Lock()
	defer wq.lock.Unlock()
	return wq.list.Len()
}
