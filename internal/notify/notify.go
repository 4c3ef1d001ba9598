// Package notify implements notification objects: a signaled 64-bit
// bit set with blocking and non-blocking consumers.
package notify

import (
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/ktypes"
)

// Notification is a signaling object: signalers OR bits into the set,
// waiters block until it is nonzero and then atomically read-and-clear
// it.
type Notification struct {
	lock     ktypes.SpinLock
	bits     uint64
	waiters  ktypes.List[chan uint64]
	refcount atomic.Int32
}

// New returns a notification object with one reference.
func New() *Notification {
	n := &Notification{}
	n.refcount.Store(1)
	return n
}

func (n *Notification) IncRef() { n.refcount.Add(1) }
func (n *Notification) DecRef() int32 { return n.refcount.Add(-1) }

// Signal ORs bits into the set and wakes every blocked waiter, each
// receiving the full accumulated set at the moment it wakes. With no
// waiter queued the bits stay in the set for a later Wait or Poll.
func (n *Notification) Signal(bits uint64) {
	n.lock.Lock()
	n.bits |= bits
	if n.bits == 0 {
		n.lock.Unlock()
		return
	}
	var woken []chan uint64
	for node := n.waiters.Front(); node != nil; {
		next := node.Next()
		ch := node.Value
		n.waiters.Remove(node)
		woken = append(woken, ch)
		node = next
	}
	if len(woken) == 0 {
		n.lock.Unlock()
		return
	}
	got := n.bits
	n.bits = 0
	n.lock.Unlock()

	for _, ch := range woken {
		ch <- got
	}
}

// Wait blocks until the set is nonzero, then atomically reads and
// clears it.
func (n *Notification) Wait() uint64 {
	n.lock.Lock()
	if n.bits != 0 {
		got := n.bits
		n.bits = 0
		n.lock.Unlock()
		return got
	}
	ch := make(chan uint64, 1)
	n.waiters.PushBack(ch)
	n.lock.Unlock()
	return <-ch
}

// Poll returns the current set without blocking, clearing it
// atomically if nonzero.
func (n *Notification) Poll() uint64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	got := n.bits
	n.bits = 0
	return got
}
