package ipc

import (
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
)

// EndpointFlags are the endpoint's state flags.
type EndpointFlags uint32

const (
	FlagBound EndpointFlags = 1 << iota
	FlagReplyEndpoint
	FlagNotification
	FlagDead
)

var nextEndpointID atomic.Uint64

// waiter is a blocked party's rendezvous record: the message it wants
// to transfer and the channel its result arrives on. It plays the role
// this design calls "a wait record on the sender's stack" — here, a
// value living on the blocked goroutine's stack, referenced by pointer
// while queued.
type waiter struct {
	msg    *Message
	result chan error
}

// Endpoint is a rendezvous object: two FIFO wait queues (senders,
// receivers), a lock, and message counters.
type Endpoint struct {
	id    uint64
	flags EndpointFlags

	lock      ktypes.SpinLock
	senders   ktypes.List[*waiter]
	receivers ktypes.List[*waiter]

	refcount atomic.Int32

	// msgsSent counts every completed transfer; msgsReceived counts
	// only those a Recv completed by draining a queued sender.
	msgsSent     uint64
	msgsReceived uint64

	Owner any // opaque back-reference to the owning process
}

// NewEndpoint creates a live endpoint with one reference.
func NewEndpoint(flags EndpointFlags) *Endpoint {
	e := &Endpoint{id: nextEndpointID.Add(1), flags: flags}
	e.refcount.Store(1)
	return e
}

func (e *Endpoint) ID() uint64 { return e.id }

func (e *Endpoint) IncRef() { e.refcount.Add(1) }

// Destroy marks the endpoint dead, wakes every queued thread on both
// sides with "endpoint dead", and drops the final reference.
func (e *Endpoint) Destroy() {
	e.lock.Lock()
	e.flags |= FlagDead
	var woken []*waiter
	for {
		w, ok := e.senders.PopFront()
		if !ok {
			break
		}
		woken = append(woken, w)
	}
	for {
		w, ok := e.receivers.PopFront()
		if !ok {
			break
		}
		woken = append(woken, w)
	}
	e.lock.Unlock()

	for _, w := range woken {
		w.result <- errno.New("ipc: endpoint destroyed", errno.EndpointDead)
	}
	e.refcount.Add(-1)
}

// Send implements the send protocol: rendezvous immediately with a
// queued receiver, fail with "no partner" if the queue is empty and
// nonBlocking is set, else queue and block until a receiver arrives or
// the endpoint dies.
func (e *Endpoint) Send(msg *Message, nonBlocking bool) error {
	e.lock.Lock()
	if e.flags&FlagDead != 0 {
		e.lock.Unlock()
		return errno.New("ipc: send", errno.EndpointDead)
	}
	if w, ok := e.receivers.PopFront(); ok {
		*w.msg = *msg
		e.msgsSent++
		e.lock.Unlock()
		w.result <- nil
		return nil
	}
	if nonBlocking {
		e.lock.Unlock()
		return errno.New("ipc: send", errno.NoPartner)
	}
	w := &waiter{msg: msg, result: make(chan error, 1)}
	e.senders.PushBack(w)
	e.lock.Unlock()
	return <-w.result
}

// Recv is Send's mirror: drain a queued sender immediately, fail with
// "no partner" if empty and nonBlocking, else queue and block.
func (e *Endpoint) Recv(out *Message, nonBlocking bool) error {
	e.lock.Lock()
	if e.flags&FlagDead != 0 {
		e.lock.Unlock()
		return errno.New("ipc: recv", errno.EndpointDead)
	}
	if w, ok := e.senders.PopFront(); ok {
		*out = *w.msg
		e.msgsSent++
		e.msgsReceived++
		e.lock.Unlock()
		w.result <- nil
		return nil
	}
	if nonBlocking {
		e.lock.Unlock()
		return errno.New("ipc: recv", errno.NoPartner)
	}
	w := &waiter{msg: out, result: make(chan error, 1)}
	e.receivers.PushBack(w)
	e.lock.Unlock()
	return <-w.result
}

// Stats exposes the endpoint's message counters for invariant checks.
func (e *Endpoint) Stats() (sent, received uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.msgsSent, e.msgsReceived
}
